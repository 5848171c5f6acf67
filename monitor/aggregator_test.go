package monitor

import (
	"sync"
	"testing"
	"time"

	"wican-core/canmap"
	"wican-core/transport"
	"wican-core/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testDBC = `VERSION ""


NS_ :
	CM_
	VAL_

BS_:

BU_: ECU TESTER


BO_ 256 Speed: 2 ECU
 SG_ Speed : 0|16@1+ (0.1,0) [0|6553.5] "km/h" TESTER

BO_ 512 Gear: 1 ECU
 SG_ Gear : 0|4@1+ (1,0) [0|15] "" TESTER


VAL_ 512 Gear 0 "P" 1 "R" 2 "N" 3 "D" ;
`

func testCatalog(t *testing.T) *canmap.Catalog {
	t.Helper()
	c, err := canmap.Parse("test.dbc", []byte(testDBC))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

func collect(a *Aggregator) []Entry {
	var out []Entry
	for e := range a.Snapshot() {
		out = append(out, e)
	}
	return out
}

func TestAggregator_RowsPerIDInFirstSeenOrder(t *testing.T) {
	a := NewAggregator(nil, nil, nil)
	t0 := time.Unix(100, 0)

	a.Observe(transport.Frame{ID: 0x100, Data: []byte{1}, Timestamp: t0})
	a.Observe(transport.Frame{ID: 0x200, Data: []byte{2}, Timestamp: t0.Add(5 * time.Millisecond)})
	a.Observe(transport.Frame{ID: 0x100, Data: []byte{3}, Timestamp: t0.Add(20 * time.Millisecond)})

	rows := collect(a)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ID != 0x100 || rows[1].ID != 0x200 {
		t.Fatalf("order = %X, %X", rows[0].ID, rows[1].ID)
	}
	first := rows[0]
	if first.Stats.Count != 2 || first.Data[0] != 3 {
		t.Fatalf("0x100 = %+v", first)
	}
	if !first.Stats.HasInterval || first.Stats.Interval != 20*time.Millisecond {
		t.Fatalf("0x100 interval = %v (%v)", first.Stats.Interval, first.Stats.HasInterval)
	}
	if !first.Stats.LastSeen.Equal(t0.Add(20 * time.Millisecond)) {
		t.Fatalf("last seen = %v", first.Stats.LastSeen)
	}
	if rows[1].Stats.Count != 1 || rows[1].Stats.HasInterval {
		t.Fatalf("0x200 stats = %+v", rows[1].Stats)
	}
	if rows[1].Row != 1 {
		t.Fatalf("0x200 row = %d", rows[1].Row)
	}
}

func TestAggregator_DecodesKnownIDs(t *testing.T) {
	a := NewAggregator(testCatalog(t), nil, nil)
	a.Observe(transport.Frame{ID: 0x100, Data: []byte{0x64, 0x00}})
	a.Observe(transport.Frame{ID: 0x200, Data: []byte{0x03}})
	a.Observe(transport.Frame{ID: 0x7FF, Data: []byte{0xFF}})

	e, ok := a.Get(0x100)
	if !ok || e.Decoded == nil {
		t.Fatalf("0x100 not decoded: %+v", e)
	}
	if got := e.Decoded.Map()["Speed"]; got != "10.00" {
		t.Fatalf("Speed = %q", got)
	}
	e, _ = a.Get(0x200)
	if got := e.Decoded.Map()["Gear"]; got != "D" {
		t.Fatalf("Gear = %q", got)
	}
	e, ok = a.Get(0x7FF)
	if !ok || e.Decoded != nil || e.Stats.Count != 1 {
		t.Fatalf("unknown ID should be raw only: %+v", e)
	}
}

func TestAggregator_DecodeFailureKeepsRawStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := utils.NewMetrics(reg)
	a := NewAggregator(testCatalog(t), utils.NewNopLogger(), m)

	a.Observe(transport.Frame{ID: 0x100, Data: []byte{0x01}})
	e, ok := a.Get(0x100)
	if !ok || e.Decoded != nil || e.Stats.Count != 1 || len(e.Data) != 1 {
		t.Fatalf("truncated frame entry = %+v", e)
	}
	if got := testutil.ToFloat64(m.DecodeFailures); got != 1 {
		t.Fatalf("decode failures = %v", got)
	}
	if got := testutil.ToFloat64(m.FramesReceived); got != 1 {
		t.Fatalf("frames received = %v", got)
	}
	if got := testutil.ToFloat64(m.TrackedIDs); got != 1 {
		t.Fatalf("tracked ids = %v", got)
	}
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	a := NewAggregator(nil, nil, nil)
	buf := []byte{1, 2}
	a.Observe(transport.Frame{ID: 0x10, Data: buf})
	buf[0] = 9

	seq := a.Snapshot()
	a.Observe(transport.Frame{ID: 0x20})
	n := 0
	for e := range seq {
		if e.ID == 0x10 && e.Data[0] != 1 {
			t.Fatalf("stored payload aliases caller buffer")
		}
		n++
	}
	if n != 2 {
		t.Fatalf("snapshot taken at range time should see 2 rows, got %d", n)
	}
	for range a.Snapshot() {
		break
	}
}

func TestAggregator_ResetAndSetCatalog(t *testing.T) {
	a := NewAggregator(nil, nil, nil)
	a.Observe(transport.Frame{ID: 0x100, Data: []byte{0x64, 0x00}})
	if e, _ := a.Get(0x100); e.Decoded != nil {
		t.Fatalf("decoded without catalog")
	}

	a.SetCatalog(testCatalog(t))
	a.Observe(transport.Frame{ID: 0x100, Data: []byte{0x64, 0x00}})
	if e, _ := a.Get(0x100); e.Decoded == nil || e.Stats.Count != 2 {
		t.Fatalf("after SetCatalog = %+v", e)
	}

	a.Reset()
	if a.Len() != 0 || len(collect(a)) != 0 {
		t.Fatalf("reset left rows")
	}
	a.Observe(transport.Frame{ID: 0x100, Data: []byte{0x64, 0x00}})
	if e, _ := a.Get(0x100); e.Stats.Count != 1 || e.Stats.HasInterval || e.Row != 0 {
		t.Fatalf("after reset = %+v", e.Stats)
	}
}

func TestAggregator_ConcurrentObserveAndSnapshot(t *testing.T) {
	a := NewAggregator(testCatalog(t), nil, nil)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				a.Observe(transport.Frame{ID: uint32(0x100 + w), Data: []byte{byte(i), 0}})
			}
		}(w)
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				for range a.Snapshot() {
				}
			}
		}
	}()
	wg.Wait()
	close(stop)

	var total uint64
	for e := range a.Snapshot() {
		total += e.Stats.Count
	}
	if total != 2000 || a.Len() != 4 {
		t.Fatalf("total = %d, ids = %d", total, a.Len())
	}
}
