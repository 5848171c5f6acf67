package transmit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

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


BO_ 291 Vehicle: 8 ECU
 SG_ Speed : 0|16@1+ (0.1,0) [0|6553.5] "km/h" TESTER
 SG_ Gear : 16|4@1+ (1,0) [0|15] "" TESTER

BO_ 512 Motor: 2 ECU
 SG_ Torque : 0|8@1- (1,0) [-100|100] "Nm" TESTER

BO_ 1024 Diag: 8 ECU
 SG_ Page M : 0|8@1+ (1,0) [0|255] "" TESTER
 SG_ Voltage m0 : 8|16@1+ (0.01,0) [0|655.35] "V" TESTER
 SG_ Current m1 : 8|16@1- (0.1,0) [-3276.8|3276.7] "A" TESTER
 SG_ Counter : 56|8@1+ (1,0) [0|255] "" TESTER


VAL_ 291 Gear 0 "P" 1 "R" 2 "N" 3 "D" ;
VAL_ 1024 Page 0 "Battery" 1 "Motor" ;
`

func testCatalog(t *testing.T) *canmap.Catalog {
	t.Helper()
	c, err := canmap.Parse("test.dbc", []byte(testDBC))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

type recorder struct {
	mu     sync.Mutex
	frames []transport.Frame
	fail   map[uint32]error
}

func (r *recorder) Send(ctx context.Context, f transport.Frame) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[f.ID]; err != nil {
		return err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) ids() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.ID
	}
	return out
}

func TestScheduler_SlotSendsOncePerCycle(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(Config{}, testCatalog(t), rec, nil, nil)

	// Disabled placeholders in slots 0..4 put 0x123 in slot 5.
	for i := 0; i < 5; i++ {
		s.slots[i] = &row{id: 0x200, enabled: false, values: map[string]string{"Torque": "1"}}
	}
	slot, err := s.Arm(0x123, map[string]string{"Speed": "10", "Gear": "D"})
	if err != nil || slot != 5 {
		t.Fatalf("arm = %d, %v", slot, err)
	}

	var sentOn []int
	for tick := 0; tick < 90; tick++ {
		if n := s.Tick(context.Background()); n > 0 {
			if n != 1 {
				t.Fatalf("tick %d sent %d frames", tick, n)
			}
			sentOn = append(sentOn, tick)
		}
	}
	if len(sentOn) != 3 || sentOn[0] != 5 || sentOn[1] != 35 || sentOn[2] != 65 {
		t.Fatalf("sent on ticks %v, want [5 35 65]", sentOn)
	}
	f := rec.frames[0]
	want := []byte{0x64, 0x00, 0x03, 0, 0, 0, 0, 0}
	if f.ID != 0x123 || f.Extended || !bytes.Equal(f.Data, want) {
		t.Fatalf("frame = %v, want data % X", f, want)
	}
}

func TestScheduler_DisarmMidCycle(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(Config{Cycle: 2}, testCatalog(t), rec, nil, nil)
	if _, err := s.Arm(0x123, nil); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if slot, err := s.Arm(0x200, map[string]string{"Torque": "-5"}); err != nil || slot != 1 {
		t.Fatalf("arm motor = %d, %v", slot, err)
	}

	s.Tick(context.Background()) // slot 0
	if err := s.Disarm(0x123); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
	}
	ids := rec.ids()
	if len(ids) != 4 || ids[0] != 0x123 {
		t.Fatalf("sent %X", ids)
	}
	for _, id := range ids[1:] {
		if id != 0x200 {
			t.Fatalf("disarmed row still sent: %X", ids)
		}
	}
	rows := s.Rows()
	if len(rows) != 1 || rows[0].Slot != 1 || rows[0].ID != 0x200 {
		t.Fatalf("rows after disarm = %+v", rows)
	}
	if err := s.Disarm(0x123); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("second disarm = %v", err)
	}
}

func TestScheduler_FailuresDoNotStopOtherRows(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := utils.NewMetrics(reg)
	rec := &recorder{fail: map[uint32]error{0x400: errors.New("bus off")}}
	s := NewScheduler(Config{Cycle: 1}, testCatalog(t), rec, utils.NewNopLogger(), m)

	mustArm(t, s, 0x200, map[string]string{"Torque": "500"}) // out of range
	mustArm(t, s, 0x400, map[string]string{"Page": "0", "Voltage": "12"})
	mustArm(t, s, 0x123, map[string]string{"Speed": "1"})

	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
	if ids := rec.ids(); len(ids) != 1 || ids[0] != 0x123 {
		t.Fatalf("sent %X", ids)
	}
	if got := testutil.ToFloat64(m.EncodeFailures); got != 1 {
		t.Fatalf("encode failures = %v", got)
	}
	if got := testutil.ToFloat64(m.SendFailures); got != 1 {
		t.Fatalf("send failures = %v", got)
	}
	if got := testutil.ToFloat64(m.FramesSent); got != 1 {
		t.Fatalf("frames sent = %v", got)
	}
	if got := testutil.ToFloat64(m.ArmedRows); got != 3 {
		t.Fatalf("armed rows = %v", got)
	}

	if err := s.SetSignalValue(0x200, "Torque", "-100"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if n := s.Tick(context.Background()); n != 2 {
		t.Fatalf("after fix sent %d, want 2", n)
	}
}

func TestScheduler_MultiplexedRowSendsSelectedBranch(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(Config{Cycle: 1}, testCatalog(t), rec, nil, nil)
	mustArm(t, s, 0x400, map[string]string{"Page": "Motor", "Voltage": "0x10", "Current": "-5", "Counter": "7"})

	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("sent %d", n)
	}
	cat := testCatalog(t)
	def, _ := cat.Lookup(0x400)
	d, err := canmap.Decode(def, rec.frames[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := d.Map()
	if got["Page"] != "Motor" || got["Current"] != "-5.00" || got["Counter"] != "7.00" {
		t.Fatalf("decoded = %v", got)
	}
	if _, ok := got["Voltage"]; ok {
		t.Fatalf("other branch leaked into frame: %v", got)
	}
}

func TestScheduler_ArmValidation(t *testing.T) {
	s := NewScheduler(Config{Capacity: 2}, testCatalog(t), &recorder{}, nil, nil)

	if _, err := s.Arm(0x7FF, nil); !errors.Is(err, canmap.ErrNotFound) {
		t.Fatalf("unknown id = %v", err)
	}
	if _, err := s.Arm(0x123, map[string]string{"Nope": "1"}); !errors.Is(err, canmap.ErrUnknownSignal) {
		t.Fatalf("unknown signal = %v", err)
	}
	mustArm(t, s, 0x123, nil)
	mustArm(t, s, 0x200, nil)
	if _, err := s.Arm(0x400, nil); !errors.Is(err, ErrCapacity) {
		t.Fatalf("full table = %v", err)
	}

	// Re-arming keeps the slot and replaces the values.
	slot, err := s.Arm(0x123, map[string]string{"Speed": "5"})
	if err != nil || slot != 0 {
		t.Fatalf("re-arm = %d, %v", slot, err)
	}
	rows := s.Rows()
	if rows[0].Values["Speed"] != "5" || rows[0].Values["Gear"] != "0" {
		t.Fatalf("row values = %v", rows[0].Values)
	}

	if err := s.SetSignalValue(0x123, "Nope", "1"); !errors.Is(err, canmap.ErrUnknownSignal) {
		t.Fatalf("set unknown signal = %v", err)
	}
	if err := s.SetSignalValue(0x400, "Page", "1"); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("set unarmed = %v", err)
	}
}

func TestScheduler_SetEnabledAndValuesAreIndependent(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(Config{Cycle: 1}, testCatalog(t), rec, nil, nil)
	mustArm(t, s, 0x123, nil)

	if err := s.SetEnabled(0x123, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := s.SetSignalValue(0x123, "Speed", "20"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("disabled row sent")
	}
	if rows := s.Rows(); rows[0].Enabled {
		t.Fatalf("SetSignalValue re-enabled the row")
	}
	_ = s.SetEnabled(0x123, true)
	if n := s.Tick(context.Background()); n != 1 || rec.frames[0].Data[0] != 200 {
		t.Fatalf("enabled row: sent %d, %v", n, rec.frames)
	}
}

func TestScheduler_SetCatalogDropsMissingRows(t *testing.T) {
	s := NewScheduler(Config{}, testCatalog(t), nil, nil, nil)
	mustArm(t, s, 0x123, nil)
	mustArm(t, s, 0x200, nil)

	// Without a sender a tick fails the send but keeps going.
	s.Tick(context.Background())

	small, err := canmap.Parse("small.dbc", []byte(`VERSION ""


NS_ :
	CM_

BS_:

BU_: ECU


BO_ 512 Motor: 2 ECU
 SG_ Torque : 0|8@1- (1,0) [-100|100] "Nm" ECU
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s.SetCatalog(small)
	rows := s.Rows()
	if len(rows) != 1 || rows[0].ID != 0x200 || rows[0].Slot != 1 {
		t.Fatalf("rows = %+v", rows)
	}
	s.SetCatalog(nil)
	if len(s.Rows()) != 0 {
		t.Fatalf("nil catalog kept rows")
	}
	if _, err := s.Arm(0x200, nil); !errors.Is(err, canmap.ErrNotFound) {
		t.Fatalf("arm without catalog = %v", err)
	}
}

func TestBuild(t *testing.T) {
	cat := testCatalog(t)
	def, _ := cat.Lookup(0x123)

	f, err := Build(def, map[string]string{"Speed": "100", "Gear": "R"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if f.ID != 0x123 || len(f.Data) != 8 || f.Data[0] != 0xE8 || f.Data[1] != 0x03 || f.Data[2] != 1 {
		t.Fatalf("frame = %v", f)
	}
	if _, err := Build(def, map[string]string{"Speed": "fast", "Gear": "0"}); !errors.Is(err, canmap.ErrBadValue) {
		t.Fatalf("bad text = %v", err)
	}
	if _, err := Build(def, map[string]string{"Speed": "1"}); !errors.Is(err, canmap.ErrMissingSignal) {
		t.Fatalf("missing = %v", err)
	}
}

func mustArm(t *testing.T, s *Scheduler, id uint32, values map[string]string) {
	t.Helper()
	if _, err := s.Arm(id, values); err != nil {
		t.Fatalf("arm %X: %v", id, err)
	}
}
