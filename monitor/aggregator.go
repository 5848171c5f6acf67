// Package monitor keeps the live table of frames seen on the bus: the latest
// payload per arbitration ID, arrival statistics and the decoded view.
package monitor

import (
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"wican-core/canmap"
	"wican-core/transport"
	"wican-core/utils"
)

// FrameStats tracks arrivals of one ID. Interval is only meaningful when
// HasInterval is set, which happens from the second frame on. Count starts
// at 1 with the first frame.
type FrameStats struct {
	LastSeen    time.Time
	Interval    time.Duration
	HasInterval bool
	Count       uint64
}

// Entry is a copy of one row of the live table.
type Entry struct {
	Row      int
	ID       uint32
	Extended bool
	Data     []byte
	Stats    FrameStats
	Decoded  *canmap.DecodedFrame
}

type entry struct {
	row      int
	extended bool
	data     []byte
	stats    FrameStats
	decoded  *canmap.DecodedFrame
}

type Aggregator struct {
	catalog atomic.Pointer[canmap.Catalog]
	log     *utils.Logger
	metrics *utils.Metrics

	mu      sync.Mutex
	entries map[uint32]*entry
	order   []uint32
}

func NewAggregator(catalog *canmap.Catalog, log *utils.Logger, metrics *utils.Metrics) *Aggregator {
	if log == nil {
		log = utils.NewNopLogger()
	}
	a := &Aggregator{
		log:     log,
		metrics: metrics,
		entries: make(map[uint32]*entry),
	}
	a.catalog.Store(catalog)
	return a
}

// SetCatalog swaps the catalog used for decoding; nil disables decoding.
// Rows already in the table keep their last decoded view until the next
// frame for their ID.
func (a *Aggregator) SetCatalog(c *canmap.Catalog) {
	a.catalog.Store(c)
}

func (a *Aggregator) Catalog() *canmap.Catalog {
	return a.catalog.Load()
}

// Observe records one received frame. Decoding happens before the lock is
// taken; a frame that fails to decode still updates the raw statistics.
func (a *Aggregator) Observe(f transport.Frame) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	decoded := a.decode(f)
	data := append([]byte(nil), f.Data...)

	a.mu.Lock()
	e, ok := a.entries[f.ID]
	if !ok {
		e = &entry{row: len(a.order)}
		a.entries[f.ID] = e
		a.order = append(a.order, f.ID)
	} else {
		e.stats.Interval = ts.Sub(e.stats.LastSeen)
		e.stats.HasInterval = true
	}
	e.extended = f.Extended
	e.data = data
	e.stats.LastSeen = ts
	e.stats.Count++
	e.decoded = decoded
	n := len(a.order)
	a.mu.Unlock()

	a.metrics.FrameReceived()
	if !ok {
		a.metrics.SetTrackedIDs(n)
	}
}

func (a *Aggregator) decode(f transport.Frame) *canmap.DecodedFrame {
	c := a.catalog.Load()
	if c == nil {
		return nil
	}
	def, ok := c.ByID[f.ID]
	if !ok || def.Extended != f.Extended {
		return nil
	}
	d, err := canmap.Decode(def, f.Data)
	if err != nil {
		a.metrics.DecodeFailed()
		a.log.Trace("decode dropped: %v", err)
		return nil
	}
	return d
}

// Snapshot yields a copy of every row in first-seen order. The copy is
// taken when iteration starts, so ranging again observes newer state.
func (a *Aggregator) Snapshot() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range a.copyRows() {
			if !yield(e) {
				return
			}
		}
	}
}

func (a *Aggregator) copyRows() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.order))
	for _, id := range a.order {
		e := a.entries[id]
		out = append(out, Entry{
			Row:      e.row,
			ID:       id,
			Extended: e.extended,
			Data:     e.data,
			Stats:    e.stats,
			Decoded:  e.decoded,
		})
	}
	return out
}

// Get returns the row for id.
func (a *Aggregator) Get(id uint32) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Row: e.row, ID: id, Extended: e.extended, Data: e.data, Stats: e.stats, Decoded: e.decoded}, true
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// Reset clears every row; used when a connection is (re)opened.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.entries = make(map[uint32]*entry)
	a.order = nil
	a.mu.Unlock()
	a.metrics.SetTrackedIDs(0)
}
