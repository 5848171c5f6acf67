// Package transmit sends armed catalog messages periodically. Rows live in a
// fixed-slot table and a round-robin cycle spreads them across ticks.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wican-core/canmap"
	"wican-core/transport"
	"wican-core/utils"
)

const (
	DefaultCycle       = 30
	DefaultCapacity    = 50
	DefaultSendTimeout = 100 * time.Millisecond
)

var (
	ErrCapacity = errors.New("transmit table full")
	ErrNotArmed = errors.New("id not armed")
)

// Sender is the transport sink. *transport.Connection satisfies it.
type Sender interface {
	Send(ctx context.Context, f transport.Frame) error
}

// Row is a copy of one armed entry. Values holds the text the user typed per
// signal; it is parsed when the row is sent.
type Row struct {
	ID      uint32
	Slot    int
	Enabled bool
	Values  map[string]string
}

type Config struct {
	Cycle       int
	Capacity    int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cycle <= 0 {
		c.Cycle = DefaultCycle
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

type row struct {
	id      uint32
	enabled bool
	values  map[string]string
}

type Scheduler struct {
	cfg     Config
	sender  Sender
	log     *utils.Logger
	metrics *utils.Metrics

	mu      sync.Mutex
	catalog *canmap.Catalog
	slots   []*row
	tick    uint64
}

func NewScheduler(cfg Config, catalog *canmap.Catalog, sender Sender, log *utils.Logger, metrics *utils.Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		sender:  sender,
		log:     log,
		metrics: metrics,
		catalog: catalog,
		slots:   make([]*row, cfg.Capacity),
	}
}

func (s *Scheduler) Config() Config { return s.cfg }

// SetCatalog replaces the catalog. Rows whose ID is no longer defined are
// disarmed; a nil catalog disarms everything.
func (s *Scheduler) SetCatalog(c *canmap.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = c
	for i, r := range s.slots {
		if r == nil {
			continue
		}
		if c == nil {
			s.slots[i] = nil
			continue
		}
		if _, ok := c.ByID[r.id]; !ok {
			s.log.Info("Disarmed %X: not in catalog %s", r.id, c.Name)
			s.slots[i] = nil
		}
	}
	s.metrics.SetArmedRows(s.armedLocked())
}

func (s *Scheduler) lookup(id uint32) (*canmap.MessageDef, error) {
	if s.catalog == nil {
		return nil, fmt.Errorf("id %X: %w", id, canmap.ErrNotFound)
	}
	return s.catalog.Lookup(id)
}

func (s *Scheduler) find(id uint32) int {
	for i, r := range s.slots {
		if r != nil && r.id == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) armedLocked() int {
	n := 0
	for _, r := range s.slots {
		if r != nil {
			n++
		}
	}
	return n
}

// Arm adds id with the given signal texts, enabled. Signals not in values
// start at "0". Arming an ID that is already armed replaces its values and
// keeps its slot. Signal names must belong to the message.
func (s *Scheduler) Arm(id uint32, values map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, err := s.lookup(id)
	if err != nil {
		return -1, err
	}
	for name := range values {
		if def.Signal(name) == nil {
			return -1, &canmap.EncodeError{ID: id, Signal: name, Err: canmap.ErrUnknownSignal}
		}
	}
	vals := make(map[string]string, len(def.Signals))
	for _, sig := range def.Signals {
		vals[sig.Name] = "0"
	}
	for k, v := range values {
		vals[k] = v
	}

	slot := s.find(id)
	if slot < 0 {
		for i, r := range s.slots {
			if r == nil {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		return -1, fmt.Errorf("arm %X: %w (%d rows)", id, ErrCapacity, len(s.slots))
	}
	s.slots[slot] = &row{id: id, enabled: true, values: vals}
	s.metrics.SetArmedRows(s.armedLocked())
	s.log.Debug("Armed %s (%X) in slot %d", def.Name, id, slot)
	return slot, nil
}

// Disarm frees the slot of id. Other rows keep their slots.
func (s *Scheduler) Disarm(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("disarm %X: %w", id, ErrNotArmed)
	}
	s.slots[i] = nil
	s.metrics.SetArmedRows(s.armedLocked())
	s.log.Debug("Disarmed %X from slot %d", id, i)
	return nil
}

// SetSignalValue updates the pending text of one signal. The row's enabled
// state is untouched.
func (s *Scheduler) SetSignalValue(id uint32, name, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("set %X.%s: %w", id, name, ErrNotArmed)
	}
	def, err := s.lookup(id)
	if err != nil {
		return err
	}
	if def.Signal(name) == nil {
		return &canmap.EncodeError{ID: id, Signal: name, Err: canmap.ErrUnknownSignal}
	}
	vals := make(map[string]string, len(s.slots[i].values)+1)
	for k, v := range s.slots[i].values {
		vals[k] = v
	}
	vals[name] = raw
	s.slots[i].values = vals
	return nil
}

func (s *Scheduler) SetEnabled(id uint32, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("enable %X: %w", id, ErrNotArmed)
	}
	s.slots[i].enabled = enabled
	return nil
}

// Rows returns the armed rows ordered by slot.
func (s *Scheduler) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.slots))
	for i, r := range s.slots {
		if r == nil {
			continue
		}
		vals := make(map[string]string, len(r.values))
		for k, v := range r.values {
			vals[k] = v
		}
		out = append(out, Row{ID: r.id, Slot: i, Enabled: r.enabled, Values: vals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

type due struct {
	slot   int
	def    *canmap.MessageDef
	values map[string]string
}

// Tick advances the cycle by one and sends every enabled row whose slot is
// due. Failures are logged and counted; they never stop the other rows.
// It returns the number of frames sent.
func (s *Scheduler) Tick(ctx context.Context) int {
	start := time.Now()
	defer func() { s.metrics.ObserveTick(time.Since(start).Seconds()) }()

	s.mu.Lock()
	current := int(s.tick % uint64(s.cfg.Cycle))
	s.tick++
	var work []due
	for i, r := range s.slots {
		if r == nil || !r.enabled || i%s.cfg.Cycle != current {
			continue
		}
		def, err := s.lookup(r.id)
		if err != nil {
			continue
		}
		// values maps are replaced on update, never mutated.
		work = append(work, due{slot: i, def: def, values: r.values})
	}
	s.mu.Unlock()

	sent := 0
	for _, w := range work {
		f, err := Build(w.def, w.values)
		if err != nil {
			s.metrics.EncodeFailed()
			s.log.Warn("Slot %d: %v", w.slot, err)
			continue
		}
		if err := s.send(ctx, f); err != nil {
			s.metrics.SendFailed()
			s.log.Warn("Slot %d: %v", w.slot, err)
			continue
		}
		s.metrics.FrameSent()
		s.log.Trace("TX %s", f)
		sent++
	}
	return sent
}

func (s *Scheduler) send(ctx context.Context, f transport.Frame) error {
	if s.sender == nil {
		return &transport.SendError{ID: f.ID, Err: transport.ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.sender.Send(ctx, f)
}

// Build parses the user texts of one row and encodes them into a frame.
// Values of multiplex branches other than the selected one are ignored.
func Build(def *canmap.MessageDef, texts map[string]string) (transport.Frame, error) {
	values := make(map[string]float64, len(texts))
	for name, text := range texts {
		sig := def.Signal(name)
		if sig == nil {
			return transport.Frame{}, &canmap.EncodeError{ID: def.ID, Signal: name, Err: canmap.ErrUnknownSignal}
		}
		v, err := canmap.ParseValue(sig, text)
		if err != nil {
			return transport.Frame{}, &canmap.EncodeError{ID: def.ID, Signal: name, Err: err}
		}
		values[name] = v
	}
	values, err := canmap.SelectBranch(def, values)
	if err != nil {
		return transport.Frame{}, err
	}
	data, err := canmap.Encode(def, values)
	if err != nil {
		return transport.Frame{}, err
	}
	return transport.Frame{ID: def.ID, Extended: def.Extended, Data: data}, nil
}
