package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wican-core/utils"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	StatusConnectFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "ConnectFailed"
	}
}

type StatusEvent struct {
	Status Status
	Params Params
	Err    error
}

const DefaultPollInterval = 100 * time.Millisecond

// Connection owns at most one open Bus and the worker that drains it.
// Connect and Disconnect are driven by the user; Run is the receive worker
// and may be started before any connection exists.
type Connection struct {
	dial    Dialer
	handler func(Frame)
	log     *utils.Logger

	PollInterval time.Duration

	mu     sync.Mutex
	state  State
	bus    Bus
	params Params
	gen    uint64

	wake   chan struct{}
	status chan StatusEvent
}

// NewConnection wires a dialer to a frame handler. The handler runs on the
// receive worker and must not block.
func NewConnection(dial Dialer, handler func(Frame), log *utils.Logger) *Connection {
	if dial == nil {
		dial = Dial
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Connection{
		dial:         dial,
		handler:      handler,
		log:          log,
		PollInterval: DefaultPollInterval,
		wake:         make(chan struct{}, 1),
		status:       make(chan StatusEvent, 16),
	}
}

// Status delivers connection notifications. Events are dropped when the
// consumer falls behind.
func (c *Connection) Status() <-chan StatusEvent { return c.status }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

func (c *Connection) notify(ev StatusEvent) {
	select {
	case c.status <- ev:
	default:
		c.log.Warn("status %s dropped: no listener", ev.Status)
	}
}

// Connect dials p. A failed dial leaves the connection disconnected and
// emits StatusConnectFailed; the caller may retry.
func (c *Connection) Connect(ctx context.Context, p Params) error {
	p = p.WithDefaults()
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.Info("Connecting %s", p)
	bus, err := c.dial(ctx, p)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		var ce *ConnectError
		if !errors.As(err, &ce) {
			err = &ConnectError{Params: p, Err: err}
		}
		c.log.Error("Connect failed: %v", err)
		c.notify(StatusEvent{Status: StatusConnectFailed, Params: p, Err: err})
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		_ = bus.Close()
		return &ConnectError{Params: p, Err: ErrClosed}
	}
	c.bus = bus
	c.params = p
	c.state = StateConnected
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.log.Info("Connected %s", p)
	c.notify(StatusEvent{Status: StatusConnected, Params: p})
	return nil
}

// Disconnect closes the bus if one is open. Calling it again is a no-op.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	bus, was, p := c.bus, c.state, c.params
	c.bus = nil
	c.state = StateDisconnected
	c.gen++
	c.mu.Unlock()

	if bus == nil {
		return nil
	}
	err := bus.Close()
	if was == StateConnected {
		c.log.Info("Disconnected %s", p)
		c.notify(StatusEvent{Status: StatusDisconnected, Params: p})
	}
	return err
}

// Send transmits f on the open bus, bounded by the configured send timeout.
func (c *Connection) Send(ctx context.Context, f Frame) error {
	c.mu.Lock()
	bus, timeout := c.bus, c.params.SendTimeout
	c.mu.Unlock()
	if bus == nil {
		return &SendError{ID: f.ID, Err: ErrNotConnected}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := bus.Send(ctx, f); err != nil {
		return &SendError{ID: f.ID, Err: err}
	}
	return nil
}

func (c *Connection) current() (Bus, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus, c.gen
}

// Run is the receive worker. It idles until a bus is connected, feeds every
// frame to the handler, and goes back to idle when the bus is closed. It
// returns when ctx is done, closing any open bus.
func (c *Connection) Run(ctx context.Context) error {
	c.log.Debug("RX worker started")
	defer c.log.Debug("RX worker stopped")

	stop := context.AfterFunc(ctx, func() { _ = c.Disconnect() })
	defer stop()

	poll := time.NewTicker(c.PollInterval)
	defer poll.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		bus, gen := c.current()
		if bus == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			case <-poll.C:
			}
			continue
		}
		c.drain(bus, gen)
	}
}

func (c *Connection) drain(bus Bus, gen uint64) {
	for {
		f, err := bus.Receive()
		if err != nil {
			c.lost(gen, err)
			return
		}
		if c.handler != nil {
			c.handler(f)
		}
	}
}

// lost handles a receive error. If the bus is still the current one the
// adapter failed underneath us, so the connection drops to disconnected.
func (c *Connection) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.bus == nil {
		c.mu.Unlock()
		c.log.Debug("RX worker released bus")
		return
	}
	bus, p := c.bus, c.params
	c.bus = nil
	c.state = StateDisconnected
	c.gen++
	c.mu.Unlock()

	_ = bus.Close()
	c.log.Error("RX failed on %s: %v", p, err)
	c.notify(StatusEvent{Status: StatusDisconnected, Params: p, Err: fmt.Errorf("receive: %w", err)})
}
