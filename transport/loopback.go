package transport

import (
	"context"
	"sync"
	"time"
)

// LoopbackBus is an in-memory CAN bus for tests and simulations. Frames sent
// on one endpoint are delivered to every other endpoint of the same bus.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open attaches a new endpoint.
func (b *LoopbackBus) Open() Bus {
	ep := &loopEndpoint{
		bus:    b,
		ch:     make(chan Frame, 256),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// Dialer returns a Dialer that opens a fresh endpoint per connect.
func (b *LoopbackBus) Dialer() Dialer {
	return func(context.Context, Params) (Bus, error) {
		return b.Open(), nil
	}
}

// Close detaches all endpoints; pending receives return ErrClosed.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.shut()
	}
	b.endpoints = nil
	return nil
}

type loopEndpoint struct {
	bus    *LoopbackBus
	ch     chan Frame
	once   sync.Once
	closed chan struct{}
}

func (e *loopEndpoint) shut() {
	e.once.Do(func() { close(e.closed) })
}

func (e *loopEndpoint) Send(ctx context.Context, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}

	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	peers := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			peers = append(peers, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, ep := range peers {
		cp := f
		cp.Data = append([]byte(nil), f.Data...)
		select {
		case ep.ch <- cp:
		case <-ep.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *loopEndpoint) Receive() (Frame, error) {
	select {
	case f := <-e.ch:
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		return f, nil
	case <-e.closed:
		return Frame{}, ErrClosed
	}
}

func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.bus.mu.Unlock()
	e.shut()
	return nil
}
