package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrClosed       = errors.New("transport: bus closed")
	ErrNotConnected = errors.New("transport: not connected")
	ErrBusy         = errors.New("transport: connection already open")
)

// Bus is a bidirectional raw frame channel. Receive blocks until a frame
// arrives or the bus is closed; Close unblocks a pending Receive.
type Bus interface {
	Receive() (Frame, error)
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a bus. Dial is the production implementation; tests pass a
// loopback dialer.
type Dialer func(ctx context.Context, p Params) (Bus, error)

// ConnectError reports an adapter that could not be opened.
type ConnectError struct {
	Params Params
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Params, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a frame the transport did not accept.
type SendError struct {
	ID  uint32
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send 0x%X: %v", e.ID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Dial opens the adapter named by p.Kind.
func Dial(ctx context.Context, p Params) (Bus, error) {
	p = p.WithDefaults()
	var (
		bus Bus
		err error
	)
	switch p.Kind {
	case KindSerial:
		bus, err = dialSerial(ctx, p)
	case KindSocket, KindPCAN, KindKvaser, KindIxxat:
		bus, err = dialSocketCAN(ctx, p)
	default:
		err = fmt.Errorf("unsupported bus kind %s", p.Kind)
	}
	if err != nil {
		return nil, &ConnectError{Params: p, Err: err}
	}
	return bus, nil
}
