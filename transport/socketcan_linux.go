package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.einride.tech/can/pkg/socketcan"
)

type socketCANBus struct {
	conn net.Conn
	recv *socketcan.Receiver
	tx   *socketcan.Transmitter

	closeOnce sync.Once
	closeErr  error
}

func dialSocketCAN(ctx context.Context, p Params) (Bus, error) {
	ifname := p.Interface()
	if p.ConfigureLink {
		if err := configureBitrate(ctx, ifname, p.Bitrate); err != nil {
			return nil, err
		}
	}
	conn, err := socketcan.DialContext(ctx, "can", ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial(%s): %w", ifname, err)
	}
	return &socketCANBus{
		conn: conn,
		recv: socketcan.NewReceiver(conn),
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

// Receive skips error frames; the bus state they report is not tracked.
func (b *socketCANBus) Receive() (Frame, error) {
	for b.recv.Receive() {
		if b.recv.HasErrorFrame() {
			continue
		}
		return FromCAN(b.recv.Frame(), time.Now()), nil
	}
	if err := b.recv.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, ErrClosed
}

func (b *socketCANBus) Send(ctx context.Context, f Frame) error {
	cf, err := f.ToCAN()
	if err != nil {
		return err
	}
	return b.tx.TransmitFrame(ctx, cf)
}

func (b *socketCANBus) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.conn.Close() })
	return b.closeErr
}
