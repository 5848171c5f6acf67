package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// WiCAN serial framing, shared by the UART and the TCP bridge on port 8080:
//
//	0xAA | timestamp ms u32 LE | dlc | id u32 LE | data[dlc] | 0xBB
//
// The device writes the bare identifier, so an id above 0x7FF is extended.
// Bit 31 of the id word also marks an extended identifier; Send sets it so
// short extended IDs survive the trip.
const (
	serialStart        = 0xAA
	serialEnd          = 0xBB
	serialExtendedFlag = 0x80000000
	serialHeaderLen    = 10
)

func encodeSerialFrame(f Frame, ts uint32) ([]byte, error) {
	if len(f.Data) > MaxDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFDNotSupported, len(f.Data))
	}
	id := f.ID
	if f.Extended {
		id |= serialExtendedFlag
	}
	buf := make([]byte, serialHeaderLen+len(f.Data)+1)
	buf[0] = serialStart
	binary.LittleEndian.PutUint32(buf[1:5], ts)
	buf[5] = byte(len(f.Data))
	binary.LittleEndian.PutUint32(buf[6:10], id)
	copy(buf[10:], f.Data)
	buf[len(buf)-1] = serialEnd
	return buf, nil
}

// readSerialFrame returns the next well-formed frame. A record is consumed
// only once its length and end marker check out; otherwise the scan resumes
// at the byte after the rejected start marker.
func readSerialFrame(r *bufio.Reader) (Frame, uint32, error) {
	for {
		hdr, err := r.Peek(serialHeaderLen)
		if err != nil {
			return Frame{}, 0, err
		}
		if hdr[0] != serialStart {
			_, _ = r.Discard(1)
			continue
		}
		dlc := int(hdr[5])
		if dlc > MaxDataLen {
			_, _ = r.Discard(1)
			continue
		}
		rec, err := r.Peek(serialHeaderLen + dlc + 1)
		if err != nil {
			return Frame{}, 0, err
		}
		if rec[len(rec)-1] != serialEnd {
			_, _ = r.Discard(1)
			continue
		}

		ts := binary.LittleEndian.Uint32(rec[1:5])
		idWord := binary.LittleEndian.Uint32(rec[6:10])
		id := idWord &^ serialExtendedFlag
		data := make([]byte, dlc)
		copy(data, rec[serialHeaderLen:])
		_, _ = r.Discard(len(rec))
		return Frame{
			ID:       id,
			Extended: idWord&serialExtendedFlag != 0 || id > MaxStandardID,
			Data:     data,
		}, ts, nil
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamBus runs the WiCAN framing over any byte stream.
type streamBus struct {
	rwc   io.ReadWriteCloser
	r     *bufio.Reader
	wmu   sync.Mutex
	start time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newStreamBus(rwc io.ReadWriteCloser) *streamBus {
	return &streamBus{rwc: rwc, r: bufio.NewReader(rwc), start: time.Now()}
}

func (b *streamBus) Receive() (Frame, error) {
	f, _, err := readSerialFrame(b.r)
	if err != nil {
		if b.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return Frame{}, err
	}
	f.Timestamp = time.Now()
	return f, nil
}

func (b *streamBus) Send(ctx context.Context, f Frame) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := encodeSerialFrame(f, uint32(time.Since(b.start).Milliseconds()))
	if err != nil {
		return err
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if wd, ok := b.rwc.(writeDeadliner); ok {
		if dl, ok := ctx.Deadline(); ok {
			_ = wd.SetWriteDeadline(dl)
			defer wd.SetWriteDeadline(time.Time{})
		}
	}
	_, err = b.rwc.Write(buf)
	return err
}

func (b *streamBus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.closeErr = b.rwc.Close()
	})
	return b.closeErr
}

// dialSerial opens a WiCAN either through the TCP bridge (socket://host:port)
// or a local serial port.
func dialSerial(ctx context.Context, p Params) (Bus, error) {
	if addr, ok := strings.CutPrefix(p.Channel, "socket://"); ok {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("wican dial(%s): %w", addr, err)
		}
		return newStreamBus(conn), nil
	}
	port, err := serial.Open(p.Channel, &serial.Mode{
		BaudRate: p.SerialBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serial open(%s): %w", p.Channel, err)
	}
	return newStreamBus(port), nil
}
