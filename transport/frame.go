// Package transport is the boundary between the core and a CAN adapter: a
// raw frame type, the Bus abstraction with SocketCAN, WiCAN serial/TCP and
// in-memory implementations, and the Connection that owns the receive
// worker.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.einride.tech/can"
)

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLen    = 8
	MaxFDDataLen  = 64
)

var (
	ErrInvalidID      = errors.New("transport: identifier out of range")
	ErrInvalidLength  = errors.New("transport: invalid data length")
	ErrFDNotSupported = errors.New("transport: bus does not carry FD payloads")
)

// Frame is one raw CAN frame. Timestamp is set by the receiving side.
type Frame struct {
	ID        uint32
	Extended  bool
	Remote    bool
	Data      []byte
	Timestamp time.Time
}

func validFDLength(n int) bool {
	switch n {
	case 12, 16, 20, 24, 32, 48, 64:
		return true
	}
	return n >= 0 && n <= MaxDataLen
}

func (f Frame) Validate() error {
	if f.Extended {
		if f.ID > MaxExtendedID {
			return fmt.Errorf("%w: %#x", ErrInvalidID, f.ID)
		}
	} else if f.ID > MaxStandardID {
		return fmt.Errorf("%w: %#x", ErrInvalidID, f.ID)
	}
	if !validFDLength(len(f.Data)) {
		return fmt.Errorf("%w: %d", ErrInvalidLength, len(f.Data))
	}
	return nil
}

// String renders "123 [2] DE AD", extended IDs with eight hex digits.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", len(f.Data))
	if f.Remote {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, x := range f.Data {
		fmt.Fprintf(&b, " %02X", x)
	}
	return b.String()
}

// FromCAN converts a classic frame read from SocketCAN.
func FromCAN(cf can.Frame, ts time.Time) Frame {
	data := make([]byte, cf.Length)
	copy(data, cf.Data[:cf.Length])
	return Frame{
		ID:        cf.ID,
		Extended:  cf.IsExtended,
		Remote:    cf.IsRemote,
		Data:      data,
		Timestamp: ts,
	}
}

// ToCAN converts to a classic frame; payloads above 8 bytes are rejected.
func (f Frame) ToCAN() (can.Frame, error) {
	if len(f.Data) > MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: %d bytes", ErrFDNotSupported, len(f.Data))
	}
	cf := can.Frame{
		ID:         f.ID,
		Length:     uint8(len(f.Data)),
		IsExtended: f.Extended,
		IsRemote:   f.Remote,
	}
	copy(cf.Data[:], f.Data)
	return cf, nil
}
