package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind selects the adapter family.
type Kind int

const (
	KindSocket Kind = iota
	KindPCAN
	KindKvaser
	KindIxxat
	KindSerial
)

var kindNames = map[Kind]string{
	KindSocket: "socket",
	KindPCAN:   "pcan",
	KindKvaser: "kvaser",
	KindIxxat:  "ixxat",
	KindSerial: "serial",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	if want == "socketcan" {
		return KindSocket, nil
	}
	for k, name := range kindNames {
		if name == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown bus kind %q (want socket, pcan, kvaser, ixxat or serial)", s)
}

const (
	DefaultBitrate     = 500000
	DefaultSerialBaud  = 115200
	DefaultSendTimeout = 100 * time.Millisecond
	DefaultWiCANDevice = "socket://wican.local:8080"
)

// Params is everything needed to open a bus.
type Params struct {
	Kind    Kind
	Channel string
	Bitrate int

	// SerialBaud is the UART rate for a local WiCAN serial port.
	SerialBaud  int
	SendTimeout time.Duration

	// ConfigureLink applies Bitrate to a SocketCAN netdev before dialing.
	// Needs CAP_NET_ADMIN.
	ConfigureLink bool
}

func (p Params) WithDefaults() Params {
	if p.Bitrate <= 0 {
		p.Bitrate = DefaultBitrate
	}
	if p.SerialBaud <= 0 {
		p.SerialBaud = DefaultSerialBaud
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = DefaultSendTimeout
	}
	if p.Channel == "" {
		switch p.Kind {
		case KindSerial:
			p.Channel = DefaultWiCANDevice
		case KindPCAN:
			p.Channel = "PCAN_USBBUS1"
		default:
			p.Channel = "0"
		}
	}
	return p
}

// Interface maps a channel onto a SocketCAN netdev. PCAN, Kvaser and IXXAT
// USB adapters are exposed by their Linux drivers as canN; a bare number N
// and PCAN_USBBUSn (1-based) are translated, anything else is used as is.
func (p Params) Interface() string {
	ch := strings.TrimSpace(p.Channel)
	if ch == "" {
		return "can0"
	}
	if n, err := strconv.Atoi(ch); err == nil && n >= 0 {
		return "can" + strconv.Itoa(n)
	}
	if rest, ok := strings.CutPrefix(strings.ToUpper(ch), "PCAN_USBBUS"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 1 {
			return "can" + strconv.Itoa(n-1)
		}
	}
	return ch
}

func (p Params) String() string {
	return fmt.Sprintf("%s:%s@%d", p.Kind, p.Channel, p.Bitrate)
}
