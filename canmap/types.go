package canmap

import (
	"sort"
	"strconv"
)

type ByteOrder int

const (
	LittleEndian ByteOrder = iota // Intel
	BigEndian                     // Motorola, DBC start bit is the MSB
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

// MaxLength is the largest payload a message may declare (CAN FD).
const MaxLength = 64

type SignalDef struct {
	Name      string
	StartBit  int
	BitLength int
	ByteOrder ByteOrder
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string
	Comment   string
	Choices   map[int64]string

	IsMultiplexor    bool
	Multiplexed      bool
	MultiplexerValue int64
}

// HasRange reports whether the DBC declared a physical range. DBC files
// write [0|0] when no range applies.
func (s *SignalDef) HasRange() bool {
	return s.Min != 0 || s.Max != 0
}

// ChoiceLabels returns the choice labels ordered by raw value.
func (s *SignalDef) ChoiceLabels() []string {
	raws := make([]int64, 0, len(s.Choices))
	for r := range s.Choices {
		raws = append(raws, r)
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i] < raws[j] })
	out := make([]string, 0, len(raws))
	for _, r := range raws {
		out = append(out, s.Choices[r])
	}
	return out
}

// Mux describes a multiplexed message: the switch signal and, per switch
// raw value, the multiplexed signals present for it.
type Mux struct {
	Switch   string
	Branches map[int64][]string
}

type MessageDef struct {
	ID       uint32
	Name     string
	Length   int
	Extended bool
	Comment  string
	Signals  []SignalDef
	Mux      *Mux

	byName map[string]int
}

func (m *MessageDef) IsMultiplexed() bool { return m.Mux != nil }

// Signal returns the named signal or nil.
func (m *MessageDef) Signal(name string) *SignalDef {
	if m.byName != nil {
		if i, ok := m.byName[name]; ok {
			return &m.Signals[i]
		}
		return nil
	}
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i]
		}
	}
	return nil
}

func (m *MessageDef) SignalNames() []string {
	out := make([]string, len(m.Signals))
	for i := range m.Signals {
		out[i] = m.Signals[i].Name
	}
	return out
}

// activeFor reports whether sig is decoded/encoded when the switch holds
// muxRaw.
func (s *SignalDef) activeFor(muxRaw int64) bool {
	return !s.Multiplexed || s.MultiplexerValue == muxRaw
}

// physical scales raw. Unsigned 64-bit raws are held as their bit pattern.
func (s *SignalDef) physical(raw int64) float64 {
	if !s.Signed && s.BitLength >= 64 {
		return float64(uint64(raw))*s.Factor + s.Offset
	}
	return float64(raw)*s.Factor + s.Offset
}

// Value is one decoded signal. Raw of an unsigned 64-bit signal is the bit
// pattern; convert with uint64(Raw).
type Value struct {
	Raw      int64
	Physical float64
	Label    string
	Unit     string
}

func (v Value) IsChoice() bool { return v.Label != "" }

// String is the display form: the choice label when one matches, otherwise
// the physical value with two decimals.
func (v Value) String() string {
	if v.Label != "" {
		return v.Label
	}
	return strconv.FormatFloat(v.Physical, 'f', 2, 64)
}

type NamedValue struct {
	Name string
	Value
}

type DecodedFrame struct {
	ID     uint32
	Name   string
	Values []NamedValue
}

// Get returns the named value.
func (d *DecodedFrame) Get(name string) (Value, bool) {
	for _, v := range d.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return Value{}, false
}

// Map returns signal name to display string.
func (d *DecodedFrame) Map() map[string]string {
	out := make(map[string]string, len(d.Values))
	for _, v := range d.Values {
		out[v.Name] = v.String()
	}
	return out
}

// Physical returns signal name to physical value.
func (d *DecodedFrame) Physical() map[string]float64 {
	out := make(map[string]float64, len(d.Values))
	for _, v := range d.Values {
		out[v.Name] = v.Physical
	}
	return out
}

type Catalog struct {
	Name   string
	ByID   map[uint32]*MessageDef
	ByName map[string]*MessageDef
}

func (c *Catalog) Len() int { return len(c.ByID) }

func (c *Catalog) MessageNames() []string {
	out := make([]string, 0, len(c.ByName))
	for k := range c.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) IDs() []uint32 {
	out := make([]uint32, 0, len(c.ByID))
	for id := range c.ByID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
