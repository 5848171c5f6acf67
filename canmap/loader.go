package canmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.einride.tech/can/pkg/dbc"
)

// Pseudo message DBC editors use to park signals not assigned to a frame.
const independentSignalsMessage = "VECTOR__INDEPENDENT_SIG_MSG"

// Load reads a catalog file: a CSV signal map when the name ends in .csv,
// DBC otherwise.
func Load(path string) (*Catalog, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return LoadCSV(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CatalogLoadError{Path: path, Err: err}
	}
	return Parse(path, data)
}

// Parse builds a catalog from DBC source text. name is used in errors.
func Parse(name string, data []byte) (*Catalog, error) {
	p := dbc.NewParser(name, data)
	if err := p.Parse(); err != nil {
		return nil, &CatalogLoadError{Path: name, Err: err}
	}
	defs := p.Defs()

	type sigKey struct {
		msg dbc.MessageID
		sig dbc.Identifier
	}
	choices := map[sigKey]map[int64]string{}
	sigComments := map[sigKey]string{}
	msgComments := map[dbc.MessageID]string{}

	for _, d := range defs {
		switch d := d.(type) {
		case *dbc.ValueDescriptionsDef:
			if d.ObjectType != dbc.ObjectTypeSignal {
				continue
			}
			m := make(map[int64]string, len(d.ValueDescriptions))
			for _, vd := range d.ValueDescriptions {
				m[int64(vd.Value)] = vd.Description
			}
			choices[sigKey{d.MessageID, d.SignalName}] = m
		case *dbc.CommentDef:
			switch d.ObjectType {
			case dbc.ObjectTypeMessage:
				msgComments[d.MessageID] = d.Comment
			case dbc.ObjectTypeSignal:
				sigComments[sigKey{d.MessageID, d.SignalName}] = d.Comment
			}
		}
	}

	c := &Catalog{
		Name:   name,
		ByID:   map[uint32]*MessageDef{},
		ByName: map[string]*MessageDef{},
	}
	for _, d := range defs {
		md, ok := d.(*dbc.MessageDef)
		if !ok || string(md.Name) == independentSignalsMessage {
			continue
		}

		signals := make([]SignalDef, 0, len(md.Signals))
		for _, sd := range md.Signals {
			key := sigKey{md.MessageID, sd.Name}
			sig := SignalDef{
				Name:          string(sd.Name),
				StartBit:      int(sd.StartBit),
				BitLength:     int(sd.Size),
				Signed:        sd.IsSigned,
				Factor:        sd.Factor,
				Offset:        sd.Offset,
				Min:           sd.Minimum,
				Max:           sd.Maximum,
				Unit:          sd.Unit,
				Comment:       sigComments[key],
				Choices:       choices[key],
				IsMultiplexor: sd.IsMultiplexerSwitch,
				Multiplexed:   sd.IsMultiplexed,
			}
			if sd.IsBigEndian {
				sig.ByteOrder = BigEndian
			}
			if sd.IsMultiplexed {
				sig.MultiplexerValue = int64(sd.MultiplexerSwitch)
			}
			signals = append(signals, sig)
		}

		m, err := NewMessageDef(md.MessageID.ToCAN(), string(md.Name), int(md.Size), md.MessageID.IsExtended(), signals)
		if err != nil {
			return nil, &CatalogLoadError{Path: name, Err: err}
		}
		m.Comment = msgComments[md.MessageID]

		if prev, dup := c.ByID[m.ID]; dup {
			if prev.Extended != m.Extended {
				// Messages are keyed by bare ID.
				return nil, &CatalogLoadError{Path: name, Err: fmt.Errorf("message 0x%X used by both a standard and an extended frame (%s, %s)", m.ID, prev.Name, m.Name)}
			}
			return nil, &CatalogLoadError{Path: name, Err: fmt.Errorf("message 0x%X defined twice (%s, %s)", m.ID, prev.Name, m.Name)}
		}
		if _, dup := c.ByName[m.Name]; dup {
			return nil, &CatalogLoadError{Path: name, Err: fmt.Errorf("message name %s defined twice", m.Name)}
		}
		c.ByID[m.ID] = m
		c.ByName[m.Name] = m
	}
	return c, nil
}

// NewMessageDef validates a message layout and derives its multiplexer
// branches from the signal flags.
func NewMessageDef(id uint32, name string, length int, extended bool, signals []SignalDef) (*MessageDef, error) {
	if length < 0 || length > MaxLength {
		return nil, fmt.Errorf("message %s (0x%X): %w: length %d", name, id, ErrInvalidDef, length)
	}
	m := &MessageDef{
		ID:       id,
		Name:     name,
		Length:   length,
		Extended: extended,
		Signals:  append([]SignalDef(nil), signals...),
		byName:   make(map[string]int, len(signals)),
	}

	switchName := ""
	for i := range m.Signals {
		s := &m.Signals[i]
		if _, dup := m.byName[s.Name]; dup {
			return nil, fmt.Errorf("message %s: %w: signal %s defined twice", name, ErrInvalidDef, s.Name)
		}
		m.byName[s.Name] = i
		if s.BitLength <= 0 || s.BitLength > 64 {
			return nil, fmt.Errorf("message %s signal %s: %w: bit length %d", name, s.Name, ErrInvalidDef, s.BitLength)
		}
		if !spanFits(s.StartBit, s.BitLength, s.ByteOrder, length) {
			return nil, fmt.Errorf("message %s signal %s: %w: start %d length %d exceeds %d bytes",
				name, s.Name, ErrInvalidDef, s.StartBit, s.BitLength, length)
		}
		if s.Factor == 0 {
			return nil, fmt.Errorf("message %s signal %s: %w: zero factor", name, s.Name, ErrInvalidDef)
		}
		if s.IsMultiplexor {
			if s.Multiplexed {
				return nil, fmt.Errorf("message %s signal %s: %w: nested multiplexing is not supported", name, s.Name, ErrInvalidDef)
			}
			if switchName != "" {
				return nil, fmt.Errorf("message %s: %w: multiple multiplexer switches (%s, %s)", name, ErrInvalidDef, switchName, s.Name)
			}
			switchName = s.Name
		}
	}

	branches := map[int64][]string{}
	for i := range m.Signals {
		s := &m.Signals[i]
		if !s.Multiplexed {
			continue
		}
		if switchName == "" {
			return nil, fmt.Errorf("message %s signal %s: %w: multiplexed signal without a switch", name, s.Name, ErrInvalidDef)
		}
		branches[s.MultiplexerValue] = append(branches[s.MultiplexerValue], s.Name)
	}
	if len(branches) > 0 {
		m.Mux = &Mux{Switch: switchName, Branches: branches}
	}
	return m, nil
}

// Lookup returns the message for an arbitration ID.
func (c *Catalog) Lookup(id uint32) (*MessageDef, error) {
	m, ok := c.ByID[id]
	if !ok {
		return nil, fmt.Errorf("id 0x%X: %w", id, ErrNotFound)
	}
	return m, nil
}

func (c *Catalog) MessageByName(name string) (*MessageDef, error) {
	m, ok := c.ByName[name]
	if !ok {
		return nil, fmt.Errorf("message %q: %w (available: %v)", name, ErrNotFound, c.MessageNames())
	}
	return m, nil
}
