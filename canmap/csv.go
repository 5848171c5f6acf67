package canmap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// CSV signal maps carry one signal per row. Rows sharing a frame_id form a
// message. Only the first six columns are required.
var csvRequired = []string{"frame_id", "frame_name", "dlc", "signal_name", "start_bit", "bit_length"}

// LoadCSV reads a CSV signal map.
func LoadCSV(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CatalogLoadError{Path: path, Err: err}
	}
	defer f.Close()
	return ParseCSV(path, f)
}

func ParseCSV(name string, r io.Reader) (*Catalog, error) {
	c, err := parseCSV(r)
	if err != nil {
		return nil, &CatalogLoadError{Path: name, Err: err}
	}
	c.Name = name
	return c, nil
}

type csvFrame struct {
	id       uint32
	name     string
	dlc      int
	extended bool
	comment  string
	signals  []SignalDef
}

func parseCSV(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, k := range csvRequired {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("missing required column %q", k)
		}
	}

	frames := map[uint32]*csvFrame{}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		row := csvRow{idx: idx, rec: rec, line: line}

		id, err := row.id("frame_id")
		if err != nil {
			return nil, err
		}
		dlc, err := row.integer("dlc", 0)
		if err != nil {
			return nil, err
		}
		sig, err := row.signal()
		if err != nil {
			return nil, err
		}

		fr, ok := frames[id]
		if !ok {
			extended, err := row.flag("extended", id > 0x7FF)
			if err != nil {
				return nil, err
			}
			fr = &csvFrame{id: id, name: row.str("frame_name"), dlc: dlc, extended: extended, comment: row.str("frame_comment")}
			frames[id] = fr
		}
		if fr.dlc != dlc {
			return nil, fmt.Errorf("line %d: frame %s (0x%X) has inconsistent dlc (%d vs %d)", line, fr.name, id, fr.dlc, dlc)
		}
		fr.signals = append(fr.signals, sig)
	}

	c := &Catalog{ByID: map[uint32]*MessageDef{}, ByName: map[string]*MessageDef{}}
	for id, fr := range frames {
		sort.SliceStable(fr.signals, func(i, j int) bool { return fr.signals[i].StartBit < fr.signals[j].StartBit })
		m, err := NewMessageDef(id, fr.name, fr.dlc, fr.extended, fr.signals)
		if err != nil {
			return nil, err
		}
		m.Comment = fr.comment
		if prev, dup := c.ByName[m.Name]; dup {
			return nil, fmt.Errorf("frame name %s used by 0x%X and 0x%X", m.Name, prev.ID, id)
		}
		c.ByID[id] = m
		c.ByName[m.Name] = m
	}
	return c, nil
}

type csvRow struct {
	idx  map[string]int
	rec  []string
	line int
}

func (r csvRow) str(col string) string {
	i, ok := r.idx[col]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r csvRow) errorf(col, format string, args ...any) error {
	return fmt.Errorf("line %d column %s: %s", r.line, col, fmt.Sprintf(format, args...))
}

func (r csvRow) id(col string) (uint32, error) {
	v, err := strconv.ParseUint(r.str(col), 0, 32)
	if err != nil {
		return 0, r.errorf(col, "invalid id %q", r.str(col))
	}
	return uint32(v), nil
}

func (r csvRow) integer(col string, def int) (int, error) {
	s := r.str(col)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, r.errorf(col, "invalid integer %q", s)
	}
	return v, nil
}

func (r csvRow) number(col string, def float64) (float64, error) {
	s := r.str(col)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, r.errorf(col, "invalid number %q", s)
	}
	return v, nil
}

func (r csvRow) flag(col string, def bool) (bool, error) {
	switch strings.ToLower(r.str(col)) {
	case "":
		return def, nil
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, r.errorf(col, "invalid boolean %q", r.str(col))
	}
}

func (r csvRow) signal() (SignalDef, error) {
	s := SignalDef{
		Name:    r.str("signal_name"),
		Unit:    r.str("unit"),
		Comment: r.str("comment"),
	}
	if s.Name == "" {
		return s, r.errorf("signal_name", "empty")
	}
	var err error
	if s.StartBit, err = r.integer("start_bit", 0); err != nil {
		return s, err
	}
	if s.BitLength, err = r.integer("bit_length", 0); err != nil {
		return s, err
	}
	if s.Signed, err = r.flag("signed", false); err != nil {
		return s, err
	}
	if s.Factor, err = r.number("factor", 1); err != nil {
		return s, err
	}
	if s.Offset, err = r.number("offset", 0); err != nil {
		return s, err
	}
	if s.Min, err = r.number("min", 0); err != nil {
		return s, err
	}
	if s.Max, err = r.number("max", 0); err != nil {
		return s, err
	}
	switch strings.ToLower(r.str("endianness")) {
	case "", "little", "intel":
	case "big", "motorola":
		s.ByteOrder = BigEndian
	default:
		return s, r.errorf("endianness", "unsupported %q", r.str("endianness"))
	}
	return s, nil
}
