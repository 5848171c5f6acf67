package canmap

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Decode unpacks payload into the signals active for def. Payloads longer
// than def.Length are decoded from their first def.Length bytes.
func Decode(def *MessageDef, payload []byte) (*DecodedFrame, error) {
	if len(payload) < def.Length {
		return nil, &DecodeError{ID: def.ID, Err: fmt.Errorf("%w: got %d bytes, want %d", ErrTruncated, len(payload), def.Length)}
	}
	data := payload[:def.Length]

	var muxRaw int64
	if def.Mux != nil {
		sw := def.Signal(def.Mux.Switch)
		if sw == nil {
			return nil, &DecodeError{ID: def.ID, Signal: def.Mux.Switch, Err: ErrInvalidDef}
		}
		v, err := decodeSignal(def.ID, sw, data)
		if err != nil {
			return nil, err
		}
		muxRaw = v.Raw
	}

	out := &DecodedFrame{ID: def.ID, Name: def.Name, Values: make([]NamedValue, 0, len(def.Signals))}
	for i := range def.Signals {
		s := &def.Signals[i]
		if def.Mux != nil && !s.activeFor(muxRaw) {
			continue
		}
		v, err := decodeSignal(def.ID, s, data)
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, NamedValue{Name: s.Name, Value: v})
	}
	return out, nil
}

func decodeSignal(id uint32, s *SignalDef, data []byte) (Value, error) {
	if !spanFits(s.StartBit, s.BitLength, s.ByteOrder, len(data)) {
		return Value{}, &DecodeError{ID: id, Signal: s.Name, Err: ErrBitSpan}
	}
	u := getBits(data, s.StartBit, s.BitLength, s.ByteOrder)
	raw := unsignedToRawInt64(u, s.BitLength, s.Signed)
	v := Value{
		Raw:      raw,
		Physical: s.physical(raw),
		Unit:     s.Unit,
	}
	if label, ok := s.Choices[raw]; ok {
		v.Label = label
	}
	return v, nil
}

// Encode packs physical values into a def.Length payload. Every signal
// active for the selected multiplexer branch must be present, and no
// signal from another branch may be.
func Encode(def *MessageDef, values map[string]float64) ([]byte, error) {
	if def.Length <= 0 || def.Length > MaxLength {
		return nil, &EncodeError{ID: def.ID, Err: fmt.Errorf("%w: length %d", ErrInvalidDef, def.Length)}
	}

	var muxRaw int64
	if def.Mux != nil {
		r, err := selectedBranch(def, values)
		if err != nil {
			return nil, err
		}
		muxRaw = r
	}

	for _, name := range sortedNames(values) {
		s := def.Signal(name)
		if s == nil {
			return nil, &EncodeError{ID: def.ID, Signal: name, Err: ErrUnknownSignal}
		}
		if def.Mux != nil && !s.activeFor(muxRaw) {
			return nil, &EncodeError{ID: def.ID, Signal: name, Err: fmt.Errorf("%w: signal belongs to branch %d, selected %d",
				ErrMuxSelection, s.MultiplexerValue, muxRaw)}
		}
	}

	data := make([]byte, def.Length)
	for i := range def.Signals {
		s := &def.Signals[i]
		if def.Mux != nil && !s.activeFor(muxRaw) {
			continue
		}
		v, ok := values[s.Name]
		if !ok {
			return nil, &EncodeError{ID: def.ID, Signal: s.Name, Err: ErrMissingSignal}
		}
		raw, err := toRaw(def.ID, s, v)
		if err != nil {
			return nil, err
		}
		if !spanFits(s.StartBit, s.BitLength, s.ByteOrder, len(data)) {
			return nil, &EncodeError{ID: def.ID, Signal: s.Name, Err: ErrBitSpan}
		}
		setBits(data, s.StartBit, s.BitLength, s.ByteOrder, rawToUnsigned(raw, s.BitLength))
	}
	return data, nil
}

func toRaw(id uint32, s *SignalDef, v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &EncodeError{ID: id, Signal: s.Name, Err: fmt.Errorf("%w: %v", ErrOutOfRange, v)}
	}
	if s.HasRange() && (v < s.Min || v > s.Max) {
		return 0, &EncodeError{ID: id, Signal: s.Name, Err: fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, v, s.Min, s.Max)}
	}
	if s.Factor == 0 {
		return 0, &EncodeError{ID: id, Signal: s.Name, Err: fmt.Errorf("%w: zero factor", ErrInvalidDef)}
	}
	rawF := math.Round((v - s.Offset) / s.Factor)
	if !s.Signed && s.BitLength >= 64 {
		// float64 cannot hold MaxUint64; 2^64 is its nearest value.
		if rawF < 0 || rawF > twoTo64 {
			return 0, &EncodeError{ID: id, Signal: s.Name, Err: fmt.Errorf("%w: raw %v does not fit %d bits", ErrOutOfRange, rawF, s.BitLength)}
		}
		u := uint64(math.MaxUint64)
		if rawF < twoTo64 {
			u = uint64(rawF)
		}
		return int64(u), nil
	}
	lo, hi := rawRange(s.BitLength, s.Signed)
	if rawF < float64(lo) || rawF > float64(hi) {
		return 0, &EncodeError{ID: id, Signal: s.Name, Err: fmt.Errorf("%w: raw %v does not fit %d bits", ErrOutOfRange, rawF, s.BitLength)}
	}
	return int64(rawF), nil
}

const twoTo64 = 1 << 64

// selectedBranch resolves the switch raw value from the supplied values and
// checks that the message defines a branch for it.
func selectedBranch(def *MessageDef, values map[string]float64) (int64, error) {
	sw := def.Signal(def.Mux.Switch)
	if sw == nil {
		return 0, &EncodeError{ID: def.ID, Signal: def.Mux.Switch, Err: ErrInvalidDef}
	}
	v, ok := values[sw.Name]
	if !ok {
		return 0, &EncodeError{ID: def.ID, Signal: sw.Name, Err: fmt.Errorf("%w: no multiplexer value supplied", ErrMuxSelection)}
	}
	raw, err := toRaw(def.ID, sw, v)
	if err != nil {
		return 0, err
	}
	if _, ok := def.Mux.Branches[raw]; !ok {
		return 0, &EncodeError{ID: def.ID, Signal: sw.Name, Err: fmt.Errorf("%w: no branch for value %d", ErrMuxSelection, raw)}
	}
	return raw, nil
}

// SelectBranch keeps the values that belong to the branch chosen by the
// supplied multiplexer value, dropping signals of every other branch.
// Names unknown to def are kept so Encode can report them. The input map is
// not modified.
func SelectBranch(def *MessageDef, values map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	if def.Mux == nil {
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	}
	muxRaw, err := selectedBranch(def, values)
	if err != nil {
		return nil, err
	}
	for k, v := range values {
		s := def.Signal(k)
		if s != nil && !s.activeFor(muxRaw) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// ParseValue interprets user text for sig: an integer in Go literal syntax
// (decimal, 0x, 0o, 0b) or one of the signal's choice labels.
func ParseValue(sig *SignalDef, text string) (float64, error) {
	t := strings.TrimSpace(text)
	if i, err := strconv.ParseInt(t, 0, 64); err == nil {
		return float64(i), nil
	}
	if u, err := strconv.ParseUint(t, 0, 64); err == nil {
		return float64(u), nil
	}
	for raw, label := range sig.Choices {
		if label == t {
			return sig.physical(raw), nil
		}
	}
	if len(sig.Choices) > 0 {
		return 0, fmt.Errorf("signal %s: %q: %w (labels: %s)", sig.Name, text, ErrBadValue, strings.Join(sig.ChoiceLabels(), ", "))
	}
	return 0, fmt.Errorf("signal %s: %q: %w", sig.Name, text, ErrBadValue)
}

func sortedNames(values map[string]float64) []string {
	out := make([]string, 0, len(values))
	for k := range values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
