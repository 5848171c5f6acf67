package canmap

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("message not in catalog")
	ErrTruncated     = errors.New("payload shorter than message length")
	ErrBitSpan       = errors.New("signal bits outside payload")
	ErrMissingSignal = errors.New("missing signal value")
	ErrUnknownSignal = errors.New("unknown signal")
	ErrOutOfRange    = errors.New("value out of range")
	ErrMuxSelection  = errors.New("invalid multiplexer selection")
	ErrBadValue      = errors.New("value is neither an integer nor a choice label")
	ErrInvalidDef    = errors.New("invalid message definition")
)

// DecodeError reports a payload that does not fit its message definition.
type DecodeError struct {
	ID     uint32
	Signal string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("decode 0x%X signal %s: %v", e.ID, e.Signal, e.Err)
	}
	return fmt.Sprintf("decode 0x%X: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports signal values that cannot be packed.
type EncodeError struct {
	ID     uint32
	Signal string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("encode 0x%X signal %s: %v", e.ID, e.Signal, e.Err)
	}
	return fmt.Sprintf("encode 0x%X: %v", e.ID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// CatalogLoadError wraps any failure reading or validating a DBC file.
type CatalogLoadError struct {
	Path string
	Err  error
}

func (e *CatalogLoadError) Error() string {
	return fmt.Sprintf("load catalog %s: %v", e.Path, e.Err)
}

func (e *CatalogLoadError) Unwrap() error { return e.Err }
