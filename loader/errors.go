package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned when a configuration value is out of
	// range, such as a zero threshold.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrMissingParameter is returned when a required construction parameter
	// is absent.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrFieldCountMismatch is returned by Insert when a row does not have the
	// loader's established number of values.
	ErrFieldCountMismatch = errors.New("field count mismatch")
	// ErrUnsupportedValueType is returned when a row value cannot be rendered.
	ErrUnsupportedValueType = errors.New("unsupported value type")
)

// FlushError describes a failed flush. It is only ever delivered through a
// Result, never returned from Insert or Flush.
type FlushError struct {
	Stage Stage
	Table string
	Key   string
	Err   error
}

func (e *FlushError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("flush %s stage for %s (%s): %s", e.Stage, e.Table, e.Key, e.Err)
	}
	return fmt.Sprintf("flush %s stage for %s: %s", e.Stage, e.Table, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}
