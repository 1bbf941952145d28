package loader

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	defaultThreshold       = 1000
	defaultIdleFlushPeriod = 5 * time.Second
)

// Config controls a Loader. Obtain one from DefaultConfig and adjust it, or
// build one with Merge. Configs are plain values: nothing shares them.
type Config struct {
	// Table is the target table.
	Table string
	// Fields names the target columns. If nil the number of values is taken
	// from the first inserted row and statements omit the column list. A
	// non-nil empty slice is rejected.
	Fields []string
	// Threshold is the row count that triggers an immediate flush.
	Threshold int
	// IdleFlushPeriod is the longest rows wait in the buffer when the
	// threshold is not reached.
	IdleFlushPeriod time.Duration
	// SerializeCommits makes each flush wait for the previous one to finish
	// before running its commit stage, so commits land in flush order.
	SerializeCommits bool
	// MaxActiveFlushes bounds how many flush pipelines run at once. Zero means
	// no bound. Insert never blocks on this; waiting flushes still count as
	// active.
	MaxActiveFlushes int
}

// DefaultConfig returns a new Config holding the default values.
func DefaultConfig() Config {
	return Config{
		Threshold:       defaultThreshold,
		IdleFlushPeriod: defaultIdleFlushPeriod,
	}
}

// Overrides holds optional configuration values. Nil fields leave the base
// value alone.
type Overrides struct {
	Table            *string
	Fields           []string
	Threshold        *int
	IdleFlushPeriod  *time.Duration
	SerializeCommits *bool
	MaxActiveFlushes *int
}

// Merge returns a new Config with the set fields of o applied over base.
// Neither argument is modified.
func Merge(base Config, o Overrides) Config {
	c := base
	if base.Fields != nil {
		c.Fields = append([]string{}, base.Fields...)
	}
	if o.Table != nil {
		c.Table = *o.Table
	}
	if o.Fields != nil {
		c.Fields = append([]string{}, o.Fields...)
	}
	if o.Threshold != nil {
		c.Threshold = *o.Threshold
	}
	if o.IdleFlushPeriod != nil {
		c.IdleFlushPeriod = *o.IdleFlushPeriod
	}
	if o.SerializeCommits != nil {
		c.SerializeCommits = *o.SerializeCommits
	}
	if o.MaxActiveFlushes != nil {
		c.MaxActiveFlushes = *o.MaxActiveFlushes
	}
	return c
}

// Validate reports every problem with the config.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Table == "" {
		result = multierror.Append(result, fmt.Errorf("%w: table", ErrMissingParameter))
	}
	if c.Fields != nil && len(c.Fields) == 0 {
		result = multierror.Append(result, fmt.Errorf("%w: empty field list", ErrInvalidConfiguration))
	}
	for i, f := range c.Fields {
		if f == "" {
			result = multierror.Append(result, fmt.Errorf("%w: field %d has no name", ErrInvalidConfiguration, i))
		}
	}
	if c.Threshold <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: threshold must be positive, got %d", ErrInvalidConfiguration, c.Threshold))
	}
	if c.IdleFlushPeriod <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: idle flush period must be positive, got %s", ErrInvalidConfiguration, c.IdleFlushPeriod))
	}
	if c.MaxActiveFlushes < 0 {
		result = multierror.Append(result, fmt.Errorf("%w: max active flushes must not be negative", ErrInvalidConfiguration))
	}
	return result.ErrorOrNil()
}
