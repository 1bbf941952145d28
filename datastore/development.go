package datastore

import (
	"context"
	"sync"
	"time"
)

// Development records every statement instead of running it. It is useful
// for trying a loader out and in tests.
type Development struct {
	// Delay is added to every query.
	Delay time.Duration
	// Fail, if set, is consulted before recording each statement. A non-nil
	// result fails the query.
	Fail func(sql string) error

	mu      sync.Mutex
	queries []string
}

func (d *Development) Query(ctx context.Context, sql string) (any, error) {
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Fail != nil {
		if err := d.Fail(sql); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, sql)
	return []any{}, nil
}

// Queries returns the statements recorded so far.
func (d *Development) Queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

// Reset forgets the recorded statements.
func (d *Development) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = nil
}

func (d *Development) Close() error { return nil }

// Blackhole accepts every statement and does nothing with it.
type Blackhole struct{}

func (Blackhole) Query(ctx context.Context, sql string) (any, error) {
	return []any{}, ctx.Err()
}

func (Blackhole) Close() error { return nil }
