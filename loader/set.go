package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrSetClosed is returned by Set.Get once the set has been closed.
var ErrSetClosed = errors.New("loader set closed")

// Builder creates the loader for a table and column list.
type Builder func(ctx context.Context, table string, fields []string) (*Loader, error)

type setKey struct {
	table    string
	fields   string
	inferred bool
}

// Set keeps one loader per table and column list.
type Set struct {
	build Builder

	mu      sync.Mutex
	loaders map[setKey]*Loader
	closed  bool
}

func NewSet(build Builder) *Set {
	return &Set{
		build:   build,
		loaders: make(map[setKey]*Loader),
	}
}

// Get returns the loader for table and fields, building it on first use.
func (s *Set) Get(ctx context.Context, table string, fields []string) (*Loader, error) {
	key := setKey{table: table, fields: strings.Join(fields, "\x00"), inferred: fields == nil}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSetClosed
	}
	if l, ok := s.loaders[key]; ok {
		return l, nil
	}
	l, err := s.build(ctx, table, fields)
	if err != nil {
		return nil, fmt.Errorf("building loader for %s: %w", table, err)
	}
	s.loaders[key] = l
	return l, nil
}

// Loaders returns every loader in the set.
func (s *Set) Loaders() []*Loader {
	s.mu.Lock()
	defer s.mu.Unlock()
	ll := make([]*Loader, 0, len(s.loaders))
	for _, l := range s.loaders {
		ll = append(ll, l)
	}
	return ll
}

// FlushAll flushes every loader and returns the operations started.
func (s *Set) FlushAll() []*FlushOperation {
	var ops []*FlushOperation
	for _, l := range s.Loaders() {
		if op := l.Flush(); op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// Close flushes and closes every loader. Get fails afterwards. Call Wait to
// see the final flushes finish.
func (s *Set) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, l := range s.Loaders() {
		l.Flush()
		l.Close()
	}
}

// Wait blocks until no loader in the set has a flush in flight.
func (s *Set) Wait() {
	for _, l := range s.Loaders() {
		l.Wait()
	}
}
