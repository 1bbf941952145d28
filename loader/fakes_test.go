package loader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

type fakeDatastore struct {
	mu         sync.Mutex
	statements []string
	// fail, if set, decides the outcome of each query.
	fail  func(call int, sql string) error
	delay time.Duration
	calls int
}

func (d *fakeDatastore) Query(ctx context.Context, sql string) (any, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		if err := d.fail(d.calls, sql); err != nil {
			return nil, err
		}
	}
	d.statements = append(d.statements, sql)
	return int64(1), nil
}

func (d *fakeDatastore) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.statements...)
}

type fakeStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	deleted    []string
	putErr     error
	deleteErr  error
	putStarted chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte) error {
	if s.putStarted != nil {
		s.putStarted <- key
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testConfig(table string, threshold int, fields ...string) Config {
	cfg := DefaultConfig()
	cfg.Table = table
	cfg.Threshold = threshold
	if len(fields) > 0 {
		cfg.Fields = fields
	}
	return cfg
}

func newTestLoader(t *testing.T, cfg Config, sink Sink) *Loader {
	t.Helper()
	l, err := New(context.Background(), cfg, sink, testLogger(), noop.Meter{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)
	return l
}

func waitResult(t *testing.T, op *FlushOperation) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := op.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for flush %s: %v", op.ID, err)
	}
	return res
}

// waitFor polls cond until it is true or a few seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
