package loader

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLogarithmic(t *testing.T) {
	var got []int
	for r := 0; r <= 9; r++ {
		got = append(got, Logarithmic(r))
	}
	if diff := cmp.Diff([]int{0, 1, 2, 2, 3, 3, 3, 3, 4, 4}, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestExponentialBackoff(t *testing.T) {
	for r := 0; r < 8; r++ {
		for i := 0; i < 100; i++ {
			v := ExponentialBackoff(r)
			if v < 0 || v > 1<<r+1 {
				t.Fatalf("ExponentialBackoff(%d) = %d", r, v)
			}
		}
	}
	// very large retry counts do not overflow
	if v := ExponentialBackoff(1000); v < 0 {
		t.Fatalf("got %d", v)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []RetryEvent
}

func (r *eventRecorder) record(ev RetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []RetryEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []RetryEventKind
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *eventRecorder) last() RetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func fastRetryConfig(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.TimeSlot = time.Millisecond
	cfg.MaxRetries = maxRetries
	return cfg
}

func TestRetriesExhausted(t *testing.T) {
	boom := errors.New("boom")
	ds := &fakeDatastore{fail: func(int, string) error { return boom }}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	p, err := Attach(l, fastRetryConfig(3), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Detach()
	var rec eventRecorder
	p.OnEvent(rec.record)

	if _, err := l.Insert(Row{1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retries exhausted", func() bool { return rec.len() == 4 })

	exp := []RetryEventKind{RetryScheduled, RetryScheduled, RetryScheduled, RetriesExhausted}
	if diff := cmp.Diff(exp, rec.kinds()); diff != "" {
		t.Fatal(diff)
	}
	last := rec.last()
	if last.Retries != 3 || !errors.Is(last.Err, boom) || last.Handle != nil {
		t.Errorf("unexpected final event %+v", last)
	}
	if last.Op.Attempt != 3 {
		t.Errorf("final attempt %d, want 3", last.Op.Attempt)
	}

	l.Wait()
	ds.mu.Lock()
	calls := ds.calls
	ds.mu.Unlock()
	if calls != 4 {
		t.Errorf("%d commit attempts, want 4", calls)
	}
	if p.Pending() != 0 {
		t.Errorf("%d retries pending", p.Pending())
	}
}

func TestRetryDelays(t *testing.T) {
	boom := errors.New("boom")
	ds := &fakeDatastore{fail: func(int, string) error { return boom }}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	cfg := fastRetryConfig(5)
	cfg.MaxDelay = 2
	p, err := Attach(l, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Detach()
	var rec eventRecorder
	p.OnEvent(rec.record)

	l.Insert(Row{1})
	waitFor(t, "retries exhausted", func() bool { return rec.len() == 6 })

	var delays []time.Duration
	for _, ev := range rec.events[:5] {
		delays = append(delays, ev.Delay)
	}
	ms := time.Millisecond
	if diff := cmp.Diff([]time.Duration{ms, 2 * ms, 2 * ms, 2 * ms, 2 * ms}, delays); diff != "" {
		t.Fatal(diff)
	}
}

func TestRetrySucceeds(t *testing.T) {
	// fail the first two attempts only
	ds := &fakeDatastore{fail: func(call int, _ string) error {
		if call <= 2 {
			return errors.New("transient")
		}
		return nil
	}}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	p, err := Attach(l, fastRetryConfig(Unbounded), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Detach()

	var done sync.WaitGroup
	done.Add(1)
	l.OnFlush(func(res Result) {
		if res.Err == nil {
			done.Done()
		}
	})

	l.Insert(Row{1})
	done.Wait()
	if diff := cmp.Diff([]string{"insert into t (a) values (1)"}, ds.Statements()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRetryHandleCancel(t *testing.T) {
	ds := &fakeDatastore{fail: func(int, string) error { return errors.New("boom") }}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	cfg := DefaultRetryConfig()
	cfg.TimeSlot = time.Hour
	p, err := Attach(l, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Detach()

	handles := make(chan *RetryHandle, 1)
	p.OnEvent(func(ev RetryEvent) { handles <- ev.Handle })

	l.Insert(Row{1})
	h := <-handles
	if p.Pending() != 1 {
		t.Fatalf("%d pending", p.Pending())
	}
	if !h.Cancel() {
		t.Fatal("cancel failed")
	}
	if h.Cancel() {
		t.Fatal("second cancel succeeded")
	}
	if p.Pending() != 0 {
		t.Fatalf("%d pending", p.Pending())
	}
}

func TestCleanupFailureIsNotRetried(t *testing.T) {
	store := newFakeStore()
	store.deleteErr = errors.New("cannot delete")
	ds := &fakeDatastore{}
	sink := newTestStagedSink(t, StagedSink{Store: store, Datastore: ds, Bucket: "bucket", Cleanup: true})
	l := newTestLoader(t, testConfig("t", 1, "a"), sink)

	p, err := Attach(l, fastRetryConfig(3), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Detach()
	var rec eventRecorder
	p.OnEvent(rec.record)

	op, _ := l.Insert(Row{1})
	if res := waitResult(t, op); res.Err != nil {
		t.Fatal(res.Err)
	}
	time.Sleep(20 * time.Millisecond)
	if rec.len() != 0 || p.Pending() != 0 {
		t.Fatalf("cleanup failure was retried: %v", rec.kinds())
	}
	if n := len(ds.Statements()); n != 1 {
		t.Fatalf("%d commits", n)
	}
}

func TestDetach(t *testing.T) {
	ds := &fakeDatastore{fail: func(int, string) error { return errors.New("boom") }}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	cfg := DefaultRetryConfig()
	cfg.TimeSlot = time.Hour
	p, err := Attach(l, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var rec eventRecorder
	p.OnEvent(rec.record)

	op, _ := l.Insert(Row{1})
	waitResult(t, op)
	if p.Pending() != 1 {
		t.Fatalf("%d pending", p.Pending())
	}
	p.Detach()
	if p.Pending() != 0 {
		t.Fatalf("%d pending after detach", p.Pending())
	}

	op, _ = l.Insert(Row{2})
	waitResult(t, op)
	if rec.len() != 1 {
		t.Fatalf("%d events, want 1", rec.len())
	}
}

type recordingSpiller struct {
	mu  sync.Mutex
	ops []*FlushOperation
}

func (s *recordingSpiller) Spill(op *FlushOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func TestDetachSpillsPending(t *testing.T) {
	ds := &fakeDatastore{fail: func(int, string) error { return errors.New("boom") }}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	var spiller recordingSpiller
	cfg := DefaultRetryConfig()
	cfg.TimeSlot = time.Hour
	cfg.Spill = &spiller
	p, err := Attach(l, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	op, _ := l.Insert(Row{1})
	waitResult(t, op)
	p.Detach()

	if len(spiller.ops) != 1 || spiller.ops[0] != op {
		t.Fatalf("spilled %v, want the pending operation", spiller.ops)
	}
}

func TestFailureAfterDetachIsSpilled(t *testing.T) {
	ds := &fakeDatastore{fail: func(int, string) error { return errors.New("boom") }}
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: ds})

	var spiller recordingSpiller
	cfg := DefaultRetryConfig()
	cfg.TimeSlot = time.Millisecond
	cfg.Spill = &spiller
	p, err := Attach(l, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p.Detach()

	// A result already on its way to the policy when Detach ran.
	op, _ := l.Insert(Row{1})
	res := waitResult(t, op)
	p.onFlush(res)

	if n := p.Pending(); n != 0 {
		t.Fatalf("%d retries pending after detach", n)
	}
	time.Sleep(20 * time.Millisecond)
	ds.mu.Lock()
	calls := ds.calls
	ds.mu.Unlock()
	if calls != 1 {
		t.Fatalf("%d queries, want no retry after detach", calls)
	}
	if len(spiller.ops) != 1 || spiller.ops[0] != op {
		t.Fatalf("spilled %v, want the failed operation", spiller.ops)
	}
}

func TestAttachErrors(t *testing.T) {
	l := newTestLoader(t, testConfig("t", 1, "a"), &InsertSink{Datastore: &fakeDatastore{}})
	tests := []struct {
		name   string
		modify func(c *RetryConfig)
		exp    error
	}{
		{name: "zero slot", modify: func(c *RetryConfig) { c.TimeSlot = 0 }, exp: ErrInvalidConfiguration},
		{name: "no calculation", modify: func(c *RetryConfig) { c.Calculation = nil }, exp: ErrMissingParameter},
		{name: "negative delay", modify: func(c *RetryConfig) { c.MaxDelay = -1 }, exp: ErrInvalidConfiguration},
		{name: "bad max retries", modify: func(c *RetryConfig) { c.MaxRetries = -2 }, exp: ErrInvalidConfiguration},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			test.modify(&cfg)
			if _, err := Attach(l, cfg, testLogger()); !errors.Is(err, test.exp) {
				t.Fatalf("got %v, want %v", err, test.exp)
			}
		})
	}
}
