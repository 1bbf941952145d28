package loader

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"math/rand"
	"sync"
	"time"
)

// Unbounded disables the retry limit.
const Unbounded = -1

// RetryCalculation maps the number of retries so far (starting at 1) to a
// delay measured in time slots.
type RetryCalculation func(retries int) int

// Logarithmic waits floor(log2(retries)) + 1 slots.
func Logarithmic(retries int) int {
	if retries < 1 {
		return 0
	}
	return bits.Len(uint(retries))
}

// ExponentialBackoff waits a random number of slots between 0 and
// 2^retries + 1 inclusive.
func ExponentialBackoff(retries int) int {
	if retries < 0 {
		retries = 0
	}
	if retries > 30 {
		retries = 30
	}
	return rand.Intn(1<<retries + 2)
}

// Spiller keeps the rows of an operation that will not be retried again.
type Spiller interface {
	Spill(op *FlushOperation) error
}

// RetryConfig controls a RetryPolicy.
type RetryConfig struct {
	TimeSlot    time.Duration
	Calculation RetryCalculation
	// MaxDelay caps the delay, in time slots.
	MaxDelay int
	// MaxRetries is the retry budget of each batch. Unbounded for no limit.
	MaxRetries int
	// Spill, if set, receives operations whose retries are exhausted.
	Spill Spiller
}

// DefaultRetryConfig returns a new RetryConfig with one second slots,
// logarithmic backoff capped at 600 slots, and no retry limit.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		TimeSlot:    time.Second,
		Calculation: Logarithmic,
		MaxDelay:    600,
		MaxRetries:  Unbounded,
	}
}

// Validate checks that the config can drive a RetryPolicy.
func (c *RetryConfig) Validate() error {
	if c.TimeSlot <= 0 {
		return fmt.Errorf("%w: time slot must be positive", ErrInvalidConfiguration)
	}
	if c.Calculation == nil {
		return fmt.Errorf("%w: retry calculation", ErrMissingParameter)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: max delay must not be negative", ErrInvalidConfiguration)
	}
	if c.MaxRetries < Unbounded {
		return fmt.Errorf("%w: max retries must be %d or more", ErrInvalidConfiguration, Unbounded)
	}
	return nil
}

type RetryEventKind string

const (
	RetryScheduled   RetryEventKind = "retry scheduled"
	RetriesExhausted RetryEventKind = "retries exhausted"
)

// RetryEvent reports a decision taken by a RetryPolicy.
type RetryEvent struct {
	Kind RetryEventKind
	// Op is the operation that failed.
	Op  *FlushOperation
	Err error
	// Retries counts the retries of this batch including the one scheduled.
	Retries int
	Delay   time.Duration
	// Handle cancels the scheduled retry. Nil when retries are exhausted.
	Handle *RetryHandle
}

// RetryHandle identifies a scheduled retry.
type RetryHandle struct {
	p     *RetryPolicy
	op    *FlushOperation
	timer *time.Timer
}

// Cancel stops the retry if it has not started. It reports whether it did so.
func (h *RetryHandle) Cancel() bool {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if _, ok := h.p.pending[h]; !ok {
		return false
	}
	delete(h.p.pending, h)
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// RetryPolicy resubmits failed flushes of a loader after a backoff delay.
// Each batch has its own retry budget: the count travels with the operation
// from one attempt to the next.
type RetryPolicy struct {
	l      *Loader
	cfg    RetryConfig
	log    *slog.Logger
	remove func()

	mu        sync.Mutex
	pending   map[*RetryHandle]struct{}
	listeners []func(RetryEvent)
	detached  bool
}

// Attach starts observing l's flush failures.
func Attach(l *Loader, cfg RetryConfig, log *slog.Logger) (*RetryPolicy, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: loader", ErrMissingParameter)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating retry config: %w", err)
	}
	p := &RetryPolicy{
		l:       l,
		cfg:     cfg,
		log:     log.With(slog.String("table", l.Table())),
		pending: make(map[*RetryHandle]struct{}),
	}
	p.remove = l.OnFlush(p.onFlush)
	return p, nil
}

// OnEvent registers f to receive every retry decision.
func (p *RetryPolicy) OnEvent(f func(RetryEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, f)
}

// Pending is the number of retries waiting for their delay to pass.
func (p *RetryPolicy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Detach stops observing the loader and cancels pending retries. If the
// config has a Spiller, the batches of cancelled retries are spilled.
func (p *RetryPolicy) Detach() {
	p.remove()
	p.mu.Lock()
	p.detached = true
	var cancelled []*FlushOperation
	for h := range p.pending {
		if h.timer != nil {
			h.timer.Stop()
		}
		delete(p.pending, h)
		cancelled = append(cancelled, h.op)
	}
	p.mu.Unlock()

	for _, op := range cancelled {
		p.spill(context.Background(), op)
	}
}

func (p *RetryPolicy) spill(ctx context.Context, op *FlushOperation) {
	if p.cfg.Spill == nil {
		return
	}
	if err := p.cfg.Spill.Spill(op); err != nil {
		p.log.LogAttrs(ctx, slog.LevelError, "spilling batch", slog.Any("error", err), slog.String("op", op.ID))
	}
}

func (p *RetryPolicy) delay(retries int) time.Duration {
	slots := p.cfg.Calculation(retries)
	if slots > p.cfg.MaxDelay {
		slots = p.cfg.MaxDelay
	}
	if slots < 0 {
		slots = 0
	}
	return time.Duration(slots) * p.cfg.TimeSlot
}

func (p *RetryPolicy) onFlush(res Result) {
	if res.Err == nil {
		return
	}
	ctx := context.Background()
	retries := res.Op.Attempt + 1
	exhausted := p.cfg.MaxRetries != Unbounded && retries > p.cfg.MaxRetries
	delay := p.delay(retries)
	h := &RetryHandle{p: p, op: res.Op}

	// Detach spills everything in pending, so the detached check and the
	// insert share one lock hold.
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		p.spill(ctx, res.Op)
		return
	}
	if !exhausted {
		p.pending[h] = struct{}{}
	}
	p.mu.Unlock()

	if exhausted {
		p.log.LogAttrs(ctx, slog.LevelError, "retries exhausted",
			slog.Any("error", res.Err),
			slog.String("op", res.Op.ID),
			slog.Int("retries", retries-1),
			slog.Int("rows", res.Op.Rows()))
		p.spill(ctx, res.Op)
		p.emit(RetryEvent{Kind: RetriesExhausted, Op: res.Op, Err: res.Err, Retries: retries - 1})
		return
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "retry scheduled",
		slog.String("op", res.Op.ID),
		slog.Int("retries", retries),
		slog.Duration("delay", delay))
	p.emit(RetryEvent{Kind: RetryScheduled, Op: res.Op, Err: res.Err, Retries: retries, Delay: delay, Handle: h})

	// Arm the timer only after the event so listeners always hear about a
	// retry before it runs. A Detach in between has already spilled it.
	p.mu.Lock()
	if _, ok := p.pending[h]; ok && !p.detached {
		h.timer = time.AfterFunc(delay, func() { p.fire(h) })
	}
	p.mu.Unlock()
}

func (p *RetryPolicy) fire(h *RetryHandle) {
	p.mu.Lock()
	if _, ok := p.pending[h]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, h)
	p.mu.Unlock()

	p.l.Retry(h.op)
}

func (p *RetryPolicy) emit(ev RetryEvent) {
	p.mu.Lock()
	listeners := append([]func(RetryEvent){}, p.listeners...)
	p.mu.Unlock()
	for _, f := range listeners {
		f(ev)
	}
}
