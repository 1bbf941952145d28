package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Loader buffers rows and flushes them to a Sink in bulk. A flush happens
// when the buffer reaches exactly Config.Threshold rows, when
// Config.IdleFlushPeriod passes without a flush, or when Flush is called.
//
// Flush I/O runs asynchronously and flushes may overlap. Failures are never
// returned from Insert or Flush: they arrive on the operation and on the
// OnFlush listeners. A loader with no failure listener and no RetryPolicy
// drops rows whose flush fails.
type Loader struct {
	cfg     Config
	sink    Sink
	format  Format
	log     *slog.Logger
	ctx     context.Context
	metrics loaderMetrics
	sem     *semaphore.Weighted

	// mu guards everything below it up to activeFlushOps.
	mu         sync.Mutex
	buffer     rowBuffer
	fieldCount int
	trigger    flushTrigger
	// tail is closed when the most recently started operation finishes. Only
	// used when commits are serialized.
	tail <-chan struct{}
	idle sync.Cond

	activeFlushOps atomic.Int64
	// unsettled counts operations whose listeners have not all returned.
	// Wait waits for it to reach zero.
	unsettled atomic.Int64

	lmu          sync.Mutex
	listeners    map[int]func(Result)
	nextListener int
}

// New creates a loader and arms its idle timer. Flush I/O runs with ctx:
// cancelling it aborts in-flight flushes.
func New(ctx context.Context, cfg Config, sink Sink, log *slog.Logger, meter metric.Meter) (*Loader, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: sink", ErrMissingParameter)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingParameter)
	}
	if meter == nil {
		return nil, fmt.Errorf("%w: meter", ErrMissingParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg = Merge(cfg, Overrides{})

	l := &Loader{
		cfg:       cfg,
		sink:      sink,
		format:    sink.Format(),
		log:       log.With(slog.String("table", cfg.Table)),
		ctx:       ctx,
		listeners: make(map[int]func(Result)),
	}
	l.idle.L = &l.mu
	if err := l.metrics.init(meter, cfg.Table); err != nil {
		return nil, fmt.Errorf("initialising loader metrics: %w", err)
	}
	if cfg.MaxActiveFlushes > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxActiveFlushes))
	}
	if cfg.Fields != nil {
		l.fieldCount = len(cfg.Fields)
	}

	l.trigger = flushTrigger{
		threshold: cfg.Threshold,
		period:    cfg.IdleFlushPeriod,
		fire:      l.idleFlush,
	}
	l.mu.Lock()
	l.trigger.rearm()
	l.mu.Unlock()

	return l, nil
}

// Table is the loader's target table.
func (l *Loader) Table() string {
	return l.cfg.Table
}

// Insert adds a row to the buffer. If the row brings the buffer to the
// threshold, the buffer is flushed and the new operation is returned;
// otherwise the operation is nil. A row with the wrong number of values fails
// with ErrFieldCountMismatch and leaves the buffer untouched.
func (l *Loader) Insert(row Row) (*FlushOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fieldCount == 0 && len(row) == 0 {
		return nil, fmt.Errorf("%w: row has no values", ErrFieldCountMismatch)
	}
	if l.fieldCount != 0 && len(row) != l.fieldCount {
		return nil, fmt.Errorf("%w: row has %d values, expected %d", ErrFieldCountMismatch, len(row), l.fieldCount)
	}

	rendered, err := l.format.AppendRow(nil, row)
	if err != nil {
		return nil, fmt.Errorf("rendering row: %w", err)
	}
	if l.fieldCount == 0 {
		l.fieldCount = len(row)
	}
	l.buffer.add(rendered)
	l.metrics.rows.Add(l.ctx, 1, l.metrics.attrs)

	if !l.trigger.onInsert(l.buffer.rows()) {
		return nil, nil
	}
	return l.flushLocked(), nil
}

// Flush starts flushing the buffered rows and returns the operation. If the
// buffer is empty it returns nil. Either way the idle timer starts again.
func (l *Loader) Flush() *FlushOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Loader) flushLocked() *FlushOperation {
	defer l.trigger.rearm()
	if l.buffer.rows() == 0 {
		return nil
	}
	b := l.buffer.snapshot()
	return l.startLocked(b, l.sink.Plan(l.cfg.Table, l.cfg.Fields, b), 0)
}

func (l *Loader) idleFlush(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.trigger.current(gen) {
		// superseded by a flush that happened while this timer fired
		return
	}
	if op := l.flushLocked(); op != nil {
		l.log.LogAttrs(l.ctx, slog.LevelDebug, "idle flush", slog.String("op", op.ID), slog.Int("rows", op.Rows()))
	}
}

// Retry starts a new operation that runs the same plan over the same batch as
// op. The live buffer is not touched.
func (l *Loader) Retry(op *FlushOperation) *FlushOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(op.Batch, op.plan, op.Attempt+1)
}

// Resubmit starts a new operation for a batch that did not come from this
// loader's buffer, such as one read back from a spill directory.
func (l *Loader) Resubmit(b Batch, attempt int) *FlushOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(b, l.sink.Plan(l.cfg.Table, l.cfg.Fields, b), attempt)
}

func (l *Loader) startLocked(b Batch, plan Plan, attempt int) *FlushOperation {
	op := newFlushOperation(l, b, plan, attempt)
	if l.cfg.SerializeCommits {
		op.prev = l.tail
		l.tail = op.done
	}
	l.activeFlushOps.Add(1)
	l.unsettled.Add(1)
	l.metrics.activeFlushes.Add(l.ctx, 1, l.metrics.attrs)

	go op.run(l.ctx)
	return op
}

// release drops op from the in-flight count. Each operation releases once.
func (l *Loader) release(op *FlushOperation) {
	if !op.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("flush operation %s released twice", op.ID))
	}
	l.metrics.activeFlushes.Add(l.ctx, -1, l.metrics.attrs)
	l.activeFlushOps.Add(-1)
}

// settle marks op's listeners as done.
func (l *Loader) settle() {
	if l.unsettled.Add(-1) == 0 {
		l.mu.Lock()
		l.idle.Broadcast()
		l.mu.Unlock()
	}
}

func (l *Loader) emit(res Result) {
	l.metrics.recordResult(l.ctx, res)
	if res.Err != nil {
		l.log.LogAttrs(l.ctx, slog.LevelError, "flush failed",
			slog.Any("error", res.Err),
			slog.String("stage", string(res.Stage)),
			slog.String("op", res.Op.ID),
			slog.String("key", res.Op.Key),
			slog.Int("attempt", res.Op.Attempt),
			slog.Int("rows", res.Op.Rows()))
	}

	l.lmu.Lock()
	listeners := make([]func(Result), 0, len(l.listeners))
	for i := 0; i < l.nextListener; i++ {
		if f, ok := l.listeners[i]; ok {
			listeners = append(listeners, f)
		}
	}
	l.lmu.Unlock()

	for _, f := range listeners {
		f(res)
	}
}

// OnFlush registers f to receive the result of every flush operation this
// loader starts, in success or failure. Call the returned function to stop.
func (l *Loader) OnFlush(f func(Result)) (remove func()) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	id := l.nextListener
	l.nextListener++
	l.listeners[id] = f
	return func() {
		l.lmu.Lock()
		defer l.lmu.Unlock()
		delete(l.listeners, id)
	}
}

// ActiveFlushes is the number of flush operations in flight.
func (l *Loader) ActiveFlushes() int64 {
	return l.activeFlushOps.Load()
}

// Len is the number of rows waiting in the buffer.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffer.rows()
}

// Wait blocks until no flush operations are in flight and every listener
// has seen their results.
func (l *Loader) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.unsettled.Load() > 0 {
		l.idle.Wait()
	}
}

// Close stops the idle timer. It does not flush: callers that need the buffer
// drained must call Flush before Close, and Wait to see it finish. In-flight
// operations carry on. Close may be called more than once.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trigger.close()
}
