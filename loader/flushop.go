package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// State is the lifecycle position of a FlushOperation.
type State string

const (
	StateCreated    State = "created"
	StateUploading  State = "uploading"
	StateCommitting State = "committing"
	StateCleaning   State = "cleaning"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

func (s State) terminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage names one unit of flush I/O.
type Stage string

const (
	StageUpload  Stage = "upload"
	StageCommit  Stage = "commit"
	StageCleanup Stage = "cleanup"
)

func (s Stage) state() State {
	switch s {
	case StageUpload:
		return StateUploading
	case StageCleanup:
		return StateCleaning
	default:
		return StateCommitting
	}
}

// Step is one stage of a flush pipeline.
type Step struct {
	Stage Stage
	Do    func(ctx context.Context) (any, error)
	// BestEffort steps are logged when they fail but do not fail the
	// operation.
	BestEffort bool
}

// Plan is everything a sink needs to commit one batch. Plans hold no per-run
// state, so a retry can run the same plan again.
type Plan struct {
	// Key identifies the staged artifact, if there is one.
	Key string
	// Statement is the bulk statement the commit stage runs.
	Statement string
	Steps     []Step
}

// Result is delivered exactly once for every FlushOperation.
type Result struct {
	Op *FlushOperation
	// Err is nil on success. Failures are always a *FlushError.
	Err error
	// Stage is the stage that failed. Empty on success.
	Stage Stage
	// Output is what the commit stage returned.
	Output    any
	Elapsed   time.Duration
	Latencies map[Stage]time.Duration
}

// FlushOperation is one in-flight flush. It owns its batch exclusively.
type FlushOperation struct {
	ID        string
	Table     string
	Key       string
	Statement string
	// Attempt is 0 for the first run of a batch and counts up on each retry.
	Attempt int
	Batch   Batch

	plan  Plan
	owner *Loader
	// prev is closed when the previous operation finishes. Only set when
	// commits are serialized.
	prev <-chan struct{}
	sem  *semaphore.Weighted

	mu        sync.Mutex
	state     State
	result    Result
	listeners []func(Result)
	done      chan struct{}
	released  atomic.Bool
}

func newFlushOperation(owner *Loader, b Batch, plan Plan, attempt int) *FlushOperation {
	return &FlushOperation{
		ID:        uuid.NewString(),
		Table:     owner.cfg.Table,
		Key:       plan.Key,
		Statement: plan.Statement,
		Attempt:   attempt,
		Batch:     b,
		plan:      plan,
		owner:     owner,
		sem:       owner.sem,
		state:     StateCreated,
		done:      make(chan struct{}),
	}
}

// Rows is the number of rows the operation is flushing.
func (op *FlushOperation) Rows() int { return op.Batch.Rows() }

// Bytes is the rendered size of the operation's rows.
func (op *FlushOperation) Bytes() int { return op.Batch.Length }

// State returns the current lifecycle state.
func (op *FlushOperation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Done is closed once the operation reaches done or failed and its listeners
// have run.
func (op *FlushOperation) Done() <-chan struct{} {
	return op.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (op *FlushOperation) Result() Result {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

// Wait blocks until the operation finishes or ctx is done.
func (op *FlushOperation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-op.done:
		return op.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// OnComplete registers f to receive the operation's result. If the operation
// has already finished f is called straight away. f must not wait on op.
func (op *FlushOperation) OnComplete(f func(Result)) {
	op.mu.Lock()
	if op.state.terminal() {
		res := op.result
		op.mu.Unlock()
		f(res)
		return
	}
	op.listeners = append(op.listeners, f)
	op.mu.Unlock()
}

func (op *FlushOperation) setState(s State) {
	op.mu.Lock()
	op.state = s
	op.mu.Unlock()
}

// run executes the plan's stages in order. It is called once, on its own
// goroutine.
func (op *FlushOperation) run(ctx context.Context) {
	start := time.Now()
	latencies := make(map[Stage]time.Duration, len(op.plan.Steps))

	fail := func(stage Stage, err error) {
		op.finish(Result{
			Err:       &FlushError{Stage: stage, Table: op.Table, Key: op.Key, Err: err},
			Stage:     stage,
			Elapsed:   time.Since(start),
			Latencies: latencies,
		})
	}

	var held bool
	acquire := func(stage Stage) bool {
		if op.sem == nil || held {
			return true
		}
		if err := op.sem.Acquire(ctx, 1); err != nil {
			fail(stage, fmt.Errorf("waiting for flush slot: %w", err))
			return false
		}
		held = true
		return true
	}
	releaseSlot := func() {
		if held {
			op.sem.Release(1)
			held = false
		}
	}

	var output any
	for _, step := range op.plan.Steps {
		if step.Stage == StageCommit && op.prev != nil {
			// Give up our slot while we wait for earlier commits, as they
			// may need it.
			releaseSlot()
			select {
			case <-op.prev:
			case <-ctx.Done():
				fail(step.Stage, fmt.Errorf("waiting for earlier commit: %w", ctx.Err()))
				return
			}
		}
		if !acquire(step.Stage) {
			return
		}

		op.setState(step.Stage.state())
		stageStart := time.Now()
		out, err := step.Do(ctx)
		latencies[step.Stage] = time.Since(stageStart)
		if err != nil && step.BestEffort {
			op.owner.log.LogAttrs(ctx, slog.LevelWarn, "flush step failed",
				slog.Any("error", err),
				slog.String("stage", string(step.Stage)),
				slog.String("op", op.ID),
				slog.String("key", op.Key))
			continue
		}
		if err != nil {
			releaseSlot()
			fail(step.Stage, err)
			return
		}
		if step.Stage == StageCommit {
			output = out
		}
	}
	releaseSlot()

	op.finish(Result{
		Output:    output,
		Elapsed:   time.Since(start),
		Latencies: latencies,
	})
}

// finish moves the operation to its terminal state. It releases the owner's
// in-flight count and then delivers the result to every listener, so
// listeners see only the other operations as active. Finishing twice is a
// programming error and panics.
func (op *FlushOperation) finish(res Result) {
	op.mu.Lock()
	if op.state.terminal() {
		op.mu.Unlock()
		panic(fmt.Sprintf("flush operation %s finished twice", op.ID))
	}
	if res.Err != nil {
		op.state = StateFailed
	} else {
		op.state = StateDone
	}
	res.Op = op
	op.result = res
	listeners := op.listeners
	op.listeners = nil
	op.mu.Unlock()

	op.owner.release(op)
	for _, f := range listeners {
		f(res)
	}
	op.owner.emit(res)

	// Listeners have seen the result before Wait or Done can return.
	op.owner.settle()
	close(op.done)
}
