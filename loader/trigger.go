package loader

import "time"

// flushTrigger decides when a loader must flush: when the buffer reaches
// exactly threshold rows, or when period elapses after the last flush.
//
// All methods are called with the loader mutex held. The timer callback runs
// on its own goroutine and must check current(gen) under that mutex before
// flushing, because Stop cannot recall a callback that has already started.
type flushTrigger struct {
	threshold int
	period    time.Duration
	fire      func(gen uint64)

	timer  *time.Timer
	gen    uint64
	closed bool
}

// onInsert reports whether count triggers a flush. If it does the idle timer
// is cancelled; the flush that follows rearms it.
func (t *flushTrigger) onInsert(count int) bool {
	if count != t.threshold {
		return false
	}
	t.cancel()
	return true
}

// rearm replaces any pending idle timer with a fresh one.
func (t *flushTrigger) rearm() {
	t.cancel()
	if t.closed {
		return
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.period, func() { t.fire(gen) })
}

func (t *flushTrigger) cancel() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
}

// current reports whether gen identifies the pending timer.
func (t *flushTrigger) current(gen uint64) bool {
	return !t.closed && t.timer != nil && gen == t.gen
}

// pending reports whether an idle timer is armed.
func (t *flushTrigger) pending() bool {
	return t.timer != nil
}

func (t *flushTrigger) close() {
	t.closed = true
	t.cancel()
}
