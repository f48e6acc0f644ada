// ============================================================================
// Process Pool Future
// ============================================================================
//
// Package: internal/future
// File: future.go
// Purpose: Single-assignment result cell returned to callers of
//          Pool.Schedule, completed exactly once by the task manager when
//          the worker's reply (or a timeout/crash) resolves the task.
//
// Grounded on the pack's generic Future[V] (Tangerg/lynx pkg/sync/future.go):
// a done channel closed exactly once gates every blocking accessor, and a
// sync.Once guards the single transition out of the pending state. This
// Future trades the generic task-runs-inside-the-future model for an
// externally completed one, since the work here executes in a worker
// subprocess, not a goroutine owned by the Future itself.
//
// ============================================================================

package future

import (
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/pkg/poolerrors"
)

// Callback receives the final value and error once a Future completes.
// Callbacks run on their own goroutine, never on the goroutine that calls
// Complete, so a slow callback cannot stall task dispatch; a panic in a
// callback is recovered and discarded.
type Callback func(value any, err error)

// Future is a single-assignment result cell for one scheduled task.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     any
	err       error
	callbacks []Callback

	completeOnce sync.Once
}

// New returns a pending Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future with (value, err). Only the first call has
// any effect; later calls are silently ignored, matching the at-most-once
// completion a task can receive (a worker result, a timeout, or a crash,
// never more than one of these).
func (f *Future) Complete(value any, err error) {
	f.completeOnce.Do(func() {
		f.mu.Lock()
		f.value = value
		f.err = err
		f.completed = true
		callbacks := f.callbacks
		f.callbacks = nil
		f.mu.Unlock()

		close(f.done)
		f.fireCallbacks(callbacks)
	})
}

// Cancel resolves the future with reason (poolerrors.ErrPoolError when
// reason is nil) if it has not already completed. Returns true if this
// call performed the cancellation.
func (f *Future) Cancel(reason error) bool {
	cancelled := false
	f.completeOnce.Do(func() {
		if reason == nil {
			reason = poolerrors.ErrPoolError
		}
		f.mu.Lock()
		f.err = reason
		f.completed = true
		callbacks := f.callbacks
		f.callbacks = nil
		f.mu.Unlock()

		close(f.done)
		f.fireCallbacks(callbacks)
		cancelled = true
	})
	return cancelled
}

func (f *Future) fireCallbacks(callbacks []Callback) {
	for _, cb := range callbacks {
		go runCallback(cb, f.value, f.err)
	}
}

// runCallback invokes cb, recovering a panic so it cannot take down the
// supervisor process.
func runCallback(cb Callback, value any, err error) {
	defer func() { _ = recover() }()
	cb(value, err)
}

// Done returns a channel closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports completion without blocking.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future completes or timeout elapses, whichever
// comes first. timeout <= 0 blocks indefinitely. On timeout, Result
// returns poolerrors.ErrTimedOut; the future itself is left pending, since
// a caller's wait timing out says nothing about whether the worker will
// still deliver a result.
func (f *Future) Result(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		<-f.done
		return f.value, f.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		return nil, poolerrors.ErrTimedOut
	}
}

// AddDoneCallback registers fn to run when the future completes. If the
// future has already completed, fn runs immediately on a new goroutine.
func (f *Future) AddDoneCallback(fn Callback) {
	f.mu.Lock()
	if f.completed {
		value, err := f.value, f.err
		f.mu.Unlock()
		go runCallback(fn, value, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}
