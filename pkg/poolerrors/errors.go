// Package poolerrors defines the error values a Pool and its Futures can
// surface to callers. These are kinds, not a type hierarchy: callers use
// errors.Is/errors.As against the sentinels and the ProcessExpired type.
package poolerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned by Future.Result when the local wait exceeds
	// the requested timeout, and by Pool.Join when draining overruns its
	// deadline.
	ErrTimedOut = errors.New("procpool: timed out")

	// ErrPoolError is returned by Schedule once the pool has transitioned
	// to the ERROR state (initializer failure, supervisor loop death, or
	// repeated channel deadlock).
	ErrPoolError = errors.New("procpool: pool is in error state")

	// ErrPoolNotActive is returned by Schedule when the pool is not in the
	// RUNNING state.
	ErrPoolNotActive = errors.New("procpool: pool is not active")

	// ErrPoolStillRunning is returned by Join when called while the pool
	// is still RUNNING; callers must Close or Stop first.
	ErrPoolStillRunning = errors.New("procpool: pool is still running")

	// ErrChannelBroken indicates a send/recv failed because the peer
	// appears dead: a lock acquisition timed out, or the underlying
	// stream returned a short read/write.
	ErrChannelBroken = errors.New("procpool: channel broken")

	// ErrChannelEmpty indicates recv's poll deadline elapsed with no
	// frame available; it is not a failure of the channel itself.
	ErrChannelEmpty = errors.New("procpool: channel empty")
)

// ProcessExpiredError reports that a worker process exited unexpectedly
// (crash, signal, or explicit exit) while a task was in flight on it.
type ProcessExpiredError struct {
	ExitCode int
}

func (e *ProcessExpiredError) Error() string {
	return fmt.Sprintf("procpool: worker process expired (exit code %d)", e.ExitCode)
}

// TaskError wraps an error value produced by a user function running in a
// worker, preserving the original message across the IPC boundary. Kind
// names the failure mode the worker observed ("user_error" for a returned
// error, "panic" for a recovered panic, "unknown_function" for an
// unregistered name), so callers can distinguish failure modes without a
// shared error type across the process boundary.
type TaskError struct {
	Kind    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
