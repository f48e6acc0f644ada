// ============================================================================
// Process Pool IPC Channel - Bounded Interprocess Lock
// ============================================================================
//
// Package: internal/ipc
// File: lock.go
// Purpose: Named, interprocess lock with bounded acquisition, used to
//          bound a send/recv whose lock is held and never released.
//
// Rationale (spec 4.1): wrapping every send/recv in a lock with a timeout
// turns a wedged lock holder into a bounded, detectable failure instead of
// a caller blocked forever. Each channel end names its own lock files, so
// the holder that can make acquisition time out is one that is still
// alive and never releases; a peer that actually dies is seen as pipe EOF
// on the stream, not through this lock.
//
// Implementation: github.com/gofrs/flock, one lock file per channel per
// direction, under the pool's scratch directory. flock(2)-backed locks are
// automatically released by the kernel if the holder's process dies, which
// is exactly the liveness property this primitive needs.
//
// ============================================================================

package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// namedLock wraps a flock.Flock with a bounded-acquisition helper.
type namedLock struct {
	path string
	fl   *flock.Flock
}

func newNamedLock(path string) *namedLock {
	return &namedLock{path: path, fl: flock.New(path)}
}

// acquire blocks up to timeout trying to take the lock. A timeout or any
// other failure to lock is reported to the caller, who must treat it as a
// dead peer (ErrChannelBroken).
func (l *namedLock) acquire(timeout time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok, err := l.fl.TryLockContext(ctx, 2*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: timed out after %s", l.path, timeout)
	}

	return func() {
		_ = l.fl.Unlock()
	}, nil
}
