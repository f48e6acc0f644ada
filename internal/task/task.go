// ============================================================================
// Process Pool Task Queue
// ============================================================================
//
// Package: internal/task
// File: task.go
// Purpose: The Task type and its supervisor-side FIFO queue (spec 3, 4.4).
//
// Design Philosophy:
//   Single-producer-many-consumer FIFO, unified storage as the one source
//   of truth. Grounded on the teacher's JobManager (jobs map + queue
//   slice + inFlight index), trimmed to the at-most-once Task/Future model:
//   no retry, no dead-letter, no snapshot, since this pool's non-goals
//   exclude persistence and priority scheduling.
//
// Task State:
//   created (queued) -> dispatched (Timestamp set, WorkerID assigned) ->
//   future resolved
//
// Concurrency:
//   - sync.Mutex + sync.Cond guard the queue slice and unfinished counter
//   - Get(timeout) blocks for an available task up to timeout
//   - Put never blocks (appends and signals)
//
// ============================================================================

package task

import (
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/internal/future"
	"github.com/ChuLiYu/procpool/pkg/types"
)

// Task is a unit of scheduled work: identity, payload, timeout, and the
// Future its eventual outcome resolves. Timestamp is the zero time while
// the task sits in the queue; Get/dispatch callers stamp it when a worker
// picks the task up, satisfying the invariant started <=> timestamp > 0.
type Task struct {
	ID       types.TaskID
	Payload  types.Payload
	Timeout  time.Duration // 0 = no timeout
	Future   *future.Future

	Timestamp time.Time
	WorkerID  types.WorkerID
}

// Started reports whether this task has been dispatched to a worker.
func (t *Task) Started() bool {
	return !t.Timestamp.IsZero()
}

// Queue is the supervisor's FIFO of pending tasks. It also tracks
// unfinished, the count of tasks enqueued but not yet marked Done, which
// Pool.Close/Join use to know when draining has finished.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []*Task
	unfinished int
	closed     bool
}

// NewQueue returns an empty, open Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends t to the back of the queue and increments unfinished. Put
// never blocks.
func (q *Queue) Put(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
	q.unfinished++
	q.cond.Signal()
}

// Get blocks up to timeout for a task to become available, in FIFO order.
// timeout <= 0 waits indefinitely. The second return value is false if
// the wait expired or the queue was closed with nothing pending.
func (q *Queue) Get(timeout time.Duration) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timeout <= 0 {
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		return q.pop()
	}

	deadline := time.Now().Add(timeout)
	for len(q.items) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		if !q.waitUntil(deadline) {
			return nil, false
		}
	}
	return q.pop()
}

// waitUntil blocks on the condition variable until signalled or deadline
// passes, returning false on the deadline path. sync.Cond has no native
// timed wait, so this uses a watchdog goroutine that broadcasts once the
// deadline elapses, grounded on the same polling-with-wakeup shape the
// teacher's controller loops use elsewhere in the pack.
func (q *Queue) waitUntil(deadline time.Time) bool {
	timer := time.AfterFunc(time.Until(deadline), func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.cond.Wait()
	return time.Now().Before(deadline) || len(q.items) > 0
}

// pop removes and returns the front task; caller holds q.mu.
func (q *Queue) pop() (*Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Done decrements the unfinished counter. Called once per task when its
// future reaches a terminal state (ok, err, timed out, or process
// expired), regardless of whether it was ever dispatched.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	q.cond.Broadcast()
}

// Unfinished returns the current unfinished count.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Drained blocks up to timeout for unfinished to reach zero. Returns
// false if the timeout elapsed first.
func (q *Queue) Drained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if !q.waitUntil(deadline) {
			if q.unfinished > 0 {
				return false
			}
		}
	}
	return true
}

// Close marks the queue closed, waking any blocked Get calls. Pending
// items are left in place so callers can still drain them; Close only
// stops new blocking waits from hanging forever.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of tasks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
