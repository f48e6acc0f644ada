package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procpool/internal/future"
	"github.com/ChuLiYu/procpool/pkg/types"
)

func newTask(id types.TaskID) *Task {
	return &Task{ID: id, Future: future.New()}
}

func TestQueuePutGetFIFOOrder(t *testing.T) {
	q := NewQueue()
	q.Put(newTask(1))
	q.Put(newTask(2))
	q.Put(newTask(3))

	first, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.TaskID(1), first.ID)

	second, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.TaskID(2), second.ID)
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := NewQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(newTask(1))
	}()

	got, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.TaskID(1), got.ID)
}

func TestQueueGetTimesOutWhenEmpty(t *testing.T) {
	q := NewQueue()
	_, ok := q.Get(30 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueueGetReturnsFalseOnCloseWithNothingPending(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Close()
	}()

	_, ok := q.Get(time.Second)
	assert.False(t, ok)
}

func TestQueueCloseLeavesPendingItemsDrainable(t *testing.T) {
	q := NewQueue()
	q.Put(newTask(1))
	q.Close()

	got, ok := q.Get(time.Second)
	require.True(t, ok, "Close does not discard already-queued items")
	assert.Equal(t, types.TaskID(1), got.ID)
}

func TestQueueLenReflectsPendingCount(t *testing.T) {
	q := NewQueue()
	assert.Equal(t, 0, q.Len())
	q.Put(newTask(1))
	q.Put(newTask(2))
	assert.Equal(t, 2, q.Len())
	q.Get(time.Second)
	assert.Equal(t, 1, q.Len())
}

func TestQueueUnfinishedTracksDonePairing(t *testing.T) {
	q := NewQueue()
	q.Put(newTask(1))
	q.Put(newTask(2))
	assert.Equal(t, 2, q.Unfinished())

	q.Done()
	assert.Equal(t, 1, q.Unfinished())
	q.Done()
	assert.Equal(t, 0, q.Unfinished())
}

func TestQueueDoneNeverGoesNegative(t *testing.T) {
	q := NewQueue()
	q.Done()
	q.Done()
	assert.Equal(t, 0, q.Unfinished())
}

func TestQueueDrainedWaitsForUnfinishedToReachZero(t *testing.T) {
	q := NewQueue()
	q.Put(newTask(1))

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Done()
	}()

	assert.True(t, q.Drained(time.Second))
}

func TestQueueDrainedTimesOutWithWorkOutstanding(t *testing.T) {
	q := NewQueue()
	q.Put(newTask(1))

	assert.False(t, q.Drained(30*time.Millisecond))
}

func TestTaskStartedReflectsTimestamp(t *testing.T) {
	tk := newTask(1)
	assert.False(t, tk.Started())
	tk.Timestamp = time.Now()
	assert.True(t, tk.Started())
}
