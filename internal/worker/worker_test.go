package worker

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procpool/internal/ipc"
	"github.com/ChuLiYu/procpool/internal/registry"
	"github.com/ChuLiYu/procpool/pkg/types"
)

// newLoopbackChannel wires a single *ipc.Channel to one end of an in-process
// pipe pair and returns the other end so a test can act as the parent,
// driving runLoop the same way internal/workermanager drives a real child.
func newLoopbackChannel(t *testing.T) (workerSide *ipc.Channel, parentSide *ipc.Channel) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, ipc.EnsureLockDir(dir))

	parentRead, workerWrite, err := os.Pipe()
	require.NoError(t, err)
	workerRead, parentWrite, err := os.Pipe()
	require.NoError(t, err)

	cfg := ipc.Config{LockTimeout: time.Second}
	workerSide = ipc.New(workerWrite, workerRead, dir, "worker", cfg)
	parentSide = ipc.New(parentWrite, parentRead, dir, "parent", cfg)

	t.Cleanup(func() {
		_ = workerSide.Close()
		_ = parentSide.Close()
	})
	return workerSide, parentSide
}

func TestRunOneDispatchesRegisteredFunction(t *testing.T) {
	registry.Register("worker_test_add", func(args []any, kwargs map[string]any) (any, error) {
		a := args[0].(int)
		b := args[1].(int)
		return a + b, nil
	})

	value, taskErr := runOne("worker_test_add", []any{2, 3}, nil)
	require.Nil(t, taskErr)
	assert.Equal(t, 5, value)
}

func TestRunOneReportsUnknownFunction(t *testing.T) {
	_, taskErr := runOne("worker_test_does_not_exist", nil, nil)
	require.NotNil(t, taskErr)
	assert.Equal(t, "unknown_function", taskErr.Kind)
}

func TestRunOneWrapsUserError(t *testing.T) {
	registry.Register("worker_test_fails", func(args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("BOOM!")
	})

	_, taskErr := runOne("worker_test_fails", nil, nil)
	require.NotNil(t, taskErr)
	assert.Equal(t, "user_error", taskErr.Kind)
	assert.Equal(t, "BOOM!", taskErr.Message)
}

func TestRunOneRecoversPanic(t *testing.T) {
	registry.Register("worker_test_panics", func(args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})

	_, taskErr := runOne("worker_test_panics", nil, nil)
	require.NotNil(t, taskErr)
	assert.Equal(t, "panic", taskErr.Kind)
	assert.Contains(t, taskErr.Message, "kaboom")
}

func TestRunLoopExecutesTaskAndRepliesOk(t *testing.T) {
	registry.Register("worker_test_echo", func(args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	})

	workerSide, parentSide := newLoopbackChannel(t)
	cfg := loopConfig{workerID: "w1", maxTasks: 1, nextTaskPoll: 100 * time.Millisecond}

	done := make(chan int, 1)
	go func() {
		done <- runLoop(workerSide, cfg, nil)
	}()

	require.NoError(t, parentSide.Send(ipc.Envelope{
		Kind:   ipc.KindTask,
		TaskID: 1,
		Payload: types.Payload{
			FuncName: "worker_test_echo",
			Args:     []any{"hi"},
		},
	}))

	reply, err := parentSide.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, ipc.KindOk, reply.Kind)
	assert.Equal(t, types.TaskID(1), reply.TaskID)
	assert.Equal(t, "hi", reply.Value)

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not exit after exhausting its task budget")
	}
}

func TestRunLoopReportsUserErrorEnvelope(t *testing.T) {
	registry.Register("worker_test_loop_fails", func(args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("nope")
	})

	workerSide, parentSide := newLoopbackChannel(t)
	cfg := loopConfig{workerID: "w1", maxTasks: 1, nextTaskPoll: 100 * time.Millisecond}

	go func() { _ = runLoop(workerSide, cfg, nil) }()

	require.NoError(t, parentSide.Send(ipc.Envelope{
		Kind:    ipc.KindTask,
		TaskID:  2,
		Payload: types.Payload{FuncName: "worker_test_loop_fails"},
	}))

	reply, err := parentSide.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, ipc.KindErr, reply.Kind)
	assert.Equal(t, "user_error", reply.ErrKind)
	assert.Equal(t, "nope", reply.ErrMessage)
}

func TestRunLoopRunsInitializerOnce(t *testing.T) {
	calls := 0
	registry.RegisterInitializer(func(initArgs []any) error {
		calls++
		return nil
	})
	t.Cleanup(func() { registry.RegisterInitializer(nil) })

	workerSide, _ := newLoopbackChannel(t)
	cfg := loopConfig{workerID: "w1", maxTasks: 0, nextTaskPoll: 20 * time.Millisecond}

	done := make(chan int, 1)
	go func() { done <- runLoop(workerSide, cfg, nil) }()

	// Close the worker's own channel ends immediately; with no tasks pending
	// the loop should observe the broken channel and exit rather than spin
	// forever.
	require.NoError(t, workerSide.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not exit after its channel closed")
	}
	assert.Equal(t, 1, calls)
}

func TestRunLoopReportsInitializerFailure(t *testing.T) {
	registry.RegisterInitializer(func(initArgs []any) error {
		return errors.New("connection refused")
	})
	t.Cleanup(func() { registry.RegisterInitializer(nil) })

	workerSide, parentSide := newLoopbackChannel(t)
	cfg := loopConfig{workerID: "w1", maxTasks: 0, nextTaskPoll: 20 * time.Millisecond}

	done := make(chan int, 1)
	go func() { done <- runLoop(workerSide, cfg, nil) }()

	reply, err := parentSide.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, ipc.KindInitializerFailed, reply.Kind)
	assert.Equal(t, "connection refused", reply.Reason)

	select {
	case code := <-done:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not exit after initializer failure")
	}
}

func TestIsWorkerProcessReflectsSentinelEnv(t *testing.T) {
	t.Setenv(sentinelEnv, "")
	assert.False(t, IsWorkerProcess())

	t.Setenv(sentinelEnv, "1")
	assert.True(t, IsWorkerProcess())
}

func TestEncodeDecodeInitArgsRoundTrip(t *testing.T) {
	encoded, err := EncodeInitArgs([]any{"dsn", int64(5)})
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded := decodeInitArgs(encoded)
	require.Len(t, decoded, 2)
	assert.Equal(t, "dsn", decoded[0])
}

func TestEncodeInitArgsEmptyIsEmptyString(t *testing.T) {
	encoded, err := EncodeInitArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, encoded)
}

func TestDecodeInitArgsMalformedYieldsNil(t *testing.T) {
	assert.Nil(t, decodeInitArgs("not-valid-base64!!"))
	assert.Nil(t, decodeInitArgs(""))
}
