package workermanager

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procpool/internal/ipc"
	"github.com/ChuLiYu/procpool/internal/registry"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/types"
)

// TestMain lets this test binary double as the re-exec'd worker target:
// spawn() invokes exec.Command(os.Args[0]), which under `go test` is this
// compiled test binary, so it must recognize the worker sentinel itself.
func TestMain(m *testing.M) {
	registry.Register("mgr_test_pid", func(args []any, kwargs map[string]any) (any, error) {
		return os.Getpid(), nil
	})
	registry.Register("mgr_test_exit1", func(args []any, kwargs map[string]any) (any, error) {
		os.Exit(1)
		return nil, nil
	})
	worker.RunEntrypoint()
	os.Exit(m.Run())
}

func testConfig(t *testing.T, maxWorkers, maxTasks int) Config {
	t.Helper()
	return Config{
		MaxWorkers:   maxWorkers,
		MaxTasks:     maxTasks,
		LockTimeout:  2 * time.Second,
		NextTaskPoll: 100 * time.Millisecond,
		ScratchDir:   t.TempDir(),
		StopGrace:    2 * time.Second,
	}
}

func TestEnsureWorkersSpawnsUpToMaxWorkers(t *testing.T) {
	mgr := New(testConfig(t, 3, 0))
	require.NoError(t, mgr.EnsureWorkers())
	assert.Equal(t, 3, mgr.Count())
	mgr.StopAll()
}

func TestEnsureWorkersIsIdempotentOnceFull(t *testing.T) {
	mgr := New(testConfig(t, 2, 0))
	require.NoError(t, mgr.EnsureWorkers())
	require.NoError(t, mgr.EnsureWorkers())
	assert.Equal(t, 2, mgr.Count())
	mgr.StopAll()
}

func TestSpawnedWorkerRunsTaskOverChannel(t *testing.T) {
	mgr := New(testConfig(t, 1, 0))
	require.NoError(t, mgr.EnsureWorkers())
	defer mgr.StopAll()

	workers := mgr.Workers()
	require.Len(t, workers, 1)
	w := workers[0]

	require.NoError(t, w.Channel.Send(ipc.Envelope{
		Kind:    ipc.KindTask,
		TaskID:  1,
		Payload: types.Payload{FuncName: "mgr_test_pid"},
	}))

	reply, err := w.Channel.Recv(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, ipc.KindOk, reply.Kind)
	assert.NotZero(t, reply.Value)
}

func TestDistinctWorkersHaveDistinctPIDs(t *testing.T) {
	mgr := New(testConfig(t, 2, 0))
	require.NoError(t, mgr.EnsureWorkers())
	defer mgr.StopAll()

	seen := map[uint64]bool{}
	for _, w := range mgr.Workers() {
		require.NoError(t, w.Channel.Send(ipc.Envelope{
			Kind:    ipc.KindTask,
			TaskID:  1,
			Payload: types.Payload{FuncName: "mgr_test_pid"},
		}))
		reply, err := w.Channel.Recv(3 * time.Second)
		require.NoError(t, err)

		pid, ok := reply.Value.(uint64)
		require.True(t, ok, "a positive int decodes back as uint64 through the CBOR wire encoding")
		seen[pid] = true
	}
	assert.Len(t, seen, 2, "each spawned worker is a distinct OS process")
}

func TestStopWorkerTerminatesProcessAndClosesChannel(t *testing.T) {
	mgr := New(testConfig(t, 1, 0))
	require.NoError(t, mgr.EnsureWorkers())

	w := mgr.Workers()[0]
	mgr.StopWorker(w)

	assert.True(t, w.IsDead())
	assert.Equal(t, 0, mgr.Count())
}

func TestWorkerCrashIsObservedAsDead(t *testing.T) {
	mgr := New(testConfig(t, 1, 0))
	require.NoError(t, mgr.EnsureWorkers())
	defer mgr.StopAll()

	w := mgr.Workers()[0]
	require.NoError(t, w.Channel.Send(ipc.Envelope{
		Kind:    ipc.KindTask,
		TaskID:  1,
		Payload: types.Payload{FuncName: "mgr_test_exit1"},
	}))

	select {
	case <-w.doneC:
	case <-time.After(3 * time.Second):
		t.Fatal("worker process did not exit after calling os.Exit(1)")
	}
	assert.True(t, w.IsDead())
	assert.Equal(t, 1, w.ExitCode())
}

func TestGetAndRemove(t *testing.T) {
	mgr := New(testConfig(t, 1, 0))
	require.NoError(t, mgr.EnsureWorkers())
	w := mgr.Workers()[0]

	got, ok := mgr.Get(w.ID)
	require.True(t, ok)
	assert.Equal(t, w.ID, got.ID)

	mgr.Remove(w.ID)
	_, ok = mgr.Get(w.ID)
	assert.False(t, ok)
	mgr.StopWorker(w)
}

func TestConfigDefaultsFillZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 60*time.Second, cfg.LockTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.NextTaskPoll)
	assert.Equal(t, 5*time.Second, cfg.StopGrace)
	assert.NotEmpty(t, cfg.ScratchDir)
}
