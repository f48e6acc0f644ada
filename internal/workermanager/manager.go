// ============================================================================
// Process Pool Worker Manager
// ============================================================================
//
// Package: internal/workermanager
// File: manager.go
// Purpose: Spawns, tracks, and reaps worker processes; enforces max_tasks
//          recycling and process-death detection (spec 4.5).
//
// Spawn mechanics grounded on the pack's CWL sandbox Pool.startWorker:
// re-exec the host binary (os.Args[0]) with a sentinel environment
// variable instead of a separate worker binary, wire stdin/stdout-style
// pipes by hand so the channel's reader side can use read deadlines
// (internal/ipc.Channel), and track each child with its own Wait()
// goroutine so a crash is observed without blocking the caller.
//
// Concurrency: one mutex guards the worker set; Wait() goroutines report
// exit asynchronously onto a done channel per worker, observed through
// Worker.IsDead (internal/taskmanager's inspectWorkers polls it).
//
// ============================================================================

package workermanager

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/procpool/internal/ipc"
	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/types"
)

var log = slog.Default()

// Config controls spawn and recycling behavior.
type Config struct {
	MaxWorkers   int // cap on simultaneously live workers; no default here (pool.Options defaults it to runtime.NumCPU())
	MaxTasks     int // 0 = unlimited; a worker retires after this many results
	LockTimeout  time.Duration
	NextTaskPoll time.Duration
	ScratchDir   string // parent directory for per-worker lock files
	InitArgs     []any
	StopGrace    time.Duration // SIGTERM -> SIGKILL grace window
	Metrics      *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 60 * time.Second
	}
	if c.NextTaskPoll <= 0 {
		c.NextTaskPoll = 250 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	return c
}

// Worker is the supervisor-side handle on one live worker process.
//
// Dispatch state (idle/busy, current task, remaining quota) is read and
// written by both dispatchResultLoop and timeoutHealthLoop, so it sits behind its
// own mutex rather than the Manager's, matching the teacher's
// mutex-guarded per-worker bookkeeping in job_manager.go.
type Worker struct {
	ID      types.WorkerID
	Channel *ipc.Channel

	cmd   *exec.Cmd
	doneC chan struct{}
	exit  atomic.Int32 // exit code, valid once doneC is closed
	dead  atomic.Bool

	Unlimited bool // true when spawned with MaxTasks == 0, immutable after spawn

	stateMu        sync.Mutex
	idle           bool
	dispatched     bool // true once at least one task has been handed to this worker
	currentTaskID  types.TaskID
	busySince      time.Time
	remainingTasks int
}

// IsDead reports whether the process has exited, without blocking.
func (w *Worker) IsDead() bool {
	select {
	case <-w.doneC:
		return true
	default:
		return false
	}
}

// ExitCode returns the process's exit code. Only meaningful once IsDead.
func (w *Worker) ExitCode() int {
	return int(w.exit.Load())
}

// IsIdle reports whether the worker is currently free to take a task.
func (w *Worker) IsIdle() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.idle
}

// Dispatched reports whether this worker has ever been handed a task.
// A fresh worker that dies before its first dispatch is distinguished
// from one that died mid-task.
func (w *Worker) Dispatched() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.dispatched
}

// CurrentTask returns the task currently assigned to the worker, if any.
func (w *Worker) CurrentTask() (types.TaskID, bool) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.idle {
		return 0, false
	}
	return w.currentTaskID, true
}

// BusySince returns the timestamp the current task was dispatched at.
// Only meaningful while the worker is busy.
func (w *Worker) BusySince() time.Time {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.busySince
}

// MarkBusy records that taskID has been dispatched to this worker at
// the given time.
func (w *Worker) MarkBusy(taskID types.TaskID, at time.Time) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.idle = false
	w.dispatched = true
	w.currentTaskID = taskID
	w.busySince = at
}

// MarkResult records that the worker has returned a result for its
// current task and goes idle again. It reports whether the worker has
// now exhausted its MaxTasks quota and should be recycled.
func (w *Worker) MarkResult() (exhausted bool) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.idle = true
	w.currentTaskID = 0
	if !w.Unlimited {
		w.remainingTasks--
	}
	return !w.Unlimited && w.remainingTasks <= 0
}

// Manager owns the live worker set.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	workers map[types.WorkerID]*Worker
	nextID  atomic.Uint64
}

// New returns an empty Manager; call EnsureWorkers to populate it.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		workers: make(map[types.WorkerID]*Worker),
	}
}

// Count returns the number of tracked workers, live or not yet reaped.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Workers returns a snapshot slice of the current worker set.
func (m *Manager) Workers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// EnsureWorkers tops the live set up to MaxWorkers, spawning as needed.
func (m *Manager) EnsureWorkers() error {
	m.mu.Lock()
	need := m.cfg.MaxWorkers - len(m.workers)
	m.mu.Unlock()

	for i := 0; i < need; i++ {
		w, err := m.spawn()
		if err != nil {
			return fmt.Errorf("spawn worker: %w", err)
		}
		m.mu.Lock()
		m.workers[w.ID] = w
		m.mu.Unlock()
	}
	return nil
}

// spawn re-execs the host binary as a new worker process, wiring a pipe
// pair by hand (rather than cmd.StdinPipe/StdoutPipe) so the channel's
// reader end is a concrete *os.File supporting SetReadDeadline.
func (m *Manager) spawn() (*Worker, error) {
	id := types.WorkerID(m.nextID.Add(1))

	parentRead, childWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe (worker->supervisor): %w", err)
	}
	childRead, parentWrite, err := os.Pipe()
	if err != nil {
		parentRead.Close()
		childWrite.Close()
		return nil, fmt.Errorf("pipe (supervisor->worker): %w", err)
	}

	initArgsEnc, err := worker.EncodeInitArgs(m.cfg.InitArgs)
	if err != nil {
		parentRead.Close()
		childWrite.Close()
		parentWrite.Close()
		childRead.Close()
		return nil, fmt.Errorf("encode init args: %w", err)
	}

	lockDir := filepath.Join(m.cfg.ScratchDir, fmt.Sprintf("worker-%d", id))
	if err := ipc.EnsureLockDir(lockDir); err != nil {
		parentRead.Close()
		childWrite.Close()
		parentWrite.Close()
		childRead.Close()
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	cmd := exec.Command(os.Args[0])
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childRead, childWrite}
	cmd.Env = append(os.Environ(),
		worker.SentinelEnv+"=1",
		fmt.Sprintf("%s=%d", worker.EnvWorkerID, id),
		worker.EnvLockDir+"="+lockDir,
		fmt.Sprintf("%s=%d", worker.EnvLockTimeout, m.cfg.LockTimeout.Milliseconds()),
		fmt.Sprintf("%s=%d", worker.EnvMaxTasks, m.cfg.MaxTasks),
		fmt.Sprintf("%s=%d", worker.EnvPollMS, m.cfg.NextTaskPoll.Milliseconds()),
		worker.EnvInitArgs+"="+initArgsEnc,
	)

	if err := cmd.Start(); err != nil {
		parentRead.Close()
		childWrite.Close()
		parentWrite.Close()
		childRead.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	// The child's ends are only needed by the child; close our copies so
	// the child holds the only reference and a crash closes its pipe.
	childRead.Close()
	childWrite.Close()

	ch := ipc.New(parentWrite, parentRead, lockDir, "parent", ipc.Config{LockTimeout: m.cfg.LockTimeout})

	w := &Worker{
		ID:        id,
		Channel:   ch,
		cmd:       cmd,
		doneC:     make(chan struct{}),
		Unlimited: m.cfg.MaxTasks == 0,
	}
	w.idle = true
	w.remainingTasks = m.cfg.MaxTasks

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		w.exit.Store(int32(code))
		w.dead.Store(true)
		close(w.doneC)
	}()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordWorkerSpawned()
	}
	log.Info("spawned worker", "worker_id", id)
	return w, nil
}

// Remove drops w from the tracked set without signaling it; used once a
// worker is already confirmed dead or fully stopped.
func (m *Manager) Remove(id types.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
}

// Get returns the worker with the given id, if still tracked.
func (m *Manager) Get(id types.WorkerID) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok
}

// StopWorker sends SIGTERM, waits up to StopGrace, then SIGKILL, and
// closes the channel either way. It always removes w from the tracked
// set before returning.
func (m *Manager) StopWorker(w *Worker) {
	defer m.Remove(w.ID)
	defer w.Channel.Close()

	if !w.IsDead() {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-w.doneC:
		case <-time.After(m.cfg.StopGrace):
			_ = w.cmd.Process.Kill()
			<-w.doneC
		}
	}
}

// StopAll best-effort stops every tracked worker, bounded overall by the
// configured grace window times a small constant rather than per-worker,
// since all SIGTERMs are sent up front and awaited concurrently.
func (m *Manager) StopAll() {
	workers := m.Workers()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			m.StopWorker(w)
		}(w)
	}
	wg.Wait()
}
