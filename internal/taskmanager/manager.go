// ============================================================================
// Process Pool Task Manager
// ============================================================================
//
// Package: internal/taskmanager
// File: manager.go
// Purpose: Two cooperating loops that move tasks from the queue onto idle
//          workers and back, and that enforce per-task timeouts and
//          worker health (spec 4.6).
//
// Grounded on the teacher's Controller dispatch/result/timeout loop
// trio (internal/controller/controller.go): stopCh + sync.WaitGroup for
// loop lifecycle, slog.Default() for logging, SLEEP_UNIT-paced polling
// instead of a fully event-driven design, matching spec 9's "coroutine
// free blocking loops" allowance.
//
// ============================================================================

package taskmanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/procpool/internal/ipc"
	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/internal/task"
	"github.com/ChuLiYu/procpool/internal/workermanager"
	"github.com/ChuLiYu/procpool/pkg/poolerrors"
	"github.com/ChuLiYu/procpool/pkg/types"
)

var log = slog.Default()

// Hooks lets Manager report systemic events to its owner (the Pool
// supervisor) without an import cycle back into internal/pool.
type Hooks struct {
	// OnError is called when the manager detects a condition the spec
	// escalates to the pool-wide ERROR state (repeated channel deadlock,
	// or a reason the caller should treat as fatal).
	OnError func(reason error)
}

// Config controls loop pacing.
type Config struct {
	SleepUnit           time.Duration
	RecvPoll            time.Duration // per-worker result poll granularity
	ChannelDeadlockTrip int           // consecutive broken-channel events before escalating to ERROR
	Metrics             *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.SleepUnit <= 0 {
		c.SleepUnit = 100 * time.Millisecond
	}
	if c.RecvPoll <= 0 {
		c.RecvPoll = 20 * time.Millisecond
	}
	if c.ChannelDeadlockTrip <= 0 {
		c.ChannelDeadlockTrip = 3
	}
	return c
}

// Manager runs the dispatch/result and timeout/health loops against one
// Queue and one workermanager.Manager.
type Manager struct {
	cfg     Config
	queue   *task.Queue
	workers *workermanager.Manager
	hooks   Hooks

	mu        sync.Mutex
	inFlight  map[types.TaskID]*task.Task
	deadlocks int
	halted    bool // true once an unrecoverable condition has already escalated

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a Manager around an existing queue and worker manager.
func New(q *task.Queue, wm *workermanager.Manager, cfg Config, hooks Hooks) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		queue:    q,
		workers:  wm,
		hooks:    hooks,
		inFlight: make(map[types.TaskID]*task.Task),
		stopCh:   make(chan struct{}),
	}
}

// Start launches both loops on dedicated goroutines.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.dispatchResultLoop()
	go m.timeoutHealthLoop()
}

// Stop signals both loops to exit and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// dispatchResultLoop implements spec 4.6's first loop: drain ready
// workers' results, then dispatch queued tasks onto idle workers.
func (m *Manager) dispatchResultLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		did := m.drainResults()
		did = m.dispatchOne() || did

		if !did {
			time.Sleep(m.cfg.SleepUnit)
		}
	}
}

// drainResults polls every busy worker for a pending result and resolves
// the matching task's future. Returns true if any worker produced one.
func (m *Manager) drainResults() bool {
	any := false
	for _, w := range m.workers.Workers() {
		if w.IsIdle() {
			continue
		}
		env, err := w.Channel.Recv(m.cfg.RecvPoll)
		if err != nil {
			if errors.Is(err, poolerrors.ErrChannelEmpty) {
				continue
			}
			taskID, _ := w.CurrentTask()
			m.onChannelBroken(w)
			m.failInFlight(taskID, &poolerrors.ProcessExpiredError{ExitCode: w.ExitCode()})
			continue
		}
		m.handleResult(w, env)
		any = true
	}
	return any
}

func (m *Manager) handleResult(w *workermanager.Worker, env ipc.Envelope) {
	// Ordinarily a worker's initializer finishes before the supervisor ever
	// dispatches it a task, so this is caught by inspectWorkers instead.
	// But dispatchOne does not wait for a fresh worker's initializer to
	// finish, so a task can land on the pipe while it is still failing in
	// the child; the worker then exits having replied InitializerFailed,
	// not Ok/Err, to a task it never ran. Fail that task explicitly since
	// StopWorker below drops the worker from tracking before
	// inspectWorkers would otherwise get a chance to.
	if env.Kind == ipc.KindInitializerFailed {
		log.Error("worker initializer failed", "worker_id", w.ID, "reason", env.Reason)
		if taskID, busy := w.CurrentTask(); busy {
			m.failInFlight(taskID, &poolerrors.ProcessExpiredError{ExitCode: w.ExitCode()})
		}
		m.workers.StopWorker(w)
		m.escalateOnce(poolerrors.ErrPoolError)
		return
	}

	m.mu.Lock()
	t, ok := m.inFlight[env.TaskID]
	if ok {
		delete(m.inFlight, env.TaskID)
	}
	m.deadlocks = 0
	m.mu.Unlock()

	exhausted := w.MarkResult()

	if !ok {
		log.Warn("result for unknown task", "task_id", env.TaskID, "worker_id", w.ID)
		return
	}

	latency := time.Since(t.Timestamp).Seconds()
	switch env.Kind {
	case ipc.KindOk:
		t.Future.Complete(env.Value, nil)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordCompleted(latency)
		}
	case ipc.KindErr:
		t.Future.Complete(nil, &poolerrors.TaskError{Kind: env.ErrKind, Message: env.ErrMessage})
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordFailed(latency)
		}
	default:
		t.Future.Complete(nil, poolerrors.ErrPoolError)
	}
	m.queue.Done()

	if exhausted {
		m.workers.StopWorker(w)
	}
}

// dispatchOne pops at most one task and sends it to an idle worker,
// preferring one that has never been handed a task so every worker in the
// set gets used. Returns true if a task was dispatched.
func (m *Manager) dispatchOne() bool {
	var idle *workermanager.Worker
	for _, w := range m.workers.Workers() {
		if !w.IsIdle() || w.IsDead() {
			continue
		}
		if idle == nil || (idle.Dispatched() && !w.Dispatched()) {
			idle = w
		}
	}
	if idle == nil {
		return false
	}

	t, ok := m.queue.Get(1 * time.Millisecond)
	if !ok {
		return false
	}

	t.Timestamp = time.Now()
	t.WorkerID = idle.ID

	m.mu.Lock()
	m.inFlight[t.ID] = t
	m.mu.Unlock()

	idle.MarkBusy(t.ID, t.Timestamp)

	if err := idle.Channel.Send(ipc.Envelope{Kind: ipc.KindTask, TaskID: t.ID, Payload: t.Payload}); err != nil {
		m.onChannelBroken(idle)
		m.failInFlight(t.ID, &poolerrors.ProcessExpiredError{ExitCode: idle.ExitCode()})
		return true
	}
	return true
}

// timeoutHealthLoop implements spec 4.6's second loop: expire overdue
// tasks, reap dead workers, and keep the worker set topped up.
func (m *Manager) timeoutHealthLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.SleepUnit):
		}

		m.expireOverdueTasks()
		m.inspectWorkers()
		if m.isHalted() {
			// An unrecoverable condition (broken initializer, repeated
			// channel deadlock) has already escalated the pool to ERROR;
			// respawning would just reproduce the same failure forever.
			continue
		}
		if err := m.workers.EnsureWorkers(); err != nil {
			log.Error("ensure workers failed", "error", err)
		}
	}
}

func (m *Manager) expireOverdueTasks() {
	now := time.Now()
	for _, w := range m.workers.Workers() {
		taskID, busy := w.CurrentTask()
		if !busy {
			continue
		}
		m.mu.Lock()
		t, ok := m.inFlight[taskID]
		m.mu.Unlock()
		if !ok || t.Timeout <= 0 {
			continue
		}
		if now.Sub(t.Timestamp) <= t.Timeout {
			continue
		}

		m.failInFlight(t.ID, poolerrors.ErrTimedOut)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordTimedOut()
		}
		m.workers.StopWorker(w)
	}
}

// inspectWorkers converts dead-worker events into future failures,
// mirroring WorkerManager.inspect() in spec 4.5. A worker that dies
// before ever being dispatched a task is checked for a buffered
// InitializerFailed frame instead of being silently respawned, per
// spec 4.5's initialization-failure-detection rule.
func (m *Manager) inspectWorkers() {
	for _, w := range m.workers.Workers() {
		if !w.IsDead() {
			continue
		}

		taskID, busy := w.CurrentTask()
		switch {
		case busy:
			m.failInFlight(taskID, &poolerrors.ProcessExpiredError{ExitCode: w.ExitCode()})
		case !w.Dispatched():
			if m.checkInitializerFailure(w) {
				m.workers.Remove(w.ID)
				if m.cfg.Metrics != nil {
					m.cfg.Metrics.RecordWorkerDied()
				}
				continue
			}
		}

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordWorkerDied()
		}
		m.workers.Remove(w.ID)
	}
}

// checkInitializerFailure looks for a buffered InitializerFailed frame
// on a worker that exited without ever taking a task. The OS pipe
// keeps bytes the child wrote but the supervisor hasn't read yet
// readable even after the writer has exited, so this is a best-effort
// non-blocking read rather than a race with the exit itself. On a
// confirmed initializer failure it escalates the pool to ERROR exactly
// once and reports true so the caller skips the ordinary dead-worker
// bookkeeping duplication.
func (m *Manager) checkInitializerFailure(w *workermanager.Worker) bool {
	env, err := w.Channel.Recv(5 * time.Millisecond)
	if err != nil {
		return false
	}
	if env.Kind != ipc.KindInitializerFailed {
		return false
	}
	log.Error("worker initializer failed", "worker_id", w.ID, "reason", env.Reason)
	m.escalateOnce(poolerrors.ErrPoolError)
	return true
}

// escalateOnce calls Hooks.OnError at most once per Manager lifetime,
// so a broken initializer that keeps respawning identically-failing
// workers doesn't flood the pool with repeated ERROR transitions.
func (m *Manager) escalateOnce(reason error) {
	m.mu.Lock()
	already := m.halted
	m.halted = true
	m.mu.Unlock()
	if already {
		return
	}
	if m.hooks.OnError != nil {
		m.hooks.OnError(reason)
	}
}

// isHalted reports whether the manager has already escalated an
// unrecoverable condition; timeoutHealthLoop stops respawning workers
// once this is true, since further spawns would only repeat the same
// failure (e.g. a broken initializer) forever.
func (m *Manager) isHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Manager) failInFlight(id types.TaskID, err error) {
	m.mu.Lock()
	t, ok := m.inFlight[id]
	if ok {
		delete(m.inFlight, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	t.Future.Complete(nil, err)
	m.queue.Done()
}

// onChannelBroken tracks consecutive channel failures and escalates to
// the pool's ERROR state if they cross ChannelDeadlockTrip, per spec 7's
// "Channel lock timeout (deadlock)" row.
func (m *Manager) onChannelBroken(w *workermanager.Worker) {
	m.mu.Lock()
	m.deadlocks++
	trip := m.deadlocks >= m.cfg.ChannelDeadlockTrip
	m.mu.Unlock()

	log.Warn("channel broken", "worker_id", w.ID)
	m.workers.StopWorker(w)

	if trip {
		m.escalateOnce(poolerrors.ErrChannelBroken)
	}
}

// Schedule enqueues t. The caller (Pool) is responsible for state-machine
// checks; Manager only owns queueing and loop execution.
func (m *Manager) Schedule(t *task.Task) {
	m.queue.Put(t)
}
