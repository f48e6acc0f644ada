// ============================================================================
// Process Pool Supervisor
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Purpose: Public surface (Schedule/Close/Stop/Join/Active), the pool's
//          state machine, and failure escalation (spec 4.7).
//
// Grounded on the teacher's Controller.Start/Stop orchestration of its
// sub-loops (internal/controller/controller.go): a stopCh plus
// sync.WaitGroup shape for loop lifecycle, slog.Default() logging. This
// pool formalizes the state machine the teacher tracked only as a
// stopped bool, since spec 4.7 names the full CREATED/RUNNING/CLOSED/
// STOPPED/ERROR enum as an observable invariant.
//
// ============================================================================

package pool

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/procpool/internal/future"
	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/internal/registry"
	"github.com/ChuLiYu/procpool/internal/task"
	"github.com/ChuLiYu/procpool/internal/taskmanager"
	"github.com/ChuLiYu/procpool/internal/workermanager"
	"github.com/ChuLiYu/procpool/pkg/poolerrors"
	"github.com/ChuLiYu/procpool/pkg/types"
)

var log = slog.Default()

// Options configures a new Pool. All fields are optional.
type Options struct {
	MaxWorkers  int // default: runtime.NumCPU()
	MaxTasks    int // default 0 = unlimited per worker
	Initializer registry.Initializer
	InitArgs    []any

	LockTimeout  time.Duration // default 60s
	SleepUnit    time.Duration // default 100ms
	ScratchDir   string
	StopGrace    time.Duration
	NextTaskPoll time.Duration
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = runtime.NumCPU()
	}
	return o
}

// Pool is the process-based worker pool supervisor.
type Pool struct {
	opts Options

	stateMu sync.Mutex
	state   types.PoolState

	queue   *task.Queue
	workers *workermanager.Manager
	tasks   *taskmanager.Manager

	nextTaskID atomic.Uint64

	startOnce sync.Once
}

// New constructs a Pool in the CREATED state. It does not spawn workers
// or start loops until the first Schedule, Active, Close or Stop call.
func New(opts Options) *Pool {
	opts = opts.withDefaults()

	if opts.Initializer != nil {
		registry.RegisterInitializer(opts.Initializer)
	}

	q := task.NewQueue()
	wm := workermanager.New(workermanager.Config{
		MaxWorkers:   opts.MaxWorkers,
		MaxTasks:     opts.MaxTasks,
		LockTimeout:  opts.LockTimeout,
		NextTaskPoll: opts.NextTaskPoll,
		ScratchDir:   opts.ScratchDir,
		InitArgs:     opts.InitArgs,
		StopGrace:    opts.StopGrace,
		Metrics:      opts.Metrics,
	})

	p := &Pool{
		opts:    opts,
		state:   types.PoolCreated,
		queue:   q,
		workers: wm,
	}

	p.tasks = taskmanager.New(q, wm, taskmanager.Config{SleepUnit: opts.SleepUnit, Metrics: opts.Metrics}, taskmanager.Hooks{
		OnError: p.escalate,
	})

	return p
}

// ensureStarted transitions CREATED -> RUNNING exactly once, spawning
// the worker set and both supervisor loops.
func (p *Pool) ensureStarted() {
	p.startOnce.Do(func() {
		p.stateMu.Lock()
		if p.state == types.PoolCreated {
			p.state = types.PoolRunning
		}
		p.stateMu.Unlock()
		p.reportState()

		if err := p.workers.EnsureWorkers(); err != nil {
			log.Error("initial worker spawn failed", "error", err)
			p.escalate(fmt.Errorf("initial spawn: %w", err))
			return
		}
		p.tasks.Start()
	})
}

func (p *Pool) escalate(reason error) {
	p.stateMu.Lock()
	if p.state != types.PoolStopped {
		p.state = types.PoolError
	}
	p.stateMu.Unlock()
	log.Error("pool entering error state", "reason", reason)
	p.reportState()
}

// reportState publishes the current state and queue depth to the
// configured metrics.Collector, if any.
func (p *Pool) reportState() {
	if p.opts.Metrics == nil {
		return
	}
	p.opts.Metrics.SetPoolState(int32(p.State()))
	p.opts.Metrics.SetQueueStats(p.queue.Len(), p.queue.Unfinished()-p.queue.Len())
}

// State returns the pool's current state.
func (p *Pool) State() types.PoolState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Active reports whether the pool is RUNNING or CLOSED.
func (p *Pool) Active() bool {
	p.ensureStarted()
	s := p.State()
	return s == types.PoolRunning || s == types.PoolClosed
}

// Schedule enqueues a call to the named registered function and returns
// its Future. timeout <= 0 means no timeout.
func (p *Pool) Schedule(funcName string, args []any, kwargs map[string]any, timeout time.Duration) (*future.Future, error) {
	p.ensureStarted()

	switch p.State() {
	case types.PoolError:
		return nil, poolerrors.ErrPoolError
	case types.PoolRunning:
	default:
		return nil, poolerrors.ErrPoolNotActive
	}

	t := &task.Task{
		ID:      types.TaskID(p.nextTaskID.Add(1)),
		Payload: types.Payload{FuncName: funcName, Args: args, Kwargs: kwargs},
		Timeout: timeout,
		Future:  future.New(),
	}
	p.tasks.Schedule(t)
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordScheduled()
	}
	p.reportState()
	return t.Future, nil
}

// Close stops accepting new work but lets queued and in-flight tasks
// finish. Idempotent.
func (p *Pool) Close() error {
	p.ensureStarted()
	p.stateMu.Lock()
	if p.state == types.PoolRunning {
		p.state = types.PoolClosed
	}
	p.stateMu.Unlock()
	p.reportState()
	return nil
}

// Stop abandons queued work and terminates every worker. Idempotent.
func (p *Pool) Stop() error {
	p.ensureStarted()

	p.stateMu.Lock()
	already := p.state == types.PoolStopped
	p.state = types.PoolStopped
	p.stateMu.Unlock()
	if already {
		return nil
	}

	p.queue.Close()
	p.tasks.Stop()
	p.workers.StopAll()
	p.reportState()
	return nil
}

// Join refuses to act while RUNNING, waits for the queue to drain while
// CLOSED (bounded by timeout <= 0 meaning wait forever), then Stops.
func (p *Pool) Join(timeout time.Duration) error {
	if p.State() == types.PoolRunning {
		return poolerrors.ErrPoolStillRunning
	}

	if p.State() == types.PoolClosed {
		wait := timeout
		if wait <= 0 {
			wait = 365 * 24 * time.Hour
		}
		if !p.queue.Drained(wait) {
			return poolerrors.ErrTimedOut
		}
	}

	return p.Stop()
}
