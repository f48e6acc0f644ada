// ============================================================================
// Procpool Demo - End-to-End Scenario Walkthrough
// ============================================================================
//
// File: cmd/demo/main.go
// Purpose: Registers the example functions and drives a handful of the
//          pool's literal end-to-end scenarios end to end, the same role
//          the teacher's cmd/demo/main.go played for its job queue.
//
// Usage:
//   go run ./cmd/demo <scenario>
//   where <scenario> is one of: add, boom, timeout, pids, recycle, crash
//
// ============================================================================

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/procpool/internal/pool"
	"github.com/ChuLiYu/procpool/internal/registry"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/poolerrors"
)

func init() {
	registry.Register("add", func(args []any, kwargs map[string]any) (any, error) {
		a, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("add: expected numeric first argument")
		}
		b := 0.0
		if kw, ok := kwargs["keyword_argument"].(float64); ok {
			b = kw
		}
		return a + b, nil
	})

	registry.Register("raise_boom", func(args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("BOOM!")
	})

	registry.Register("sleep_1s", func(args []any, kwargs map[string]any) (any, error) {
		time.Sleep(1 * time.Second)
		return "slept", nil
	})

	registry.Register("pid", func(args []any, kwargs map[string]any) (any, error) {
		return os.Getpid(), nil
	})

	registry.Register("os_exit_1", func(args []any, kwargs map[string]any) (any, error) {
		os.Exit(1)
		return nil, nil
	})
}

func main() {
	worker.RunEntrypoint()

	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <add|boom|timeout|pids|recycle|crash>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		runAddScenario()
	case "boom":
		runBoomScenario()
	case "timeout":
		runTimeoutScenario()
	case "pids":
		runPidsScenario()
	case "recycle":
		runRecycleScenario()
	case "crash":
		runCrashScenario()
	default:
		fmt.Printf("unknown scenario %q\n", os.Args[1])
		os.Exit(1)
	}
}

// runAddScenario is end-to-end scenario 1: schedule(add, [1],
// {keyword_argument: 1}) resolves to 2.
func runAddScenario() {
	p := pool.New(pool.Options{MaxWorkers: 1})
	defer p.Stop()

	f, err := p.Schedule("add", []any{1.0}, map[string]any{"keyword_argument": 1.0}, 0)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}
	value, err := f.Result(5 * time.Second)
	if err != nil {
		log.Fatalf("result: %v", err)
	}
	fmt.Printf("add(1, keyword_argument=1) = %v\n", value)
}

// runBoomScenario is end-to-end scenario 3: a user function's error
// surfaces through the future as a TaskError carrying "BOOM!".
func runBoomScenario() {
	p := pool.New(pool.Options{MaxWorkers: 1})
	defer p.Stop()

	f, err := p.Schedule("raise_boom", nil, nil, 0)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}
	_, err = f.Result(5 * time.Second)
	fmt.Printf("raise_boom() failed as expected: %v\n", err)
}

// runTimeoutScenario is end-to-end scenario 4: a task that outlives its
// timeout surfaces ErrTimedOut, and the worker is recycled underneath it.
func runTimeoutScenario() {
	p := pool.New(pool.Options{MaxWorkers: 1})
	defer p.Stop()

	f, err := p.Schedule("sleep_1s", nil, nil, 100*time.Millisecond)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}
	_, err = f.Result(2 * time.Second)
	if errors.Is(err, poolerrors.ErrTimedOut) {
		fmt.Println("sleep_1s(timeout=100ms) timed out as expected")
		return
	}
	log.Fatalf("expected ErrTimedOut, got %v", err)
}

// runPidsScenario is end-to-end scenario 5: with max_workers=2, 5
// schedule(pid) calls, each awaited before the next, surface exactly 2
// distinct worker pids.
func runPidsScenario() {
	p := pool.New(pool.Options{MaxWorkers: 2})
	defer p.Stop()

	pids := make(map[any]struct{})
	for i := 0; i < 5; i++ {
		f, err := p.Schedule("pid", nil, nil, 0)
		if err != nil {
			log.Fatalf("schedule: %v", err)
		}
		value, err := f.Result(5 * time.Second)
		if err != nil {
			log.Fatalf("result: %v", err)
		}
		pids[value] = struct{}{}
	}
	fmt.Printf("observed %d distinct worker pids across 5 tasks on 2 workers\n", len(pids))
}

// runRecycleScenario is end-to-end scenario 6: with max_tasks=2, 4
// schedule(pid) calls retire each worker after 2 tasks, still surfacing
// only 2 distinct pids.
func runRecycleScenario() {
	p := pool.New(pool.Options{MaxWorkers: 1, MaxTasks: 2})
	defer p.Stop()

	pids := make(map[any]struct{})
	for i := 0; i < 4; i++ {
		f, err := p.Schedule("pid", nil, nil, 0)
		if err != nil {
			log.Fatalf("schedule: %v", err)
		}
		value, err := f.Result(5 * time.Second)
		if err != nil {
			log.Fatalf("result: %v", err)
		}
		pids[value] = struct{}{}
	}
	fmt.Printf("observed %d distinct worker pids across 4 tasks with max_tasks=2\n", len(pids))
}

// runCrashScenario is end-to-end scenario 7: a worker that calls
// os.Exit(1) surfaces ProcessExpiredError to the waiting future.
func runCrashScenario() {
	p := pool.New(pool.Options{MaxWorkers: 1})
	defer p.Stop()

	f, err := p.Schedule("os_exit_1", nil, nil, 0)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}
	_, err = f.Result(5 * time.Second)

	var expired *poolerrors.ProcessExpiredError
	if errors.As(err, &expired) {
		fmt.Printf("os_exit_1() crashed the worker as expected (exit code %d)\n", expired.ExitCode)
		return
	}
	log.Fatalf("expected ProcessExpiredError, got %v", err)
}
