// ============================================================================
// Process Pool Worker - Subprocess Execute Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: The loop a re-exec'd child process runs once it recognizes
//           itself as a worker (spec 4.2).
//
// How it works:
//   1. Run the registered initializer exactly once, if any.
//   2. On initializer failure: send InitializerFailed, exit nonzero.
//   3. Otherwise loop remaining_tasks times (or forever if unlimited):
//        recv a Task envelope (timeout = nextTaskPoll)
//        run it, catching panics as a TaskError value
//        send the Ok/Err envelope back
//   4. exit(0)
//
// A user function's error or panic travels home as data on the result
// envelope; it never causes this process to exit nonzero. A recv timeout
// with no pending task just polls again; only IPC failure (channel broken)
// ends the loop early, and even that path reports the remaining-tasks
// budget as simply unused, not as an error.
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/procpool/internal/ipc"
	"github.com/ChuLiYu/procpool/internal/registry"
	"github.com/ChuLiYu/procpool/pkg/poolerrors"
)

// loopConfig carries the few knobs the subprocess loop needs, read from
// the environment the workermanager set when it spawned this process.
type loopConfig struct {
	workerID     string
	maxTasks     int // 0 = unlimited
	nextTaskPoll time.Duration
	lockTimeout  time.Duration
}

// runLoop executes the worker's entire lifetime: initializer, then the
// execute loop, returning the process exit code the caller should use.
func runLoop(ch *ipc.Channel, cfg loopConfig, initArgs []any) int {
	if init, ok := registry.GetInitializer(); ok {
		if err := init(initArgs); err != nil {
			_ = ch.Send(ipc.Envelope{
				Kind:   ipc.KindInitializerFailed,
				Reason: err.Error(),
			})
			return 1
		}
	}

	remaining := cfg.maxTasks
	unlimited := cfg.maxTasks == 0

	for unlimited || remaining > 0 {
		env, err := ch.Recv(cfg.nextTaskPoll)
		if err != nil {
			if errors.Is(err, poolerrors.ErrChannelEmpty) {
				continue
			}
			// Peer gone or stream corrupted; nothing left to do.
			return 0
		}
		if env.Kind != ipc.KindTask {
			continue
		}

		result, taskErr := runOne(env.Payload.FuncName, env.Payload.Args, env.Payload.Kwargs)

		var reply ipc.Envelope
		if taskErr != nil {
			reply = ipc.Envelope{
				Kind:       ipc.KindErr,
				TaskID:     env.TaskID,
				ErrKind:    taskErr.Kind,
				ErrMessage: taskErr.Message,
			}
		} else {
			reply = ipc.Envelope{
				Kind:   ipc.KindOk,
				TaskID: env.TaskID,
				Value:  result,
			}
		}

		if err := ch.Send(reply); err != nil {
			return 0
		}

		if !unlimited {
			remaining--
		}
	}
	return 0
}

// runOne resolves and invokes a registered function, recovering a panic
// into a *poolerrors.TaskError exactly like a returned error would be, so
// a user function can never take the worker process down with it.
func runOne(funcName string, args []any, kwargs map[string]any) (value any, taskErr *poolerrors.TaskError) {
	defer func() {
		if r := recover(); r != nil {
			taskErr = &poolerrors.TaskError{Kind: "panic", Message: fmt.Sprint(r)}
		}
	}()

	fn, ok := registry.Lookup(funcName)
	if !ok {
		return nil, &poolerrors.TaskError{Kind: "unknown_function", Message: funcName}
	}

	v, err := fn(args, kwargs)
	if err != nil {
		return nil, &poolerrors.TaskError{Kind: "user_error", Message: err.Error()}
	}
	return v, nil
}
