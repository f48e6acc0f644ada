// ============================================================================
// Process Pool Worker - Re-exec Entrypoint
// ============================================================================
//
// Package: internal/worker
// File: entrypoint.go
// Purpose: Detects the worker sentinel at process startup and, if present,
//          takes over the process as a worker loop instead of returning
//          to the host program's normal main().
//
// Grounded on the self-reexec pattern in the pack's CWL sandbox
// (exec.Command(os.Args[0], "--sandbox-worker")): the same binary is
// spawned again by internal/workermanager with PROCPOOL_WORKER=1 in its
// environment, and RunEntrypoint is the first thing main() must call.
//
// ============================================================================

package worker

import (
	"encoding/base64"
	"os"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ChuLiYu/procpool/internal/ipc"
)

// IsWorkerProcess reports whether this process was spawned as a pool
// worker, i.e. whether RunEntrypoint would take over and never return.
func IsWorkerProcess() bool {
	return os.Getenv(sentinelEnv) == "1"
}

// RunEntrypoint must be called at the very top of main() in any program
// that constructs a Pool. If this process is a re-exec'd worker, it runs
// the execute loop to completion and calls os.Exit with the worker's
// final status, never returning. Otherwise it returns immediately so the
// host program's normal main() continues (the supervisor path).
func RunEntrypoint() {
	if !IsWorkerProcess() {
		return
	}

	readFD := os.NewFile(uintptr(extraFileReadFD+3), "procpool-worker-read")
	writeFD := os.NewFile(uintptr(extraFileWriteFD+3), "procpool-worker-write")

	lockDir := os.Getenv(envLockDir)
	lockTimeout := durationFromMSEnv(envLockTimeout, 60*time.Second)
	nextTaskPoll := durationFromMSEnv(envPollMS, 250*time.Millisecond)
	maxTasks := intFromEnv(envMaxTasks, 0)

	ch := ipc.New(writeFD, readFD, lockDir, "child", ipc.Config{LockTimeout: lockTimeout})

	cfg := loopConfig{
		workerID:     os.Getenv(envWorkerID),
		maxTasks:     maxTasks,
		nextTaskPoll: nextTaskPoll,
		lockTimeout:  lockTimeout,
	}

	code := runLoop(ch, cfg, decodeInitArgs(os.Getenv(envInitArgs)))
	_ = ch.Close()
	os.Exit(code)
}

func durationFromMSEnv(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intFromEnv(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// decodeInitArgs reverses EncodeInitArgs. An empty or malformed value
// yields no init args rather than failing the worker outright; a broken
// initializer call is still detected and reported as InitializerFailed.
func decodeInitArgs(encoded string) []any {
	if encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	var args []any
	if err := cbor.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

// EncodeInitArgs is the workermanager-side counterpart, called when
// building a spawned worker's environment.
func EncodeInitArgs(args []any) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	raw, err := cbor.Marshal(args)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
