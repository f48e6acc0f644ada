// ============================================================================
// Process Pool Function Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Resolves the dynamic (callable + args) task payload across the
//          process boundary by name, since a Go closure cannot be shipped
//          to a re-exec'd child process.
//
// The embedding program registers every function it wants schedulable,
// under a stable name, before the pool starts. Because the worker process
// is the same binary re-exec'd (see internal/worker.RunEntrypoint), the
// same Register calls run in the child too, so FuncName resolves
// identically on both sides of the channel.
//
// ============================================================================

package registry

import (
	"fmt"
	"sync"
)

// Func is a registrable unit of work. It receives its positional and
// keyword arguments and returns a result or an error; panics are recovered
// by the worker loop and reported as a TaskError, never propagated.
type Func func(args []any, kwargs map[string]any) (any, error)

// Initializer runs once per worker process before it starts executing
// tasks. A non-nil error fails the worker's startup.
type Initializer func(initargs []any) error

var (
	mu          sync.RWMutex
	funcs       = make(map[string]Func)
	initializer Initializer
)

// Register adds fn under name, overwriting any previous registration.
// Intended to be called from an init() function or early in main/TestMain,
// before any Pool is constructed.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	funcs[name] = fn
}

// Lookup resolves name to its registered function.
func Lookup(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// RegisterInitializer sets the process-wide worker initializer. There is
// at most one initializer per program, matching the spec's
// initializer(*initargs) contract.
func RegisterInitializer(init Initializer) {
	mu.Lock()
	defer mu.Unlock()
	initializer = init
}

// GetInitializer returns the registered initializer, if any.
func GetInitializer() (Initializer, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return initializer, initializer != nil
}

// MustLookup is a convenience for call sites that have already validated
// the name exists; it panics on an unregistered name. (The worker loop
// uses Lookup, and Pool.Schedule does not validate names.)
func MustLookup(name string) Func {
	fn, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("registry: function %q not registered", name))
	}
	return fn
}
