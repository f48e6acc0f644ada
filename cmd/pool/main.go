// ============================================================================
// Procpool - Main Entry Point
// ============================================================================
//
// File: cmd/pool/main.go
// Purpose: Application entry point and CLI initialization.
//
// Responsibilities:
//   1. Re-exec interception - if this process was spawned as a worker,
//      take over as the worker loop and never return.
//   2. Version Management - Inject build info via ldflags
//   3. Panic Recovery - Catch unexpected panics gracefully
//   4. CLI Setup - Build and configure Cobra command interface
//   5. Error Handling - Unified command execution error handling
//
// Version Injection:
//   Variables injected at build time via -ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   ./procpool --help     # Show help
//   ./procpool --version  # Show version
//   ./procpool run        # Start the worker pool
//   ./procpool status     # View configured pool settings
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/procpool/internal/cli"
	"github.com/ChuLiYu/procpool/internal/worker"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

// main is the program entry point. Every worker process is this same
// binary re-exec'd with a sentinel environment variable; RunEntrypoint
// detects that case and never returns, so the CLI below only ever runs
// in the supervising process.
func main() {
	worker.RunEntrypoint()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
