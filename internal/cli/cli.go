// ============================================================================
// Procpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra
//          framework (spec 4.8's process boundary: the CLI loads config,
//          builds a Pool, and owns its lifecycle).
//
// Command Structure:
//   procpool                      # Root command
//   ├── run                       # Start the pool and serve until interrupted
//   │   └── --config, -c          # Specify config file
//   └── status                    # View last known configuration
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - pool: worker count, max tasks per worker, timeouts
//   - metrics: Prometheus monitoring configuration
//
// run Command:
//   Starts the pool:
//   1. Load config file
//   2. Build a pool.Pool
//   3. Start Metrics HTTP server (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully close and stop the pool
//
//   Examples:
//     ./procpool run
//     ./procpool run -c custom-config.yaml
//
// status Command:
//   Display the configuration that `run` would use.
//
//   Examples:
//     ./procpool status
//
// Signal Handling:
//   run command captures the following signals and gracefully shuts down:
//   - SIGINT (Ctrl+C): User interrupt
//   - SIGTERM: System terminate request
//
//   Graceful shutdown flow:
//   1. Close the pool (stop accepting new tasks)
//   2. Join with a bounded drain timeout
//   3. Stop any still-running workers
//
// Metrics Service:
//   If enabled in config, starts HTTP service in a separate goroutine:
//   - Default port: 9090
//   - Path: /metrics
//   - Format: Prometheus format
//
// ============================================================================

package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure. Maps
// config file fields through YAML tags.
type Config struct {
	Pool struct {
		WorkerCount int           `yaml:"worker_count"`
		MaxTasks    int           `yaml:"max_tasks"`
		LockTimeout time.Duration `yaml:"lock_timeout"`
		SleepUnit   time.Duration `yaml:"sleep_unit"`
		StopGrace   time.Duration `yaml:"stop_grace"`
		ScratchDir  string        `yaml:"scratch_dir"`
	} `yaml:"pool"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var (
	configFile string
	globalPool *pool.Pool
)

// BuildCLI assembles the root command and its subcommands. cmd/pool/main.go
// is its only caller; library embedders construct a pool.Pool directly.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "procpool",
		Short: "Procpool: a process-based worker pool for isolating untrusted or crash-prone work",
		Long: `Procpool runs registered functions in long-lived OS subprocess workers:
- IPC over length-prefixed pipes, not shared memory
- Per-task timeouts and automatic worker recycling
- Crash and deadlock detection with transparent Future failures
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the procpool worker pool",
		Long:  "Load config, spawn the worker set, and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting procpool with config: %s\n", configFile)
	log.Printf("Workers: %d, MaxTasks: %d\n", cfg.Pool.WorkerCount, cfg.Pool.MaxTasks)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Starting metrics server on %s\n", addr)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	p := pool.New(pool.Options{
		MaxWorkers:  cfg.Pool.WorkerCount,
		MaxTasks:    cfg.Pool.MaxTasks,
		LockTimeout: cfg.Pool.LockTimeout,
		SleepUnit:   cfg.Pool.SleepUnit,
		ScratchDir:  cfg.Pool.ScratchDir,
		StopGrace:   cfg.Pool.StopGrace,
		Metrics:     collector,
	})
	globalPool = p
	p.Active() // force CREATED -> RUNNING, spawning the initial worker set

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	if err := p.Close(); err != nil {
		log.Printf("close: %v\n", err)
	}
	if err := p.Join(cfg.Pool.StopGrace * 2); err != nil {
		log.Printf("join: %v (stopping anyway)\n", err)
	}
	if err := p.Stop(); err != nil {
		log.Printf("stop: %v\n", err)
	}

	log.Println("System stopped. Goodbye!")
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show procpool status and the configuration it would run with",
		Long:  "Display the pool and metrics configuration loaded from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println()
	fmt.Println("Procpool Status")
	fmt.Println("===============")
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Config File:    %s\n", configFile)
	fmt.Printf("  Worker Count:   %d\n", cfg.Pool.WorkerCount)
	fmt.Printf("  Max Tasks:      %d\n", cfg.Pool.MaxTasks)
	fmt.Printf("  Lock Timeout:   %s\n", cfg.Pool.LockTimeout)
	fmt.Printf("  Stop Grace:     %s\n", cfg.Pool.StopGrace)
	fmt.Printf("  Scratch Dir:    %s\n", cfg.Pool.ScratchDir)
	fmt.Println()

	if globalPool != nil {
		fmt.Println("Pool State:")
		fmt.Printf("  State: %s\n", globalPool.State())
		fmt.Println()
	} else {
		fmt.Println("Pool State:")
		fmt.Println("  Not running (run 'procpool run' to start)")
		fmt.Println()
	}

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  Status: enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  Status: disabled")
	}
	fmt.Println()

	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
