package docker

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for container execution configuration.
const (
	envDefaultImage   = "CRUCIBLE_DOCKER_DEFAULT_IMAGE"
	envRunnerBin      = "CRUCIBLE_DOCKER_RUNNER_BIN"
	envParallelBin    = "CRUCIBLE_DOCKER_PARALLEL_BIN"
	envCPUs           = "CRUCIBLE_DOCKER_CPUS"
	envMemoryMB       = "CRUCIBLE_DOCKER_MEMORY_MB"
	envStopGrace      = "CRUCIBLE_DOCKER_STOP_GRACE_S"
	envMaxStdoutBytes = "CRUCIBLE_DOCKER_MAX_STDOUT_BYTES"
	envMaxStderrBytes = "CRUCIBLE_DOCKER_MAX_STDERR_BYTES"
)

// Defaults for container execution.
const (
	DefaultImage          = "crucible/robot:latest"
	DefaultRunnerBin      = "robot"
	DefaultParallelBin    = "pabot"
	DefaultCPUs           = 2
	DefaultMemoryMB       = 2048
	DefaultStopGrace      = 10 * time.Second
	DefaultMaxStdoutBytes = 1 << 20
	DefaultMaxStderrBytes = 64 * 1024
)

// In-container mount points. The suite checkout is read-only; the runner
// writes artifacts to the results mount, which is the run's output directory
// on the host.
const (
	containerSuiteDir   = "/suite"
	containerResultsDir = "/results"
)

// Config holds configuration for the container substrate.
type Config struct {
	// DefaultImage runs environments that name no image of their own.
	DefaultImage string

	// RunnerBin is the test-runner binary inside the image.
	RunnerBin string

	// ParallelBin is the parallel test-runner binary inside the image.
	ParallelBin string

	// CPUs limits each run container.
	CPUs int

	// MemoryMB limits each run container.
	MemoryMB int64

	// StopGrace is how long a stopped container gets before the daemon
	// kills it.
	StopGrace time.Duration

	// MaxStdoutBytes caps retained stdout.
	MaxStdoutBytes int

	// MaxStderrBytes caps retained stderr.
	MaxStderrBytes int
}

// LoadConfig reads container execution configuration from environment
// variables, applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		DefaultImage:   DefaultImage,
		RunnerBin:      DefaultRunnerBin,
		ParallelBin:    DefaultParallelBin,
		CPUs:           DefaultCPUs,
		MemoryMB:       DefaultMemoryMB,
		StopGrace:      DefaultStopGrace,
		MaxStdoutBytes: DefaultMaxStdoutBytes,
		MaxStderrBytes: DefaultMaxStderrBytes,
	}

	if v := os.Getenv(envDefaultImage); v != "" {
		cfg.DefaultImage = v
	}
	if v := os.Getenv(envRunnerBin); v != "" {
		cfg.RunnerBin = v
	}
	if v := os.Getenv(envParallelBin); v != "" {
		cfg.ParallelBin = v
	}
	if v := os.Getenv(envCPUs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CPUs = n
		}
	}
	if v := os.Getenv(envMemoryMB); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MemoryMB = n
		}
	}
	if v := os.Getenv(envStopGrace); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StopGrace = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv(envMaxStdoutBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxStdoutBytes = n
		}
	}
	if v := os.Getenv(envMaxStderrBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxStderrBytes = n
		}
	}

	return cfg
}
