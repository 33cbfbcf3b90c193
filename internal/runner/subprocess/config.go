package subprocess

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for host-process execution configuration.
const (
	envRunnerBin         = "CRUCIBLE_EXEC_RUNNER_BIN"
	envParallelBin       = "CRUCIBLE_EXEC_PARALLEL_BIN"
	envInactivityTimeout = "CRUCIBLE_EXEC_INACTIVITY_TIMEOUT_S"
	envKillGrace         = "CRUCIBLE_EXEC_KILL_GRACE_S"
	envMaxStdoutBytes    = "CRUCIBLE_EXEC_MAX_STDOUT_BYTES"
	envMaxStderrBytes    = "CRUCIBLE_EXEC_MAX_STDERR_BYTES"
)

// Defaults for host-process execution.
const (
	// DefaultRunnerBin invokes the test runner for sequential runs.
	DefaultRunnerBin = "robot"

	// DefaultParallelBin invokes the parallel front-end for runs that
	// requested parallel suite execution.
	DefaultParallelBin = "pabot"

	// DefaultInactivityTimeout kills a run that produced no output for this
	// long. A run emitting output at any pace is never touched by it.
	DefaultInactivityTimeout = 120 * time.Second

	// DefaultKillGrace is the pause between the graceful stop signal and the
	// forced kill.
	DefaultKillGrace = 10 * time.Second

	// DefaultMaxStdoutBytes caps captured stdout.
	DefaultMaxStdoutBytes = 1 << 20

	// DefaultMaxStderrBytes caps captured stderr.
	DefaultMaxStderrBytes = 64 * 1024
)

// Config holds configuration for the host-process substrate.
type Config struct {
	// RunnerBin is the test-runner binary name or path.
	RunnerBin string

	// ParallelBin is the parallel test-runner binary name or path.
	ParallelBin string

	// InactivityTimeout is the output-silence window after which a run is
	// presumed hung and killed. Zero disables the watchdog.
	InactivityTimeout time.Duration

	// KillGrace is how long a signalled process gets to exit before SIGKILL.
	KillGrace time.Duration

	// MaxStdoutBytes caps retained stdout.
	MaxStdoutBytes int

	// MaxStderrBytes caps retained stderr.
	MaxStderrBytes int
}

// LoadConfig reads host-process execution configuration from environment
// variables, applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		RunnerBin:         DefaultRunnerBin,
		ParallelBin:       DefaultParallelBin,
		InactivityTimeout: DefaultInactivityTimeout,
		KillGrace:         DefaultKillGrace,
		MaxStdoutBytes:    DefaultMaxStdoutBytes,
		MaxStderrBytes:    DefaultMaxStderrBytes,
	}

	if v := os.Getenv(envRunnerBin); v != "" {
		cfg.RunnerBin = v
	}
	if v := os.Getenv(envParallelBin); v != "" {
		cfg.ParallelBin = v
	}
	if v := os.Getenv(envInactivityTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.InactivityTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv(envKillGrace); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.KillGrace = time.Duration(n) * time.Second
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
