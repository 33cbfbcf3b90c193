// Package runner defines the execution substrate contract. A Runner owns one
// attempt of one run: the engine builds it from a Provider, calls Prepare,
// Execute and Cleanup in that order, and may call Cancel from another
// goroutine at any point in between.
package runner

import (
	"context"
	"time"
)

// Spec carries everything a substrate needs to execute one run.
type Spec struct {
	RunID       string
	SuiteDir    string            // resolved repository checkout
	Target      string            // suite file or folder relative to SuiteDir
	OutputDir   string            // per-run directory for result artifacts and logs
	IncludeTags []string
	ExcludeTags []string
	Variables   map[string]string
	Parallel    bool
	Timeout     time.Duration // total ceiling for the attempt
	Interpreter string        // directory prepended to PATH (host execution)
	Image       string        // container image (container execution)

	// OnLine receives each stdout line as it is produced. May be nil.
	OnLine func(line string)
}

// Result is the outcome of one execution attempt. Execute never fails with
// an error; everything that can go wrong is encoded here so the engine maps
// outcomes to run statuses in exactly one place.
type Result struct {
	ExitCode  int
	Stdout    []byte // capped
	Stderr    []byte // capped
	TimedOut  bool   // total ceiling or output inactivity
	Cancelled bool   // external cancel request
	Err       string // set when the attempt produced no test verdict
	Duration  time.Duration
}

// Failed reports whether the attempt needs an error message persisted.
func (r Result) Failed() bool {
	return r.TimedOut || r.Cancelled || r.Err != "" || r.ExitCode != 0
}

// Runner executes a single run attempt on some substrate.
type Runner interface {
	// Prepare acquires substrate resources (pulls images, checks
	// interpreters). It is idempotent; repeated calls are safe.
	Prepare(ctx context.Context) error

	// Execute runs the attempt to completion and reports the outcome.
	// It blocks until the child process or container has fully stopped.
	Execute(ctx context.Context) Result

	// Cancel requests a graceful stop. It returns immediately; Execute
	// observes the request, escalates if the child ignores it, and returns
	// a Result with Cancelled set. Safe to call at any time, from any
	// goroutine, more than once.
	Cancel()

	// Cleanup releases whatever the attempt left behind. It is idempotent:
	// calling it twice, or without a prior Execute, never fails.
	Cleanup(ctx context.Context) error
}

// Provider builds Runners for one substrate kind.
type Provider interface {
	Kind() string
	New(spec Spec) (Runner, error)
}
