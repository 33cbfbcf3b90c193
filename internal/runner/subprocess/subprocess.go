// Package subprocess executes test runs as supervised host processes. The
// runner binary is resolved against the run's interpreter directory, its
// stdout is streamed line by line, and two watchdogs bound the attempt: a
// total ceiling and an output-inactivity window. Termination escalates from
// SIGTERM to SIGKILL, signalling the whole process group so driver children
// (browsers, remote libraries) die with the runner.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/runner"
)

// Compile-time interface satisfaction checks.
var (
	_ runner.Provider = (*Provider)(nil)
	_ runner.Runner   = (*Runner)(nil)
)

// Provider builds host-process runners.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

// NewProvider creates the host-process substrate provider.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: logger.With("component", "subprocess-runner"),
	}
}

// Kind reports the substrate name.
func (p *Provider) Kind() string {
	return model.RunnerSubprocess
}

// New builds a Runner for one attempt.
func (p *Provider) New(spec runner.Spec) (runner.Runner, error) {
	if spec.SuiteDir == "" {
		return nil, errors.New("subprocess runner requires a suite directory")
	}
	return &Runner{
		spec:   spec,
		cfg:    p.cfg,
		logger: p.logger.With("run_id", spec.RunID),
		stopCh: make(chan struct{}),
	}, nil
}

// stop reasons, recorded once per attempt.
const (
	stopNone = iota
	stopTotalTimeout
	stopInactivity
	stopCancel
)

// Runner supervises one runner process from start to full termination.
type Runner struct {
	spec   runner.Spec
	cfg    Config
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    bool
	cleaned bool
}

// Prepare verifies the interpreter directory and resolves the runner binary.
// It changes nothing on disk and may be called repeatedly.
func (r *Runner) Prepare(ctx context.Context) error {
	if r.spec.Interpreter != "" {
		info, err := os.Stat(r.spec.Interpreter)
		if err != nil {
			return fmt.Errorf("interpreter directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("interpreter path %s is not a directory", r.spec.Interpreter)
		}
	}
	if _, err := r.resolveBinary(); err != nil {
		return err
	}
	return nil
}

// Execute runs the attempt to completion. Every failure mode is encoded in
// the Result; Execute itself never fails.
func (r *Runner) Execute(ctx context.Context) runner.Result {
	start := time.Now()

	bin, err := r.resolveBinary()
	if err != nil {
		return runner.Result{ExitCode: -1, Err: err.Error(), Duration: time.Since(start)}
	}

	args := runner.Args(r.spec, r.spec.OutputDir, r.spec.Target)
	cmd := exec.Command(bin, args...)
	cmd.Dir = r.spec.SuiteDir
	cmd.Env = r.environ()
	// A new process group so termination reaches driver children, not just
	// the runner itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutBuf := runner.NewBoundedBuffer(r.cfg.MaxStdoutBytes)
	stderrBuf := runner.NewBoundedBuffer(r.cfg.MaxStderrBytes)
	cmd.Stderr = stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runner.Result{ExitCode: -1, Err: fmt.Sprintf("stdout pipe: %v", err), Duration: time.Since(start)}
	}

	if err := cmd.Start(); err != nil {
		return runner.Result{ExitCode: -1, Err: fmt.Sprintf("start runner: %v", err), Duration: time.Since(start)}
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	r.logger.Info("runner started", "bin", bin, "pid", cmd.Process.Pid, "timeout", r.spec.Timeout)

	// lastActivity holds the UnixNano of the most recent stdout line.
	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			lastActivity.Store(time.Now().UnixNano())
			stdoutBuf.Write([]byte(line + "\n"))
			if r.spec.OnLine != nil {
				r.spec.OnLine(line)
			}
		}
	}()

	// Wait only after the reader has drained the pipe, so no output is lost.
	waitCh := make(chan error, 1)
	go func() {
		<-readerDone
		waitCh <- cmd.Wait()
	}()

	var totalC <-chan time.Time
	if r.spec.Timeout > 0 {
		totalTimer := time.NewTimer(r.spec.Timeout)
		defer totalTimer.Stop()
		totalC = totalTimer.C
	}

	var idleTimer *time.Timer
	var idleC <-chan time.Time
	window := r.cfg.InactivityTimeout
	if window > 0 {
		idleTimer = time.NewTimer(window)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	reason := stopNone
	var failMsg string

	for reason == stopNone {
		select {
		case waitErr := <-waitCh:
			return r.buildResult(waitErr, start, stdoutBuf, stderrBuf)

		case <-totalC:
			reason = stopTotalTimeout
			failMsg = fmt.Sprintf("Timeout after %d seconds", int(r.spec.Timeout.Seconds()))
			r.logger.Warn("run exceeded total timeout", "timeout", r.spec.Timeout)

		case <-idleC:
			// The timer is re-armed with the remaining window whenever output
			// arrived since it was set, so steady output always survives.
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle < window {
				idleTimer.Reset(window - idle)
				continue
			}
			reason = stopInactivity
			failMsg = fmt.Sprintf("No output for %ds - process appears hung; the browser automation backend may have failed to initialize", int(window.Seconds()))
			r.logger.Warn("run produced no output within inactivity window", "window", window)

		case <-r.stopCh:
			reason = stopCancel
			r.logger.Info("cancel requested, stopping runner")

		case <-ctx.Done():
			reason = stopCancel
			r.logger.Info("context cancelled, stopping runner")
		}
	}

	waitErr := r.terminate(waitCh)
	res := r.buildResult(waitErr, start, stdoutBuf, stderrBuf)
	res.TimedOut = reason == stopTotalTimeout || reason == stopInactivity
	res.Cancelled = reason == stopCancel
	res.Err = failMsg
	return res
}

// Cancel requests a graceful stop. Safe to call repeatedly.
func (r *Runner) Cancel() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Cleanup force-kills the process group if the attempt is somehow still
// alive. Calling it twice, or without an Execute, is a no-op.
func (r *Runner) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cleaned {
		return nil
	}
	r.cleaned = true

	if r.cmd != nil && r.cmd.Process != nil && !r.done {
		r.signalGroup(syscall.SIGKILL)
	}
	return nil
}

// terminate escalates: SIGTERM to the group, a grace period, then SIGKILL.
// It returns once the process has fully exited.
func (r *Runner) terminate(waitCh <-chan error) error {
	r.signalGroup(syscall.SIGTERM)

	grace := time.NewTimer(r.cfg.KillGrace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
		r.logger.Warn("runner ignored SIGTERM, sending SIGKILL")
		r.signalGroup(syscall.SIGKILL)
		return <-waitCh
	}
}

func (r *Runner) signalGroup(sig syscall.Signal) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// Group signalling can fail if the group leader already exited;
		// fall back to the process itself.
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Error("failed to signal runner", "signal", sig, "error", err)
		}
	}
}

func (r *Runner) buildResult(waitErr error, start time.Time, stdoutBuf, stderrBuf *runner.BoundedBuffer) runner.Result {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()

	res := runner.Result{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		Duration: time.Since(start),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = fmt.Sprintf("wait for runner: %v", waitErr)
		}
	}
	return res
}

// resolveBinary locates the runner executable: the interpreter directory
// first, then PATH.
func (r *Runner) resolveBinary() (string, error) {
	bin := r.cfg.RunnerBin
	if r.spec.Parallel {
		bin = r.cfg.ParallelBin
	}
	if r.spec.Interpreter != "" {
		candidate := filepath.Join(r.spec.Interpreter, bin)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("runner binary %q not found: %w", bin, err)
	}
	return path, nil
}

// environ builds the child environment with the interpreter directory
// prepended to PATH, so the runner and its drivers resolve from the run's
// toolchain before anything else.
func (r *Runner) environ() []string {
	env := os.Environ()
	if r.spec.Interpreter == "" {
		return env
	}
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + r.spec.Interpreter + string(os.PathListSeparator) + kv[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+r.spec.Interpreter)
}
