package subprocess

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crucible-labs/crucible/internal/runner"
)

func testConfig() Config {
	return Config{
		RunnerBin:      "robot",
		ParallelBin:    "pabot",
		KillGrace:      2 * time.Second,
		MaxStdoutBytes: DefaultMaxStdoutBytes,
		MaxStderrBytes: DefaultMaxStderrBytes,
	}
}

// scriptRunner installs a shell script as the runner binary in a fake
// interpreter directory and builds a Runner around it.
func scriptRunner(t *testing.T, script string, cfg Config, spec runner.Spec) *Runner {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "robot"), []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	spec.Interpreter = dir
	if spec.RunID == "" {
		spec.RunID = "test-run"
	}
	if spec.SuiteDir == "" {
		spec.SuiteDir = t.TempDir()
	}
	if spec.OutputDir == "" {
		spec.OutputDir = t.TempDir()
	}

	p := NewProvider(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r, err := p.New(spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r.(*Runner)
}

// lineCollector gathers OnLine callbacks safely across goroutines.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestExecuteSuccessStreamsLines(t *testing.T) {
	collector := &lineCollector{}
	r := scriptRunner(t, "echo alpha; echo beta; echo gamma", testConfig(), runner.Spec{
		OnLine: collector.add,
	})

	res := r.Execute(context.Background())

	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr = %q, err = %q", res.ExitCode, res.Stderr, res.Err)
	}
	if res.Failed() {
		t.Errorf("Failed = true for a clean run: %+v", res)
	}
	lines := collector.all()
	want := []string{"alpha", "beta", "gamma"}
	if len(lines) != 3 {
		t.Fatalf("streamed %d lines, want 3: %v", len(lines), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("lines[%d] = %q, want %q (delivery must preserve order)", i, lines[i], w)
		}
	}
	if !strings.Contains(string(res.Stdout), "beta") {
		t.Errorf("Stdout = %q, want captured output", res.Stdout)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := scriptRunner(t, "echo 4 tests failed >&2; exit 4", testConfig(), runner.Spec{})

	res := r.Execute(context.Background())

	if res.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", res.ExitCode)
	}
	if res.TimedOut || res.Cancelled {
		t.Errorf("TimedOut/Cancelled = %v/%v, want false/false", res.TimedOut, res.Cancelled)
	}
	if !strings.Contains(string(res.Stderr), "4 tests failed") {
		t.Errorf("Stderr = %q, want failure text", res.Stderr)
	}
}

func TestExecuteTotalTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.KillGrace = 200 * time.Millisecond
	r := scriptRunner(t, "echo started; sleep 30", cfg, runner.Spec{
		Timeout: 2 * time.Second,
	})

	start := time.Now()
	res := r.Execute(context.Background())
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatalf("TimedOut = false: %+v", res)
	}
	if !strings.Contains(res.Err, "Timeout after 2 seconds") {
		t.Errorf("Err = %q, want total-timeout message", res.Err)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Execute took %v, termination did not bound the run", elapsed)
	}
}

func TestExecuteInactivityKill(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 500 * time.Millisecond
	cfg.KillGrace = 200 * time.Millisecond
	r := scriptRunner(t, "echo one line; sleep 30", cfg, runner.Spec{
		Timeout: 30 * time.Second,
	})

	start := time.Now()
	res := r.Execute(context.Background())
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatalf("TimedOut = false: %+v", res)
	}
	if !strings.Contains(res.Err, "process appears hung") {
		t.Errorf("Err = %q, want inactivity message", res.Err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Execute took %v, inactivity watchdog did not fire", elapsed)
	}
}

func TestExecuteSteadyOutputSurvivesInactivityWindow(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 600 * time.Millisecond
	// Runs for ~1.6s total, well past the window, but never silent for it.
	r := scriptRunner(t, "for i in 1 2 3 4 5 6 7 8; do echo tick $i; sleep 0.2; done", cfg, runner.Spec{
		Timeout: 30 * time.Second,
	})

	res := r.Execute(context.Background())

	if res.TimedOut {
		t.Fatalf("steady output was killed by the inactivity watchdog: %+v", res)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestExecuteCancelGraceful(t *testing.T) {
	r := scriptRunner(t, "echo running; sleep 30", testConfig(), runner.Spec{
		Timeout: 60 * time.Second,
	})

	resCh := make(chan runner.Result, 1)
	go func() { resCh <- r.Execute(context.Background()) }()

	time.Sleep(300 * time.Millisecond)
	r.Cancel()
	r.Cancel() // repeated cancel must be safe

	select {
	case res := <-resCh:
		if !res.Cancelled {
			t.Errorf("Cancelled = false: %+v", res)
		}
		if res.TimedOut {
			t.Errorf("TimedOut = true for a cancelled run")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
}

func TestExecuteCancelEscalatesToKill(t *testing.T) {
	cfg := testConfig()
	cfg.KillGrace = 300 * time.Millisecond
	// The script ignores the graceful signal, so only the forced kill ends it.
	r := scriptRunner(t, `trap "" TERM; while :; do sleep 0.1; done`, cfg, runner.Spec{
		Timeout: 60 * time.Second,
	})

	resCh := make(chan runner.Result, 1)
	go func() { resCh <- r.Execute(context.Background()) }()

	time.Sleep(300 * time.Millisecond)
	start := time.Now()
	r.Cancel()

	select {
	case res := <-resCh:
		if !res.Cancelled {
			t.Errorf("Cancelled = false: %+v", res)
		}
		if elapsed := time.Since(start); elapsed < cfg.KillGrace {
			t.Errorf("runner exited in %v, before the grace period, but it ignores SIGTERM", elapsed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after escalation")
	}
}

func TestExecuteContextCancellation(t *testing.T) {
	r := scriptRunner(t, "sleep 30", testConfig(), runner.Spec{Timeout: 60 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan runner.Result, 1)
	go func() { resCh <- r.Execute(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case res := <-resCh:
		if !res.Cancelled {
			t.Errorf("Cancelled = false after context cancellation: %+v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after context cancellation")
	}
}

func TestExecuteCapsStderr(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStderrBytes = 1024
	r := scriptRunner(t, "i=0; while [ $i -lt 200 ]; do echo 'stderr noise stderr noise stderr noise' >&2; i=$((i+1)); done", cfg, runner.Spec{})

	res := r.Execute(context.Background())

	if len(res.Stderr) != 1024 {
		t.Errorf("len(Stderr) = %d, want capped at 1024", len(res.Stderr))
	}
}

func TestExecuteStartFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RunnerBin = "definitely-not-installed-anywhere"
	p := NewProvider(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r, err := p.New(runner.Spec{RunID: "x", SuiteDir: t.TempDir(), OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := r.Execute(context.Background())

	if res.ExitCode != -1 || res.Err == "" {
		t.Errorf("Result = %+v, want ExitCode -1 and an error message", res)
	}
}

func TestPrepare(t *testing.T) {
	r := scriptRunner(t, "exit 0", testConfig(), runner.Spec{})

	if err := r.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// Idempotent.
	if err := r.Prepare(context.Background()); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
}

func TestPrepareMissingInterpreter(t *testing.T) {
	r := scriptRunner(t, "exit 0", testConfig(), runner.Spec{})
	r.spec.Interpreter = filepath.Join(t.TempDir(), "absent")

	if err := r.Prepare(context.Background()); err == nil {
		t.Error("Prepare accepted a missing interpreter directory")
	}
}

func TestPrepareMissingBinary(t *testing.T) {
	cfg := testConfig()
	cfg.RunnerBin = "definitely-not-installed-anywhere"
	p := NewProvider(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r, err := p.New(runner.Spec{RunID: "x", SuiteDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Prepare(context.Background()); err == nil {
		t.Error("Prepare accepted a missing runner binary")
	}
}

func TestCleanupTwice(t *testing.T) {
	r := scriptRunner(t, "exit 0", testConfig(), runner.Spec{})
	r.Execute(context.Background())

	if err := r.Cleanup(context.Background()); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if err := r.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestCleanupWithoutExecute(t *testing.T) {
	r := scriptRunner(t, "exit 0", testConfig(), runner.Spec{})

	if err := r.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup before Execute: %v", err)
	}
}

func TestParallelRunsUseParallelBinary(t *testing.T) {
	dir := t.TempDir()
	// Distinct scripts so the result shows which binary ran.
	if err := os.WriteFile(filepath.Join(dir, "robot"), []byte("#!/bin/sh\necho sequential\n"), 0o755); err != nil {
		t.Fatalf("write robot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pabot"), []byte("#!/bin/sh\necho parallel\n"), 0o755); err != nil {
		t.Fatalf("write pabot: %v", err)
	}

	p := NewProvider(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r, err := p.New(runner.Spec{
		RunID:       "x",
		SuiteDir:    t.TempDir(),
		OutputDir:   t.TempDir(),
		Interpreter: dir,
		Parallel:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := r.Execute(context.Background())
	if !strings.Contains(string(res.Stdout), "parallel") {
		t.Errorf("Stdout = %q, want output from the parallel binary", res.Stdout)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.RunnerBin != DefaultRunnerBin {
		t.Errorf("RunnerBin = %q, want %q", cfg.RunnerBin, DefaultRunnerBin)
	}
	if cfg.InactivityTimeout != DefaultInactivityTimeout {
		t.Errorf("InactivityTimeout = %v, want %v", cfg.InactivityTimeout, DefaultInactivityTimeout)
	}
	if cfg.KillGrace != DefaultKillGrace {
		t.Errorf("KillGrace = %v, want %v", cfg.KillGrace, DefaultKillGrace)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv(envRunnerBin, "/custom/robot")
	t.Setenv(envInactivityTimeout, "45")
	t.Setenv(envMaxStderrBytes, "2048")

	cfg := LoadConfig()

	if cfg.RunnerBin != "/custom/robot" {
		t.Errorf("RunnerBin = %q, want /custom/robot", cfg.RunnerBin)
	}
	if cfg.InactivityTimeout != 45*time.Second {
		t.Errorf("InactivityTimeout = %v, want 45s", cfg.InactivityTimeout)
	}
	if cfg.MaxStderrBytes != 2048 {
		t.Errorf("MaxStderrBytes = %d, want 2048", cfg.MaxStderrBytes)
	}
}
