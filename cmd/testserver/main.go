// testserver starts a crucible API server with stub runners for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crucible-labs/crucible/internal/api"
	"github.com/crucible-labs/crucible/internal/catalog"
	"github.com/crucible-labs/crucible/internal/engine"
	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/runner"
	"github.com/crucible-labs/crucible/internal/store"
)

// stubProvider builds runners that sleep briefly, stream canned output and
// write a minimal result file, so the full submit/stream/artifact flow can
// be exercised without robot or docker installed.
type stubProvider struct {
	kind     string
	delay    time.Duration
	logLines []string
}

func (p *stubProvider) Kind() string { return p.kind }

func (p *stubProvider) New(spec runner.Spec) (runner.Runner, error) {
	return &stubRunner{provider: p, spec: spec, stopCh: make(chan struct{})}, nil
}

type stubRunner struct {
	provider *stubProvider
	spec     runner.Spec
	stopCh   chan struct{}
}

func (r *stubRunner) Prepare(context.Context) error { return nil }

func (r *stubRunner) Execute(ctx context.Context) runner.Result {
	start := time.Now()
	select {
	case <-time.After(r.provider.delay):
	case <-r.stopCh:
		return runner.Result{ExitCode: -1, Cancelled: true, Duration: time.Since(start)}
	case <-ctx.Done():
		return runner.Result{ExitCode: -1, Cancelled: true, Duration: time.Since(start)}
	}

	var stdout []byte
	for _, line := range r.provider.logLines {
		if r.spec.OnLine != nil {
			r.spec.OnLine(line)
		}
		stdout = append(stdout, line...)
		stdout = append(stdout, '\n')
	}

	result := filepath.Join(r.spec.OutputDir, runner.ResultFile)
	if err := os.WriteFile(result, []byte("<robot generator=\"stub\"/>\n"), 0o644); err != nil {
		return runner.Result{ExitCode: -1, Err: err.Error(), Duration: time.Since(start)}
	}

	return runner.Result{ExitCode: 0, Stdout: stdout, Duration: time.Since(start)}
}

func (r *stubRunner) Cancel() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *stubRunner) Cleanup(context.Context) error { return nil }

func main() {
	addr := ":8080"
	if v := os.Getenv("CRUCIBLE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	suiteDir, err := os.MkdirTemp("", "crucible-stub-suites")
	if err != nil {
		log.Fatalf("failed to create suite dir: %v", err)
	}
	defer os.RemoveAll(suiteDir)

	cat, err := catalog.Parse([]byte(`repositories:
  demo:
    path: ` + suiteDir + `
environments:
  local:
    interpreter: /usr/local/bin
    variables:
      BASE_URL: http://localhost:3000
  chrome:
    image: crucible/robot-chrome:stub
`))
	if err != nil {
		log.Fatalf("failed to parse catalog: %v", err)
	}

	reg := runner.NewRegistry()
	reg.Register(&stubProvider{
		kind:  model.RunnerSubprocess,
		delay: 500 * time.Millisecond,
		logLines: []string{
			"==============================================================================",
			"Demo",
			"Login Test                                                            | PASS |",
			"1 test, 1 passed, 0 failed",
		},
	})
	reg.Register(&stubProvider{
		kind:  model.RunnerContainer,
		delay: 500 * time.Millisecond,
		logLines: []string{
			"[container] pulling image",
			"[container] Login Test | PASS |",
			"[container] 1 test, 1 passed, 0 failed",
		},
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.New(engine.Options{
		Store:    db,
		Catalog:  cat,
		Registry: reg,
		Logger:   logger,
	})
	eng.Start(context.Background())

	srv := api.NewServer(addr, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}
