package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crucible-labs/crucible/internal/api"
	"github.com/crucible-labs/crucible/internal/catalog"
	"github.com/crucible-labs/crucible/internal/engine"
	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/runner"
	"github.com/crucible-labs/crucible/internal/store"
)

// stubProvider is a configurable substrate for E2E tests. Runners sleep,
// stream canned log lines, optionally write a result file, then return the
// scripted result.
type stubProvider struct {
	kind string

	mu            sync.Mutex
	delay         time.Duration
	lineDelay     time.Duration
	logLines      []string
	result        runner.Result
	writeArtifact bool
	calls         atomic.Int64
}

func (p *stubProvider) Kind() string { return p.kind }

func (p *stubProvider) New(spec runner.Spec) (runner.Runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &stubRunner{
		spec:          spec,
		delay:         p.delay,
		lineDelay:     p.lineDelay,
		logLines:      append([]string(nil), p.logLines...),
		result:        p.result,
		writeArtifact: p.writeArtifact,
		calls:         &p.calls,
		stopCh:        make(chan struct{}),
	}, nil
}

func (p *stubProvider) set(fn func(*stubProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type stubRunner struct {
	spec          runner.Spec
	delay         time.Duration
	lineDelay     time.Duration
	logLines      []string
	result        runner.Result
	writeArtifact bool
	calls         *atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (r *stubRunner) Prepare(context.Context) error { return nil }

func (r *stubRunner) Execute(ctx context.Context) runner.Result {
	r.calls.Add(1)

	// Delay first so SSE subscribers have time to connect.
	select {
	case <-time.After(r.delay):
	case <-r.stopCh:
		return runner.Result{ExitCode: -1, Cancelled: true}
	case <-ctx.Done():
		return runner.Result{ExitCode: -1, Cancelled: true}
	}

	var stdout []byte
	for _, line := range r.logLines {
		if r.spec.OnLine != nil {
			r.spec.OnLine(line)
		}
		stdout = append(stdout, line...)
		stdout = append(stdout, '\n')
		if r.lineDelay > 0 {
			select {
			case <-time.After(r.lineDelay):
			case <-r.stopCh:
				return runner.Result{ExitCode: -1, Cancelled: true, Stdout: stdout}
			case <-ctx.Done():
				return runner.Result{ExitCode: -1, Cancelled: true, Stdout: stdout}
			}
		}
	}

	if r.writeArtifact {
		path := filepath.Join(r.spec.OutputDir, runner.ResultFile)
		if err := os.WriteFile(path, []byte("<robot/>"), 0o644); err != nil {
			return runner.Result{ExitCode: -1, Err: err.Error()}
		}
	}

	res := r.result
	if res.Stdout == nil {
		res.Stdout = stdout
	}
	return res
}

func (r *stubRunner) Cancel() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *stubRunner) Cleanup(context.Context) error { return nil }

// stackServer is a full in-process server: sqlite store, stub substrates,
// engine and HTTP API.
type stackServer struct {
	ts         *httptest.Server
	eng        *engine.Engine
	store      *store.SQLiteStore
	subprocess *stubProvider
	container  *stubProvider
}

func newStackServer(t *testing.T) *stackServer {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	suiteDir := t.TempDir()
	cat, err := catalog.Parse([]byte(fmt.Sprintf(`repositories:
  storefront:
    path: %s
environments:
  staging:
    interpreter: /opt/robot/bin
    variables:
      BASE_URL: http://staging.internal
  chrome:
    image: crucible/robot-chrome:1.4
`, suiteDir)))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	sub := &stubProvider{
		kind:   model.RunnerSubprocess,
		delay:  50 * time.Millisecond,
		result: runner.Result{ExitCode: 0},
	}
	con := &stubProvider{
		kind:   model.RunnerContainer,
		delay:  50 * time.Millisecond,
		result: runner.Result{ExitCode: 0},
	}
	reg := runner.NewRegistry()
	reg.Register(sub)
	reg.Register(con)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.New(engine.Options{
		Store:      s,
		Catalog:    cat,
		Registry:   reg,
		Logger:     logger,
		OutputBase: t.TempDir(),
	})
	eng.Start(context.Background())

	srv := api.NewServer(":0", eng, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
		eng.Wait()
	})

	return &stackServer{ts: ts, eng: eng, store: s, subprocess: sub, container: con}
}

func (s *stackServer) url() string { return s.ts.URL }

// submitRun posts a run and fails the test unless it is accepted.
func (s *stackServer) submitRun(t *testing.T, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(s.url()+"/v1/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, b)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return result
}

// pollStatus polls the run until it reports the expected status.
func (s *stackServer) pollStatus(t *testing.T, id, expected string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.url() + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var run map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			resp.Body.Close()
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if run["status"] == expected {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %q within %v", id, expected, timeout)
	return nil
}
