package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/crucible-labs/crucible/internal/runner"
)

func TestRunLifecyclePassed(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.logLines = []string{"Login Test :: PASS", "1 test, 1 passed, 0 failed"}
		p.writeArtifact = true
	})

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/smoke","triggered_by":"e2e"}`)
	id := created["id"].(string)

	if created["status"] != "pending" {
		t.Errorf("submitted status = %v, want pending", created["status"])
	}
	if len(id) != 26 {
		t.Errorf("id = %q, expected 26-char ULID", id)
	}

	final := s.pollStatus(t, id, "passed", 5*time.Second)
	if final["exit_code"] != float64(0) {
		t.Errorf("exit_code = %v, want 0", final["exit_code"])
	}
	if final["finished_at"] == nil {
		t.Error("finished_at not set")
	}
	if final["duration_ms"] == nil {
		t.Error("duration_ms not set")
	}
}

func TestRunLifecycleFailed(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.result = runner.Result{ExitCode: 5}
	})

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/smoke"}`)
	id := created["id"].(string)

	final := s.pollStatus(t, id, "failed", 5*time.Second)
	if final["exit_code"] != float64(5) {
		t.Errorf("exit_code = %v, want 5", final["exit_code"])
	}
	errMsg, _ := final["error"].(string)
	if !strings.Contains(errMsg, "exited with code 5") {
		t.Errorf("error = %q", errMsg)
	}
}

func TestRunLifecycleTimeout(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.result = runner.Result{ExitCode: -1, TimedOut: true, Err: "Timeout after 1 seconds"}
	})

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/smoke","timeout_s":1}`)
	id := created["id"].(string)

	final := s.pollStatus(t, id, "timeout", 5*time.Second)
	if errMsg, _ := final["error"].(string); !strings.Contains(errMsg, "Timeout after") {
		t.Errorf("error = %q", errMsg)
	}
	if _, present := final["exit_code"]; present {
		t.Errorf("exit_code = %v, want absent for a killed process", final["exit_code"])
	}
}

func TestCancelRunningRun(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.delay = 10 * time.Second
	})

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/smoke"}`)
	id := created["id"].(string)
	s.pollStatus(t, id, "running", 5*time.Second)

	resp, err := http.Post(s.url()+"/v1/runs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}

	s.pollStatus(t, id, "cancelled", 5*time.Second)
}

func TestCancelledRunStaysCancelled(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.delay = 10 * time.Second
	})

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/smoke"}`)
	id := created["id"].(string)
	s.pollStatus(t, id, "running", 5*time.Second)

	resp, _ := http.Post(s.url()+"/v1/runs/"+id+"/cancel", "application/json", nil)
	resp.Body.Close()
	s.pollStatus(t, id, "cancelled", 5*time.Second)

	// A second cancel is a conflict, not a state change.
	resp, err := http.Post(s.url()+"/v1/runs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestRetryFlow(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.result = runner.Result{ExitCode: 2}
	})

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/smoke"}`)
	parentID := created["id"].(string)
	s.pollStatus(t, parentID, "failed", 5*time.Second)

	s.subprocess.set(func(p *stubProvider) {
		p.result = runner.Result{ExitCode: 0}
	})

	resp, err := http.Post(s.url()+"/v1/runs/"+parentID+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST retry: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("retry status = %d, want 201\nbody: %s", resp.StatusCode, b)
	}

	var child map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&child); err != nil {
		t.Fatalf("decode: %v", err)
	}
	childID := child["id"].(string)
	if childID == parentID {
		t.Fatal("retry reused the parent id")
	}
	if child["retry_of"] != parentID {
		t.Errorf("retry_of = %v, want %v", child["retry_of"], parentID)
	}
	if child["retry_count"] != float64(1) {
		t.Errorf("retry_count = %v, want 1", child["retry_count"])
	}

	s.pollStatus(t, childID, "passed", 5*time.Second)

	// The parent record is unchanged.
	parentResp, err := http.Get(s.url() + "/v1/runs/" + parentID)
	if err != nil {
		t.Fatalf("GET parent: %v", err)
	}
	defer parentResp.Body.Close()
	var parent map[string]any
	json.NewDecoder(parentResp.Body).Decode(&parent)
	if parent["status"] != "failed" {
		t.Errorf("parent status = %v, want failed", parent["status"])
	}
}

func TestContainerRunnerSelection(t *testing.T) {
	s := newStackServer(t)

	created := s.submitRun(t, `{"repository":"storefront","environment":"chrome","runner":"container","target":"tests/smoke"}`)
	id := created["id"].(string)
	if created["runner"] != "container" {
		t.Errorf("runner = %v, want container", created["runner"])
	}

	s.pollStatus(t, id, "passed", 5*time.Second)

	if s.container.calls.Load() != 1 {
		t.Errorf("container runner calls = %d, want 1", s.container.calls.Load())
	}
	if s.subprocess.calls.Load() != 0 {
		t.Errorf("subprocess runner calls = %d, want 0", s.subprocess.calls.Load())
	}
}

func TestSequentialExecution(t *testing.T) {
	s := newStackServer(t)
	s.subprocess.set(func(p *stubProvider) {
		p.delay = 150 * time.Millisecond
	})

	first := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/a"}`)
	second := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/b"}`)

	// While the first run executes the second stays pending.
	s.pollStatus(t, first["id"].(string), "running", 5*time.Second)
	resp, err := http.Get(s.url() + "/v1/runs/" + second["id"].(string))
	if err != nil {
		t.Fatalf("GET second: %v", err)
	}
	var queued map[string]any
	json.NewDecoder(resp.Body).Decode(&queued)
	resp.Body.Close()
	if queued["status"] != "pending" {
		t.Errorf("second run status = %v while first is running, want pending", queued["status"])
	}

	s.pollStatus(t, first["id"].(string), "passed", 5*time.Second)
	s.pollStatus(t, second["id"].(string), "passed", 5*time.Second)
}

func TestStatsReflectOutcomes(t *testing.T) {
	s := newStackServer(t)

	created := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/a"}`)
	s.pollStatus(t, created["id"].(string), "passed", 5*time.Second)

	s.subprocess.set(func(p *stubProvider) {
		p.result = runner.Result{ExitCode: 3}
	})
	failed := s.submitRun(t, `{"repository":"storefront","environment":"staging","target":"tests/b"}`)
	s.pollStatus(t, failed["id"].(string), "failed", 5*time.Second)

	resp, err := http.Get(s.url() + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["total"] != float64(2) {
		t.Errorf("total = %v, want 2", stats["total"])
	}
	byStatus, _ := stats["by_status"].(map[string]any)
	if byStatus["passed"] != float64(1) || byStatus["failed"] != float64(1) {
		t.Errorf("by_status = %v", byStatus)
	}
}
