package model

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Run kind constants. Scheduled runs are accepted and recorded; the
// periodic trigger itself lives upstream.
const (
	KindSingle    = "single"
	KindFolder    = "folder"
	KindBatch     = "batch"
	KindScheduled = "scheduled"
)

// Runner kind constants, naming the execution substrate.
const (
	RunnerSubprocess = "subprocess"
	RunnerContainer  = "container"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusError:     true,
	},
	StatusRunning: {
		StatusPassed:    true,
		StatusFailed:    true,
		StatusError:     true,
		StatusCancelled: true,
		StatusTimeout:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is final. Terminal runs never change again.
func Terminal(status string) bool {
	switch status {
	case StatusPassed, StatusFailed, StatusError, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Retryable reports whether a run in this status may be retried.
// Only unsuccessful terminal outcomes qualify.
func Retryable(status string) bool {
	switch status {
	case StatusFailed, StatusError, StatusTimeout:
		return true
	}
	return false
}

// ValidKind reports whether kind names a known run kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindSingle, KindFolder, KindBatch, KindScheduled:
		return true
	}
	return false
}

// ValidRunner reports whether name names a known execution substrate.
func ValidRunner(name string) bool {
	switch name {
	case RunnerSubprocess, RunnerContainer:
		return true
	}
	return false
}

// TransitionError reports a rejected state-machine request, either a direct
// status update or a lifecycle operation (cancel, retry) whose precondition
// the run's current status does not satisfy.
type TransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for run %s: %s -> %s", e.RunID, e.From, e.To)
}

// NewID generates a new ULID string for use as a run identifier.
// ULIDs sort by creation time, so listing by id yields submission order.
func NewID() string {
	return ulid.Make().String()
}

// Run represents one execution of a test target, from submission to a
// single terminal status. Retries are new runs linked via RetryOf.
type Run struct {
	ID          string            `json:"id"`
	Repository  string            `json:"repository"`
	Environment string            `json:"environment"`
	Kind        string            `json:"kind"`
	Runner      string            `json:"runner"`
	Status      string            `json:"status"`
	Target      string            `json:"target"`
	Branch      string            `json:"branch,omitempty"`
	IncludeTags []string          `json:"include_tags,omitempty"`
	ExcludeTags []string          `json:"exclude_tags,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Parallel    bool              `json:"parallel,omitempty"`
	TimeoutS    int               `json:"timeout_s"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	RetryOf     string            `json:"retry_of,omitempty"`
	JobID       string            `json:"job_id,omitempty"`
	OutputDir   string            `json:"output_dir,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	Error       string            `json:"error,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	DurationMS  *int64            `json:"duration_ms,omitempty"`
}

// RetryRequest builds the pending run that retries r. The new run copies the
// request fields, increments the retry counter and links back to r.
func (r *Run) RetryRequest() *Run {
	return &Run{
		ID:          NewID(),
		Repository:  r.Repository,
		Environment: r.Environment,
		Kind:        r.Kind,
		Runner:      r.Runner,
		Status:      StatusPending,
		Target:      r.Target,
		Branch:      r.Branch,
		IncludeTags: append([]string(nil), r.IncludeTags...),
		ExcludeTags: append([]string(nil), r.ExcludeTags...),
		Variables:   cloneVariables(r.Variables),
		Parallel:    r.Parallel,
		TimeoutS:    r.TimeoutS,
		RetryCount:  r.RetryCount + 1,
		MaxRetries:  r.MaxRetries,
		RetryOf:     r.ID,
		TriggeredBy: r.TriggeredBy,
		CreatedAt:   time.Now().UTC(),
	}
}

func cloneVariables(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
