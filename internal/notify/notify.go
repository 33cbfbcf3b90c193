// Package notify delivers run lifecycle events to external sinks. Delivery
// is best effort: a sink failure is logged by the caller and never affects
// the run's stored outcome.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/crucible-labs/crucible/internal/model"
)

// EventStatusChanged is the type carried by every lifecycle event.
const EventStatusChanged = "run.status-changed"

// Event describes one run status transition. Terminal events additionally
// carry the result artifact paths so downstream consumers can parse them
// without asking the API.
type Event struct {
	Type        string    `json:"type"`
	RunID       string    `json:"run_id"`
	From        string    `json:"from,omitempty"`
	Status      string    `json:"status"`
	Runner      string    `json:"runner"`
	Repository  string    `json:"repository"`
	Environment string    `json:"environment"`
	RetryCount  int       `json:"retry_count"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMS  *int64    `json:"duration_ms,omitempty"`
	OutputDir   string    `json:"output_dir,omitempty"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier receives lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// StatusChanged builds the event for a run that just moved from the given
// prior status. artifacts lists result files that exist on disk; pass nil
// for non-terminal transitions.
func StatusChanged(run *model.Run, from string, artifacts []string) Event {
	return Event{
		Type:        EventStatusChanged,
		RunID:       run.ID,
		From:        from,
		Status:      run.Status,
		Runner:      run.Runner,
		Repository:  run.Repository,
		Environment: run.Environment,
		RetryCount:  run.RetryCount,
		ExitCode:    run.ExitCode,
		Error:       run.Error,
		DurationMS:  run.DurationMS,
		OutputDir:   run.OutputDir,
		Artifacts:   artifacts,
		TriggeredBy: run.TriggeredBy,
		Timestamp:   time.Now().UTC(),
	}
}

var _ Notifier = (*Log)(nil)

// Log is the fallback sink used when no broker is configured. It writes
// lifecycle events to the structured log.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a log-backed notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "notifier")}
}

// Notify logs the event.
func (l *Log) Notify(_ context.Context, ev Event) error {
	attrs := []any{
		"run_id", ev.RunID,
		"from", ev.From,
		"status", ev.Status,
		"runner", ev.Runner,
		"repository", ev.Repository,
		"environment", ev.Environment,
		"retry_count", ev.RetryCount,
	}
	if ev.ExitCode != nil {
		attrs = append(attrs, "exit_code", *ev.ExitCode)
	}
	if ev.DurationMS != nil {
		attrs = append(attrs, "duration_ms", *ev.DurationMS)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	if len(ev.Artifacts) > 0 {
		attrs = append(attrs, "artifacts", ev.Artifacts)
	}
	l.logger.Info("run status changed", attrs...)
	return nil
}

// Close implements Notifier.
func (l *Log) Close() error {
	return nil
}
