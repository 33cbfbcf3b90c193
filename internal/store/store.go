package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/crucible-labs/crucible/internal/model"
)

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// maxErrorLen caps the persisted error message. Runner output can be huge;
// the full text lives in the run's log files, not the database.
const maxErrorLen = 4096

// Driver name constants accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ListFilter narrows ListRuns. Zero values mean no constraint.
type ListFilter struct {
	Status string
	Runner string
	Limit  int
}

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByRunner map[string]int `json:"count_by_runner"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs. Implementations guard
// every status change with the model transition table: an update that the
// table forbids fails with *model.TransitionError and leaves the row
// untouched, so a run can never leave a terminal status and finished_at is
// written exactly once.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f ListFilter) ([]*model.Run, error)
	// UpdateRunStatus transitions a run to a non-terminal status, stamping
	// started_at when it enters running.
	UpdateRunStatus(ctx context.Context, id, status string) (*model.Run, error)
	// FinishRun transitions a run to a terminal status, recording the error
	// message (capped), the exit code when one exists, finished_at and the
	// total duration.
	FinishRun(ctx context.Context, id, status, errMsg string, exitCode *int) (*model.Run, error)
	SetRunJobID(ctx context.Context, id, jobID string) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}

// Open constructs a Store for the given driver. dsn is a file path for
// sqlite and a connection URL for postgres.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func capError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
