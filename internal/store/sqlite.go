package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crucible-labs/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTableSQLite = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    repository   TEXT NOT NULL,
    environment  TEXT NOT NULL,
    kind         TEXT NOT NULL,
    runner       TEXT NOT NULL,
    status       TEXT NOT NULL,
    target       TEXT NOT NULL,
    branch       TEXT NOT NULL DEFAULT '',
    include_tags TEXT NOT NULL DEFAULT '',
    exclude_tags TEXT NOT NULL DEFAULT '',
    variables    TEXT NOT NULL DEFAULT '',
    parallel     INTEGER NOT NULL DEFAULT 0,
    timeout_s    INTEGER NOT NULL,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    max_retries  INTEGER NOT NULL DEFAULT 0,
    retry_of     TEXT NOT NULL DEFAULT '',
    job_id       TEXT NOT NULL DEFAULT '',
    output_dir   TEXT NOT NULL DEFAULT '',
    triggered_by TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    exit_code    INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME,
    duration_ms  INTEGER
)`

const runColumns = `id, repository, environment, kind, runner, status, target, branch,
	include_tags, exclude_tags, variables, parallel, timeout_s, retry_count,
	max_retries, retry_of, job_id, output_dir, triggered_by, error, exit_code,
	created_at, started_at, finished_at, duration_ms`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRunsTableSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	includeTags, err := encodeStrings(r.IncludeTags)
	if err != nil {
		return fmt.Errorf("encode include tags: %w", err)
	}
	excludeTags, err := encodeStrings(r.ExcludeTags)
	if err != nil {
		return fmt.Errorf("encode exclude tags: %w", err)
	}
	variables, err := encodeVariables(r.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, repository, environment, kind, runner, status, target, branch,
			include_tags, exclude_tags, variables, parallel, timeout_s, retry_count,
			max_retries, retry_of, job_id, output_dir, triggered_by, error, exit_code,
			created_at, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Repository, r.Environment, r.Kind, r.Runner, r.Status, r.Target, r.Branch,
		includeTags, excludeTags, variables, r.Parallel, r.TimeoutS, r.RetryCount,
		r.MaxRetries, r.RetryOf, r.JobID, r.OutputDir, r.TriggeredBy, capError(r.Error), r.ExitCode,
		r.CreatedAt, r.StartedAt, r.FinishedAt, r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first, narrowed by the filter.
func (s *SQLiteStore) ListRuns(ctx context.Context, f ListFilter) ([]*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Runner != "" {
		conds = append(conds, "runner = ?")
		args = append(args, f.Runner)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus transitions a run to a non-terminal status. The current
// status is read and validated inside a transaction so concurrent writers
// cannot race a run out of the transition table.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) (*model.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := currentStatusSQLite(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !model.ValidTransition(current, status) {
		return nil, &model.TransitionError{RunID: id, From: current, To: status}
	}

	if status == model.StatusRunning {
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?",
			status, time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("reload run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

// FinishRun transitions a run to a terminal status, recording error, exit
// code, finished_at and duration. A run already terminal stays untouched and
// the call fails with *model.TransitionError, so finished_at is written
// exactly once per run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status, errMsg string, exitCode *int) (*model.Run, error) {
	if !model.Terminal(status) {
		return nil, fmt.Errorf("finish run: %q is not a terminal status", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := currentStatusSQLite(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !model.ValidTransition(current, status) {
		return nil, &model.TransitionError{RunID: id, From: current, To: status}
	}

	var startedAt sql.NullTime
	if err := tx.QueryRowContext(ctx, "SELECT started_at FROM runs WHERE id = ?", id).Scan(&startedAt); err != nil {
		return nil, fmt.Errorf("read started_at: %w", err)
	}
	now := time.Now().UTC()
	var durationMS *int64
	if startedAt.Valid {
		d := now.Sub(startedAt.Time).Milliseconds()
		durationMS = &d
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, exit_code = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		status, capError(errMsg), exitCode, now, durationMS, id)
	if err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("reload run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

// SetRunJobID records the dispatcher handle assigned to a run.
func (s *SQLiteStore) SetRunJobID(ctx context.Context, id, jobID string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runs SET job_id = ? WHERE id = ?", jobID, id)
	if err != nil {
		return fmt.Errorf("set job id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats returns aggregate counts and the average duration of finished runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByRunner: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	runnerRows, err := s.db.QueryContext(ctx, "SELECT runner, COUNT(*) FROM runs GROUP BY runner")
	if err != nil {
		return nil, fmt.Errorf("count by runner: %w", err)
	}
	defer runnerRows.Close()
	for runnerRows.Next() {
		var runner string
		var count int
		if err := runnerRows.Scan(&runner, &count); err != nil {
			return nil, fmt.Errorf("scan runner count: %w", err)
		}
		stats.CountByRunner[runner] = count
	}
	if err := runnerRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runner counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

func currentStatusSQLite(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read run status: %w", err)
	}
	return status, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var includeTags, excludeTags, variables string
	err := row.Scan(
		&r.ID, &r.Repository, &r.Environment, &r.Kind, &r.Runner, &r.Status, &r.Target, &r.Branch,
		&includeTags, &excludeTags, &variables, &r.Parallel, &r.TimeoutS, &r.RetryCount,
		&r.MaxRetries, &r.RetryOf, &r.JobID, &r.OutputDir, &r.TriggeredBy, &r.Error, &r.ExitCode,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.DurationMS,
	)
	if err != nil {
		return nil, err
	}
	if r.IncludeTags, err = decodeStrings(includeTags); err != nil {
		return nil, fmt.Errorf("decode include tags: %w", err)
	}
	if r.ExcludeTags, err = decodeStrings(excludeTags); err != nil {
		return nil, fmt.Errorf("decode exclude tags: %w", err)
	}
	if r.Variables, err = decodeVariables(variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return r, nil
}

func encodeStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeVariables(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeVariables(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
