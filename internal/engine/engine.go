package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crucible-labs/crucible/internal/catalog"
	"github.com/crucible-labs/crucible/internal/classify"
	"github.com/crucible-labs/crucible/internal/dispatch"
	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/notify"
	"github.com/crucible-labs/crucible/internal/runner"
	"github.com/crucible-labs/crucible/internal/store"
)

// DefaultTimeoutS is the run timeout in seconds when the request names none.
const DefaultTimeoutS = 3600

// DefaultMaxRetries bounds the retry chain when the request names no budget.
const DefaultMaxRetries = 3

// Output log file names written into each run's output directory.
const (
	StdoutLogFile = "stdout.log"
	StderrLogFile = "stderr.log"
)

// ErrInvalidRequest wraps submission validation failures.
var ErrInvalidRequest = errors.New("invalid run request")

// ErrRetriesExhausted is returned by Retry when the run's retry budget is
// spent.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// notifyTimeout bounds each delivery to the notification sink.
const notifyTimeout = 5 * time.Second

// Engine orchestrates asynchronous run execution.
type Engine struct {
	store      store.Store
	catalog    *catalog.Catalog
	registry   *runner.Registry
	notifier   notify.Notifier
	logger     *slog.Logger
	broker     *LogBroker
	dispatcher *dispatch.Dispatcher
	outputBase string
	wg         sync.WaitGroup

	mu     sync.Mutex
	tokens map[string]*runToken
}

// Options configures a new Engine.
type Options struct {
	Store      store.Store
	Catalog    *catalog.Catalog
	Registry   *runner.Registry
	Notifier   notify.Notifier
	Logger     *slog.Logger
	OutputBase string
	QueueSize  int
}

// New creates an execution engine. Start must be called before submitted
// runs execute.
func New(opts Options) *Engine {
	base := opts.OutputBase
	if base == "" {
		base = filepath.Join(os.TempDir(), "crucible-runs")
	}

	e := &Engine{
		store:      opts.Store,
		catalog:    opts.Catalog,
		registry:   opts.Registry,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		broker:     NewLogBroker(),
		outputBase: base,
		tokens:     make(map[string]*runToken),
	}
	e.dispatcher = dispatch.New(opts.QueueSize, opts.Logger, e.handleJob)
	e.dispatcher.SetRejectHandler(e.rejectJob)
	return e
}

// Start launches the dispatch worker.
func (e *Engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
}

// Stop shuts down the dispatcher: the in-flight run finishes, queued runs
// are finished as cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	return e.dispatcher.Stop(ctx)
}

// Wait blocks until in-flight run goroutine work completes.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// QueueDepth reports the number of queued, not yet started runs.
func (e *Engine) QueueDepth() int {
	return e.dispatcher.Depth()
}

// Kinds lists the registered runner substrates.
func (e *Engine) Kinds() []string {
	return e.registry.Kinds()
}

// SubmitRequest carries a run submission.
type SubmitRequest struct {
	Repository  string
	Environment string
	Kind        string
	Runner      string
	Target      string
	Branch      string
	IncludeTags []string
	ExcludeTags []string
	Variables   map[string]string
	Parallel    bool
	TimeoutS    int
	MaxRetries  int
	TriggeredBy string
}

// Submit validates the request, persists a pending run and enqueues it.
// The returned record is still pending; the dispatch worker flips it to
// running when its turn comes. If the queue rejects the job the record is
// finished as error synchronously and the dispatch error is returned.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Run, error) {
	run, err := e.buildRun(req)
	if err != nil {
		return nil, err
	}
	return e.enqueue(ctx, run)
}

// Get returns one run record.
func (e *Engine) Get(ctx context.Context, id string) (*model.Run, error) {
	return e.store.GetRun(ctx, id)
}

// List returns run records matching the filter, newest first.
func (e *Engine) List(ctx context.Context, f store.ListFilter) ([]*model.Run, error) {
	return e.store.ListRuns(ctx, f)
}

// Stats returns aggregate run statistics.
func (e *Engine) Stats(ctx context.Context) (*store.RunStats, error) {
	return e.store.GetRunStats(ctx)
}

// Cancel requests cancellation of a run. A pending run finishes as
// cancelled immediately and the worker will skip it. A running run has its
// live runner interrupted; the worker's result path records the terminal
// status. Terminal runs yield a *model.TransitionError.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.Terminal(run.Status) {
		return nil, &model.TransitionError{RunID: id, From: run.Status, To: model.StatusCancelled}
	}

	token := e.token(id)
	if token != nil {
		token.markCancelled()
	}

	if run.Status == model.StatusRunning && token != nil {
		// The live runner was interrupted; the worker records the outcome.
		e.logger.Info("cancellation requested for running run", "run_id", id)
		return e.store.GetRun(ctx, id)
	}

	// Pending, or a stale running record with no live runner in this
	// process. Finish it here; the transition guard arbitrates any race
	// with the worker.
	updated, err := e.store.FinishRun(ctx, id, model.StatusCancelled, "", nil)
	if err != nil {
		return nil, err
	}
	runsTotal.WithLabelValues(updated.Runner, model.StatusCancelled).Inc()
	e.broker.Close(id)
	e.notifyChange(updated, run.Status, nil)
	e.logger.Info("run cancelled before execution", "run_id", id)
	return updated, nil
}

// Retry creates and enqueues a new pending run that repeats a finished,
// unsuccessful one. The parent record is never mutated. Runs whose status
// is not retryable yield a *model.TransitionError; an exhausted retry
// budget yields ErrRetriesExhausted.
func (e *Engine) Retry(ctx context.Context, id string) (*model.Run, error) {
	parent, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.Retryable(parent.Status) {
		return nil, &model.TransitionError{RunID: id, From: parent.Status, To: model.StatusPending}
	}
	if parent.RetryCount >= parent.MaxRetries {
		return nil, fmt.Errorf("%w: run %s already used %d of %d retries",
			ErrRetriesExhausted, parent.ID, parent.RetryCount, parent.MaxRetries)
	}

	child := parent.RetryRequest()
	child.OutputDir = filepath.Join(e.outputBase, child.ID)

	e.logger.Info("retrying run", "run_id", parent.ID, "retry_run_id", child.ID, "retry_count", child.RetryCount)
	return e.enqueue(ctx, child)
}

func (e *Engine) buildRun(req SubmitRequest) (*model.Run, error) {
	if req.Repository == "" {
		return nil, fmt.Errorf("%w: repository is required", ErrInvalidRequest)
	}
	if req.Environment == "" {
		return nil, fmt.Errorf("%w: environment is required", ErrInvalidRequest)
	}
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}

	kind := req.Kind
	if kind == "" {
		kind = model.KindSingle
	}
	if !model.ValidKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}

	runnerKind := req.Runner
	if runnerKind == "" {
		runnerKind = model.RunnerSubprocess
	}
	if !model.ValidRunner(runnerKind) {
		return nil, fmt.Errorf("%w: unknown runner %q", ErrInvalidRequest, req.Runner)
	}

	timeoutS := req.TimeoutS
	if timeoutS <= 0 {
		timeoutS = DefaultTimeoutS
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	id := model.NewID()
	return &model.Run{
		ID:          id,
		Repository:  req.Repository,
		Environment: req.Environment,
		Kind:        kind,
		Runner:      runnerKind,
		Status:      model.StatusPending,
		Target:      req.Target,
		Branch:      req.Branch,
		IncludeTags: append([]string(nil), req.IncludeTags...),
		ExcludeTags: append([]string(nil), req.ExcludeTags...),
		Variables:   maps.Clone(req.Variables),
		Parallel:    req.Parallel,
		TimeoutS:    timeoutS,
		MaxRetries:  maxRetries,
		TriggeredBy: req.TriggeredBy,
		OutputDir:   filepath.Join(e.outputBase, id),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// enqueue persists the pending run and hands it to the dispatcher.
func (e *Engine) enqueue(ctx context.Context, run *model.Run) (*model.Run, error) {
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.track(run.ID)

	jobID, err := e.dispatcher.Submit(run.ID)
	if err != nil {
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if finished, ferr := e.store.FinishRun(ctx, run.ID, model.StatusError, msg, nil); ferr != nil {
			e.logger.Error("finish undispatched run", "run_id", run.ID, "error", ferr)
		} else {
			runsTotal.WithLabelValues(finished.Runner, model.StatusError).Inc()
			e.notifyChange(finished, model.StatusPending, nil)
		}
		e.untrack(run.ID)
		e.broker.Close(run.ID)
		return nil, fmt.Errorf("dispatch run: %w", err)
	}

	if err := e.store.SetRunJobID(ctx, run.ID, jobID); err != nil {
		e.logger.Error("record job id", "run_id", run.ID, "job_id", jobID, "error", err)
	}
	run.JobID = jobID
	queueDepth.Set(float64(e.dispatcher.Depth()))

	e.notifyChange(run, "", nil)
	e.logger.Info("run submitted",
		"run_id", run.ID,
		"job_id", jobID,
		"repository", run.Repository,
		"environment", run.Environment,
		"runner", run.Runner,
		"target", run.Target)
	return run, nil
}

func (e *Engine) handleJob(ctx context.Context, job dispatch.Job) {
	e.wg.Add(1)
	defer e.wg.Done()
	queueDepth.Set(float64(e.dispatcher.Depth()))
	e.executeRun(ctx, job.RunID)
}

// rejectJob finishes runs still queued at shutdown so no record is left
// pending forever.
func (e *Engine) rejectJob(job dispatch.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finished, err := e.store.FinishRun(ctx, job.RunID, model.StatusCancelled, "server shut down before the run started", nil)
	if err != nil {
		var terr *model.TransitionError
		if !errors.As(err, &terr) {
			e.logger.Error("finish rejected run", "run_id", job.RunID, "error", err)
		}
	} else {
		runsTotal.WithLabelValues(finished.Runner, model.StatusCancelled).Inc()
		e.notifyChange(finished, model.StatusPending, nil)
	}
	e.untrack(job.RunID)
	e.broker.Close(job.RunID)
}

// executeRun is the dispatch worker's handler for one run.
func (e *Engine) executeRun(ctx context.Context, runID string) {
	logger := e.logger.With("run_id", runID)
	defer e.broker.Close(runID)
	defer e.untrack(runID)

	token := e.token(runID)
	if token != nil && token.isCancelled() {
		// Cancel already finished the record while it was queued.
		logger.Info("skipping cancelled run")
		return
	}

	run, err := e.store.UpdateRunStatus(context.Background(), runID, model.StatusRunning)
	if err != nil {
		var terr *model.TransitionError
		if errors.As(err, &terr) {
			logger.Info("run finished before execution started", "status", terr.From)
		} else {
			logger.Error("transition to running", "error", err)
		}
		return
	}
	e.notifyChange(run, model.StatusPending, nil)
	activeRuns.Inc()
	defer activeRuns.Dec()

	start := time.Now()

	repo, err := e.catalog.Repository(run.Repository)
	if err != nil {
		e.finishExecution(run, model.StatusError, fmt.Sprintf("resolve repository %q: %v", run.Repository, err), nil, start)
		return
	}
	env, err := e.catalog.Environment(run.Environment)
	if err != nil {
		e.finishExecution(run, model.StatusError, fmt.Sprintf("resolve environment %q: %v", run.Environment, err), nil, start)
		return
	}

	if err := os.MkdirAll(run.OutputDir, 0o755); err != nil {
		e.finishExecution(run, model.StatusError, fmt.Sprintf("create output directory: %v", err), nil, start)
		return
	}

	provider, err := e.registry.Resolve(run.Runner)
	if err != nil {
		e.finishExecution(run, model.StatusError, fmt.Sprintf("resolve runner: %v", err), nil, start)
		return
	}

	spec := runner.Spec{
		RunID:       run.ID,
		SuiteDir:    repo.Path,
		Target:      run.Target,
		OutputDir:   run.OutputDir,
		IncludeTags: run.IncludeTags,
		ExcludeTags: run.ExcludeTags,
		Variables:   env.MergeVariables(run.Variables),
		Parallel:    run.Parallel,
		Timeout:     time.Duration(run.TimeoutS) * time.Second,
		Interpreter: env.Interpreter,
		Image:       env.Image,
		OnLine: func(line string) {
			e.broker.Publish(run.ID, line)
		},
	}

	rn, err := provider.New(spec)
	if err != nil {
		e.finishExecution(run, model.StatusError, fmt.Sprintf("create runner: %v", err), nil, start)
		return
	}
	if token != nil {
		token.setActive(rn)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := rn.Cleanup(cleanupCtx); err != nil {
			logger.Error("runner cleanup", "error", err)
		}
	}()

	if err := rn.Prepare(ctx); err != nil {
		e.finishExecution(run, model.StatusError, fmt.Sprintf("prepare runner: %v", err), nil, start)
		return
	}

	logger.Info("run started",
		"runner", run.Runner,
		"repository", run.Repository,
		"target", run.Target,
		"timeout_s", run.TimeoutS)

	result := rn.Execute(ctx)

	e.writeOutputLogs(run, result, logger)

	status, errMsg := verdict(result)
	if errMsg != "" && status != model.StatusCancelled {
		output := string(result.Stdout) + "\n" + string(result.Stderr)
		errMsg = classify.Classify(errMsg, output, run.Runner == model.RunnerContainer)
	}

	e.finishExecution(run, status, errMsg, resultExitCode(result), start)
}

// finishExecution records a terminal status reached from running.
func (e *Engine) finishExecution(run *model.Run, status, errMsg string, exitCode *int, start time.Time) {
	updated, err := e.store.FinishRun(context.Background(), run.ID, status, errMsg, exitCode)
	if err != nil {
		var terr *model.TransitionError
		if errors.As(err, &terr) {
			// Lost the race against an explicit cancel; that outcome stands.
			e.logger.Info("run already finished", "run_id", run.ID, "status", terr.From)
		} else {
			e.logger.Error("finish run", "run_id", run.ID, "status", status, "error", err)
		}
		return
	}

	runsTotal.WithLabelValues(updated.Runner, status).Inc()
	runDuration.WithLabelValues(updated.Runner).Observe(time.Since(start).Seconds())
	e.notifyChange(updated, model.StatusRunning, e.artifacts(updated))

	e.logger.Info("run finished",
		"run_id", updated.ID,
		"status", status,
		"error", errMsg,
		"duration", time.Since(start))
}

// verdict maps a runner result to the terminal status and error message.
func verdict(res runner.Result) (string, string) {
	switch {
	case res.Cancelled:
		return model.StatusCancelled, ""
	case res.TimedOut:
		return model.StatusTimeout, res.Err
	case res.Err != "":
		return model.StatusError, res.Err
	case res.ExitCode == 0:
		return model.StatusPassed, ""
	default:
		return model.StatusFailed, fmt.Sprintf("test runner exited with code %d", res.ExitCode)
	}
}

// resultExitCode returns the exit code to persist. Negative codes mean the
// process never exited on its own; nothing is recorded for those.
func resultExitCode(res runner.Result) *int {
	if res.ExitCode < 0 {
		return nil
	}
	code := res.ExitCode
	return &code
}

// writeOutputLogs stores the captured runner output alongside the result
// artifacts in the run's output directory.
func (e *Engine) writeOutputLogs(run *model.Run, res runner.Result, logger *slog.Logger) {
	if len(res.Stdout) > 0 {
		p := filepath.Join(run.OutputDir, StdoutLogFile)
		if err := os.WriteFile(p, res.Stdout, 0o644); err != nil {
			logger.Error("write stdout log", "path", p, "error", err)
		}
	}
	if len(res.Stderr) > 0 {
		p := filepath.Join(run.OutputDir, StderrLogFile)
		if err := os.WriteFile(p, res.Stderr, 0o644); err != nil {
			logger.Error("write stderr log", "path", p, "error", err)
		}
	}
}

// artifacts lists the result files a finished run left in its output
// directory.
func (e *Engine) artifacts(run *model.Run) []string {
	if run.OutputDir == "" {
		return nil
	}
	var paths []string
	for _, name := range []string{runner.ResultFile, runner.LogFile, runner.ReportFile, StdoutLogFile, StderrLogFile} {
		p := filepath.Join(run.OutputDir, name)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

func (e *Engine) notifyChange(run *model.Run, from string, artifacts []string) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(ctx, notify.StatusChanged(run, from, artifacts)); err != nil {
		e.logger.Error("notify status change", "run_id", run.ID, "status", run.Status, "error", err)
	}
}

// runToken carries the cancellation state for one tracked run. It bridges
// the gap between Cancel, which may arrive at any moment, and the worker,
// which only has a live runner to interrupt part of the time.
type runToken struct {
	mu        sync.Mutex
	cancelled bool
	active    runner.Runner
}

func (t *runToken) markCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.active != nil {
		t.active.Cancel()
	}
}

func (t *runToken) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// setActive registers the live runner. A token cancelled while the runner
// was being built interrupts it immediately.
func (t *runToken) setActive(r runner.Runner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = r
	if t.cancelled {
		r.Cancel()
	}
}

func (e *Engine) track(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[runID] = &runToken{}
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tokens, runID)
}

func (e *Engine) token(runID string) *runToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens[runID]
}
