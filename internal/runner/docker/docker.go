// Package docker executes test runs inside Docker containers.
//
// Each run gets a fresh container from the environment's image. The suite
// checkout is bind-mounted read-only at /suite and the run's output
// directory read-write at /results, so artifacts land on the host without a
// copy step. Container output is demultiplexed from the attached log stream
// and fed line by line to the run's subscribers.
//
// Unlike the subprocess substrate there is no inactivity watchdog here: the
// daemon owns the process tree, restarts do not orphan it, and limits on
// CPU and memory bound a wedged run until the total timeout fires.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/crucible-labs/crucible/internal/model"
	"github.com/crucible-labs/crucible/internal/runner"
)

var (
	_ runner.Provider = (*Provider)(nil)
	_ runner.Runner   = (*Runner)(nil)
)

// Provider creates container-backed runners. The Docker client is dialed on
// first use and shared by every runner the provider creates.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	cli dockerClient
}

// NewProvider returns a provider that connects to the daemon lazily, so a
// host without Docker can still serve subprocess runs.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: logger.With("component", "container-runner"),
	}
}

// Kind returns the runner kind this provider serves.
func (p *Provider) Kind() string {
	return model.RunnerContainer
}

// New creates a runner for one execution attempt.
func (p *Provider) New(spec runner.Spec) (runner.Runner, error) {
	if spec.SuiteDir == "" {
		return nil, fmt.Errorf("suite directory is required")
	}
	if spec.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	cli, err := p.client()
	if err != nil {
		return nil, err
	}

	img := spec.Image
	if img == "" {
		img = p.cfg.DefaultImage
	}

	return &Runner{
		cfg:    p.cfg,
		spec:   spec,
		cli:    cli,
		image:  img,
		logger: p.logger.With("run_id", spec.RunID),
		stopCh: make(chan struct{}),
	}, nil
}

// Close releases the Docker client if one was dialed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli == nil {
		return nil
	}
	err := p.cli.Close()
	p.cli = nil
	return err
}

func (p *Provider) client() (dockerClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli != nil {
		return p.cli, nil
	}
	cli, err := newClient()
	if err != nil {
		return nil, err
	}
	p.cli = cli
	return cli, nil
}

// Runner executes a single run in a container.
type Runner struct {
	cfg    Config
	spec   runner.Spec
	cli    dockerClient
	image  string
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu          sync.Mutex
	containerID string
	cleaned     bool
}

// Prepare pulls the run image. A failed pull is not fatal: locally built
// images are not in any registry, and the daemon may already hold a copy.
// Container creation surfaces a genuinely missing image.
func (r *Runner) Prepare(ctx context.Context) error {
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("image pull failed, relying on local copy", "image", r.image, "error", err)
		return nil
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull response: %w", err)
	}
	r.logger.Info("image ready", "image", r.image)
	return nil
}

// Execute creates, starts, and supervises the run container. The run is
// bounded by the spec's total timeout only.
func (r *Runner) Execute(ctx context.Context) runner.Result {
	start := time.Now()
	res := runner.Result{ExitCode: -1}

	id, err := r.createContainer(ctx)
	if err != nil {
		res.Err = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		res.Err = fmt.Sprintf("start container: %v", err)
		res.Duration = time.Since(start)
		return res
	}
	r.logger.Info("container started", "container_id", id, "image", r.image, "timeout", r.spec.Timeout)

	stdout := runner.NewBoundedBuffer(r.cfg.MaxStdoutBytes)
	stderr := runner.NewBoundedBuffer(r.cfg.MaxStderrBytes)
	demuxDone := r.streamLogs(ctx, id, stdout, stderr)

	waitCtx := ctx
	if r.spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.spec.Timeout)
		defer cancel()
	}

	statusCh, errCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			res.Err = status.Error.Message
		}
	case werr := <-errCh:
		if waitCtx.Err() != nil {
			r.finishInterrupted(ctx, id, &res)
			break
		}
		res.Err = fmt.Sprintf("wait for container: %v", werr)
		r.stopContainer(ctx, id)
	case <-waitCtx.Done():
		r.finishInterrupted(ctx, id, &res)
	case <-r.stopCh:
		res.Cancelled = true
		r.stopContainer(ctx, id)
	}

	// The daemon closes the log stream once the container is down; give it a
	// moment to deliver the tail before reading the buffers.
	select {
	case <-demuxDone:
	case <-time.After(2 * time.Second):
		r.logger.Warn("container log stream did not drain", "container_id", id)
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.Duration = time.Since(start)

	r.logger.Info("container run finished",
		"container_id", id,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"cancelled", res.Cancelled,
		"duration", res.Duration)
	return res
}

// Cancel asks the running container to stop. Safe to call more than once
// and before Execute.
func (r *Runner) Cancel() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Cleanup force-removes the run container. Safe to call more than once and
// without a prior Execute.
func (r *Runner) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	if r.cleaned {
		r.mu.Unlock()
		return nil
	}
	r.cleaned = true
	id := r.containerID
	r.mu.Unlock()

	if id == "" {
		return nil
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	rmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	r.logger.Info("container removed", "container_id", id)
	return nil
}

func (r *Runner) createContainer(ctx context.Context) (string, error) {
	target := containerSuiteDir
	if r.spec.Target != "" {
		target = path.Join(containerSuiteDir, r.spec.Target)
	}
	bin := r.cfg.RunnerBin
	if r.spec.Parallel {
		bin = r.cfg.ParallelBin
	}
	cmd := append([]string{bin}, runner.Args(r.spec, containerResultsDir, target)...)

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        cmd,
		Env:        containerEnv(r.spec.Variables),
		WorkingDir: containerSuiteDir,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{
			r.spec.SuiteDir + ":" + containerSuiteDir + ":ro",
			r.spec.OutputDir + ":" + containerResultsDir,
		},
		Resources: container.Resources{
			NanoCPUs:   int64(r.cfg.CPUs) * 1_000_000_000,
			Memory:     r.cfg.MemoryMB * 1024 * 1024,
			MemorySwap: r.cfg.MemoryMB * 1024 * 1024,
		},
	}

	name := "crucible-" + strings.ToLower(r.spec.RunID)
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	r.mu.Lock()
	r.containerID = resp.ID
	r.mu.Unlock()

	r.logger.Info("container created", "container_id", resp.ID, "name", name)
	return resp.ID, nil
}

// streamLogs attaches to the container's log stream and demultiplexes it
// into the stdout and stderr buffers, feeding complete stdout lines to the
// spec's line callback. The returned channel closes when the stream ends.
func (r *Runner) streamLogs(ctx context.Context, id string, stdout, stderr *runner.BoundedBuffer) <-chan struct{} {
	done := make(chan struct{})

	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Warn("attach container logs", "container_id", id, "error", err)
		close(done)
		return done
	}

	lw := runner.NewLineWriter(func(line string) {
		stdout.Write([]byte(line + "\n"))
		if r.spec.OnLine != nil {
			r.spec.OnLine(line)
		}
	})

	go func() {
		defer close(done)
		defer logs.Close()
		if _, err := stdcopy.StdCopy(lw, stderr, logs); err != nil && ctx.Err() == nil {
			r.logger.Warn("read container logs", "container_id", id, "error", err)
		}
		lw.Close()
	}()
	return done
}

// finishInterrupted records why the wait context ended before the container
// did, then stops the container. A dead parent context means the caller
// cancelled; otherwise the run deadline expired.
func (r *Runner) finishInterrupted(ctx context.Context, id string, res *runner.Result) {
	if ctx.Err() != nil {
		res.Cancelled = true
	} else {
		res.TimedOut = true
		res.Err = fmt.Sprintf("Timeout after %d seconds", int(r.spec.Timeout.Seconds()))
	}
	r.stopContainer(ctx, id)
}

// stopContainer stops the container with the configured grace period. The
// daemon escalates to SIGKILL on its own when the grace expires.
func (r *Runner) stopContainer(ctx context.Context, id string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopGrace+5*time.Second)
	defer cancel()

	grace := int(r.cfg.StopGrace.Seconds())
	if err := r.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &grace}); err != nil {
		r.logger.Warn("stop container", "container_id", id, "error", err)
	}
}

func containerEnv(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}
