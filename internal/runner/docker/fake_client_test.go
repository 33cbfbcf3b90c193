package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

type containerCreateCall struct {
	id     string
	name   string
	config *container.Config
	host   *container.HostConfig
}

type waitCall struct {
	status *container.WaitResponse
	err    error
	block  bool
}

// fakeDockerClient implements dockerClient in memory. Wait behavior is
// sequence-driven per container; an unset sequence blocks, which is how the
// timeout and cancel paths are exercised.
type fakeDockerClient struct {
	mu     sync.Mutex
	nextID int

	pullErr error
	pulls   []string

	createErr error
	creates   []containerCreateCall

	startErr map[string]error

	waitCalls map[string][]waitCall

	logs map[string][]byte

	stopCalls []string

	removeErr   error
	removeCalls []string

	closed bool
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		startErr:  make(map[string]error),
		waitCalls: make(map[string][]waitCall),
		logs:      make(map[string][]byte),
	}
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulls = append(f.pulls, refStr)
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"Pull complete"}`))), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.creates = append(f.creates, containerCreateCall{id: id, name: containerName, config: config, host: hostConfig})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr[containerID]
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	f.mu.Lock()
	calls := f.waitCalls[containerID]
	if len(calls) > 0 {
		call := calls[0]
		f.waitCalls[containerID] = calls[1:]
		f.mu.Unlock()

		if call.block {
			return statusCh, errCh
		}
		if call.status != nil {
			statusCh <- *call.status
		}
		if call.err != nil {
			errCh <- call.err
		}
		return statusCh, errCh
	}
	f.mu.Unlock()

	return statusCh, errCh
}

func (f *fakeDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	data := f.logs[containerID]
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, containerID)
	return nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removeCalls = append(f.removeCalls, containerID)
	return nil
}

func (f *fakeDockerClient) setWaitSequence(containerID string, calls ...waitCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls[containerID] = append([]waitCall{}, calls...)
}

// setLogs stores a multiplexed log stream for a container, encoded the way
// the daemon encodes non-TTY output.
func (f *fakeDockerClient) setLogs(containerID string, stdout, stderr string) {
	var buf bytes.Buffer
	if stdout != "" {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
		_, _ = w.Write([]byte(stdout))
	}
	if stderr != "" {
		w := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
		_, _ = w.Write([]byte(stderr))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[containerID] = buf.Bytes()
}

func (f *fakeDockerClient) createCall(i int) (containerCreateCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.creates) {
		return containerCreateCall{}, false
	}
	return f.creates[i], true
}

func (f *fakeDockerClient) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.stopCalls...)
}

func (f *fakeDockerClient) removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.removeCalls...)
}

func (f *fakeDockerClient) pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.pulls...)
}

func exitStatus(code int64) waitCall {
	return waitCall{status: &container.WaitResponse{StatusCode: code}}
}
