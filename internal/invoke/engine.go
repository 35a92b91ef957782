package invoke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// EngineAPI is the part of the Docker Engine client used by Engine.
type EngineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Engine runs the program in a container through the Docker Engine API
// instead of the command line. The container contract is the same as
// DockerCLI; Request.Executable is ignored.
type Engine struct {
	api EngineAPI
}

func NewEngine(api EngineAPI) *Engine {
	return &Engine{api: api}
}

// NewEngineFromEnv connects to the daemon configured by DOCKER_HOST and
// friends.
func NewEngineFromEnv() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewEngine(cli), nil
}

func (e *Engine) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := req.validateMounts(); err != nil {
		return nil, err
	}
	if err := ensureOutDir(req); err != nil {
		return nil, err
	}

	name := InstanceName(req.Image, req.RunToken)
	m := req.Mapping()

	cfg := &container.Config{
		Image: req.Image,
		Cmd:   Sanitize(req.Args, m),
		Env:   []string{"SCRIPT=" + req.Script},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: m.HostReadOnly, Target: ReadOnlyMount, ReadOnly: true},
			{Type: mount.TypeBind, Source: m.HostOut, Target: OutMount},
		},
	}

	slog.DebugContext(ctx, "creating container", "name", name, "image", req.Image, "cmd", cfg.Cmd)
	created, err := e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create container", "name", name, "err", err)
		return launchFailure(req.Image, "create container "+name, err)
	}
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := e.api.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.WarnContext(ctx, "failed to remove container", "name", name, "err", err)
		}
	}()

	if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		slog.ErrorContext(ctx, "failed to start container", "name", name, "err", err)
		return launchFailure(req.Image, "start container "+name, err)
	}

	code, err := e.wait(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("wait for container %s: %w", name, err)
	}

	stdout, stderr, err := e.logs(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("read logs of container %s: %w", name, err)
	}

	slog.DebugContext(ctx, "finished running container", "name", name, "exit_code", code)
	return finish(ctx, req.Script, code, stdout, stderr), nil
}

func (e *Engine) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return 0, fmt.Errorf("%s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		return 0, err
	}
}

func (e *Engine) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}
