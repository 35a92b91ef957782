package invoke

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

const defaultDockerExecutable = "docker"

// DockerCLI runs the program through a Docker compatible command line
// (docker, podman). The container is removed when it exits.
type DockerCLI struct{}

func NewDockerCLI() *DockerCLI {
	return &DockerCLI{}
}

func (d *DockerCLI) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := req.validateMounts(); err != nil {
		return nil, err
	}
	if err := ensureOutDir(req); err != nil {
		return nil, err
	}

	exe := req.Executable
	if exe == "" {
		exe = defaultDockerExecutable
	}

	args := DockerRunArgs(req)
	slog.DebugContext(ctx, "docker command", "cmd", exe, "args", strings.Join(args, " "))

	slog.DebugContext(ctx, "start running container", "image", req.Image, "script", req.Script)
	code, stdout, stderr, err := runCommand(ctx, exe, args)
	if errors.Is(err, ErrLaunch) {
		slog.ErrorContext(ctx, "failed to start container", "image", req.Image, "err", err)
		return launchFailure(exe, "", err)
	}
	slog.DebugContext(ctx, "finished running container", "image", req.Image, "exit_code", code)
	return finish(ctx, req.Script, code, stdout, stderr), err
}

// DockerRunArgs builds the arguments following the executable:
//
//	run --rm --name <instance> -v <ro>:/readonly -v <out>:/out -e SCRIPT=<script> <image> <args...>
func DockerRunArgs(req *Request) []string {
	m := req.Mapping()
	args := []string{
		"run",
		"--rm",
		"--name", InstanceName(req.Image, req.RunToken),
		"-v", m.HostReadOnly + ":" + ReadOnlyMount,
		"-v", m.HostOut + ":" + OutMount,
		"-e", "SCRIPT=" + req.Script,
		req.Image,
	}
	return append(args, Sanitize(req.Args, m)...)
}
