package invoke

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeEngine struct {
	createErr error
	startErr  error
	exitCode  int64
	stdout    string
	stderr    string

	name    string
	config  *container.Config
	host    *container.HostConfig
	removed bool
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.name, f.config, f.host = name, cfg, host
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeEngine) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	st := make(chan container.WaitResponse, 1)
	st <- container.WaitResponse{StatusCode: f.exitCode}
	return st, make(chan error)
}

func (f *fakeEngine) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.removed = true
	return nil
}

func TestEngine_Success(t *testing.T) {
	fe := &fakeEngine{stdout: "done\n"}
	req := newRequest(t, "")

	res, err := NewEngine(fe).Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.UserMessage != NoError || res.Stdout != "done\n" {
		t.Errorf("result = %+v", res)
	}
	if fe.name != "heat_3f1c" {
		t.Errorf("container name = %q", fe.name)
	}
	if !slices.Equal(fe.config.Env, []string{"SCRIPT=run_heat2.R"}) {
		t.Errorf("env = %q", fe.config.Env)
	}
	wantCmd := []string{"/readonly/2011-2016/AssessmentUnits.shp", "null", "true"}
	if !slices.Equal(fe.config.Cmd, wantCmd) {
		t.Errorf("cmd = %q, want %q", fe.config.Cmd, wantCmd)
	}
	if len(fe.host.Mounts) != 2 {
		t.Fatalf("mounts = %+v", fe.host.Mounts)
	}
	ro, out := fe.host.Mounts[0], fe.host.Mounts[1]
	if ro.Source != "/srv/heat/inputs" || ro.Target != ReadOnlyMount || !ro.ReadOnly {
		t.Errorf("read-only mount = %+v", ro)
	}
	if out.Source != req.OutPath() || out.Target != OutMount || out.ReadOnly {
		t.Errorf("output mount = %+v", out)
	}
	if !fe.removed {
		t.Error("container not removed")
	}
}

func TestEngine_Failure(t *testing.T) {
	fe := &fakeEngine{exitCode: 1, stderr: "Error: object 'x' not found\nExecution halted\n"}
	res, err := NewEngine(fe).Invoke(context.Background(), newRequest(t, ""))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
	if want := "Error: object 'x' not found"; res.UserMessage != want {
		t.Errorf("UserMessage = %q, want %q", res.UserMessage, want)
	}
}

func TestEngine_LaunchFailure(t *testing.T) {
	for name, fe := range map[string]*fakeEngine{
		"create": {createErr: errors.New("no such image")},
		"start":  {startErr: errors.New("bind source path does not exist")},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := NewEngine(fe).Invoke(context.Background(), newRequest(t, ""))
			if !errors.Is(err, ErrLaunch) {
				t.Fatalf("err = %v, want ErrLaunch", err)
			}
			if res.ExitCode != LaunchFailed {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, LaunchFailed)
			}
			cause := fe.createErr
			if cause == nil {
				cause = fe.startErr
			}
			if want := "could not start heat:20250701: " + cause.Error(); res.UserMessage != want {
				t.Errorf("UserMessage = %q, want %q", res.UserMessage, want)
			}
		})
	}
}
