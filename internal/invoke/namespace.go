package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/greatliontech/container"
	"github.com/greatliontech/ocifs"
)

const envExecutable = "/usr/bin/env"

// ExitStatus is the outcome of a sandboxed process.
type ExitStatus struct {
	Code int
	Err  error // runtime error, not process stderr
}

// Namespace runs the program from an OCI image without a container daemon.
// The image is mounted with ocifs and executed in fresh user, mount, pid,
// ipc, uts and net namespaces. Input and output directories are bind
// mounted at ReadOnlyMount and OutMount inside the image root.
//
// The image root is mounted read-only, so the image must already contain
// both mount point directories. Images without them fail with ErrLaunch.
type Namespace struct {
	ofs      *ocifs.OCIFS
	stateDir string
}

func NewNamespace(ofs *ocifs.OCIFS, stateDir string) *Namespace {
	return &Namespace{ofs: ofs, stateDir: stateDir}
}

// checkMountPoints verifies that rootfs has the directories the input and
// output directories are bound to.
func checkMountPoints(rootfs string) error {
	for _, dir := range []string{ReadOnlyMount, OutMount} {
		fi, err := os.Stat(filepath.Join(rootfs, dir))
		if err != nil {
			return fmt.Errorf("image has no %s directory: %w", dir, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("image has no %s directory: not a directory", dir)
		}
	}
	return nil
}

func (n *Namespace) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := req.validateMounts(); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, fmt.Errorf("invoke: image is required")
	}
	if err := ensureOutDir(req); err != nil {
		return nil, err
	}

	im, err := n.ofs.Mount(req.Image)
	if err != nil {
		return launchFailure(req.Image, "mount image", err)
	}
	if err := checkMountPoints(im.MountPoint()); err != nil {
		cleanupLocal(im, "")
		return launchFailure(req.Image, "check image", err)
	}

	conf := im.ConfigFile()
	m := req.Mapping()
	cmd, args, err := resolveCommand(conf.Config.Entrypoint, conf.Config.Cmd, nil, Sanitize(req.Args, m))
	if err != nil {
		cleanupLocal(im, "")
		return launchFailure(req.Image, "resolve command", err)
	}
	// the runtime has no per-process environment, so SCRIPT goes through env(1)
	args = append([]string{"SCRIPT=" + req.Script, cmd}, args...)

	root, err := os.MkdirTemp(os.TempDir(), "heat-root-")
	if err != nil {
		cleanupLocal(im, "")
		return nil, fmt.Errorf("invoke: make temp root: %w", err)
	}
	defer cleanupLocal(im, root)

	name := InstanceName(req.Image, req.RunToken)
	cfg := container.Config{
		Root:     root,
		Hostname: name,
		Namespaces: container.Namespaces{
			NewIPC:  true,
			NewMnt:  true,
			NewNet:  true,
			NewPID:  true,
			NewUTS:  true,
			NewUser: true,
		},
		Mounts: []container.Mount{
			{
				Source: im.MountPoint(),
				Target: root,
				Type:   "auto",
				Flags:  syscall.MS_BIND | syscall.MS_RDONLY,
			},
			{
				Source: m.HostReadOnly,
				Target: filepath.Join(root, ReadOnlyMount),
				Type:   "auto",
				Flags:  syscall.MS_BIND | syscall.MS_RDONLY,
			},
			{
				Source: m.HostOut,
				Target: filepath.Join(root, OutMount),
				Type:   "auto",
				Flags:  syscall.MS_BIND,
			},
		},
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: syscall.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: syscall.Getgid(), Size: 1},
		},
	}

	stateDir := n.stateDir
	if stateDir == "" {
		stateDir = defaultStateDir()
	}

	cont, err := container.New(stateDir, name, cfg)
	if err != nil {
		return launchFailure(req.Image, "create sandbox "+name, err)
	}

	pr := &container.Process{
		Cmd:        envExecutable,
		Args:       args,
		StdoutPipe: true,
		StderrPipe: true,
	}
	slog.DebugContext(ctx, "start sandbox", "name", name, "cmd", pr.Cmd, "args", pr.Args)
	if err := cont.Run(pr); err != nil {
		return launchFailure(req.Image, "run sandbox "+name, err)
	}

	stdoutPipe, err := cont.StdoutPipe()
	if err != nil {
		_ = bestEffortStop(cont)
		return nil, fmt.Errorf("invoke: stdout pipe: %w", err)
	}
	stderrPipe, err := cont.StderrPipe()
	if err != nil {
		_ = bestEffortStop(cont)
		return nil, fmt.Errorf("invoke: stderr pipe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// short grace period before the sandbox is killed
			time.AfterFunc(150*time.Millisecond, func() {
				_ = bestEffortStop(cont)
			})
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, stderrPipe)
	}()
	wg.Wait()

	status := waitSandbox(cont)
	if ctx.Err() != nil {
		return finish(ctx, req.Script, status.Code, stdout.String(), stderr.String()), fmt.Errorf("sandbox terminated: %w", ctx.Err())
	}
	if status.Err != nil {
		slog.DebugContext(ctx, "sandbox exited with error", "name", name, "err", status.Err)
	}
	return finish(ctx, req.Script, status.Code, stdout.String(), stderr.String()), nil
}

// waitSandbox maps the runtime's Wait error to an exit code: nil is 0,
// anything else is 1.
func waitSandbox(cont any) ExitStatus {
	type waiter interface{ Wait() error }
	w, ok := cont.(waiter)
	if !ok {
		return ExitStatus{Code: 1, Err: fmt.Errorf("invoke: sandbox does not implement Wait() error")}
	}
	if err := w.Wait(); err != nil {
		return ExitStatus{Code: 1, Err: err}
	}
	return ExitStatus{}
}

// resolveCommand applies docker run semantics: overrides replace the image
// ENTRYPOINT and CMD respectively.
func resolveCommand(imageEntrypoint, imageCmd, overrideCommand, overrideArgs []string) (string, []string, error) {
	ep := imageEntrypoint
	if len(overrideCommand) > 0 {
		ep = overrideCommand
	}
	args := imageCmd
	if len(overrideArgs) > 0 {
		args = overrideArgs
	}
	if len(ep) == 0 {
		return "", nil, fmt.Errorf("invoke: no ENTRYPOINT/command available")
	}

	finalArgs := []string{}
	finalArgs = append(finalArgs, ep[1:]...)
	finalArgs = append(finalArgs, args...)
	return ep[0], finalArgs, nil
}

func cleanupLocal(im *ocifs.ImageMount, root string) error {
	var errs []error
	if im != nil {
		if err := im.Unmount(); err != nil {
			errs = append(errs, err)
		}
		if mp := im.MountPoint(); mp != "" {
			if err := os.Remove(mp); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	if root != "" {
		if err := os.RemoveAll(root); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bestEffortStop kills the sandbox through whichever method the runtime
// exposes.
func bestEffortStop(cont any) error {
	if cont == nil {
		return nil
	}
	type killer interface{ Kill() error }
	if k, ok := cont.(killer); ok {
		return k.Kill()
	}
	type signaler interface{ Signal(os.Signal) error }
	if s, ok := cont.(signaler); ok {
		if err := s.Signal(syscall.SIGTERM); err == nil {
			return nil
		}
		return s.Signal(syscall.SIGKILL)
	}
	type stopper interface{ Stop() error }
	if st, ok := cont.(stopper); ok {
		return st.Stop()
	}
	return nil
}

func defaultStateDir() string {
	d := filepath.Join(os.TempDir(), "heat-sandbox-state")
	_ = os.MkdirAll(d, 0o755)
	return d
}
