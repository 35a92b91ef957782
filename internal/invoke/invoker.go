// Package invoke runs the external R programs of the HEAT workflow, either
// directly or inside an isolated sandbox, and turns their diagnostics into
// short messages that can be shown to users.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// ReadOnlyMount is where the static input directory appears in a sandbox.
	ReadOnlyMount = "/readonly"
	// OutMount is where the output directory appears in a sandbox.
	OutMount = "/out"
	// OutDir is the subdirectory of the output root that gets mounted.
	OutDir = "out"

	// NoError is the user message of a successful invocation.
	NoError = "no error"

	// LaunchFailed is the exit code reported when the program never started.
	LaunchFailed = -1
)

// ErrLaunch matches failures to start the external program at all.
var ErrLaunch = errors.New("launch failed")

// LaunchError is returned when the program or its sandbox could not be
// started. It matches ErrLaunch.
type LaunchError struct {
	// Op is the step that failed, such as "create container heat_j1".
	Op  string
	Err error
}

func (e *LaunchError) Error() string {
	return ErrLaunch.Error() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// Request describes a single invocation. RunToken must be unique among
// concurrent invocations: it names the sandbox instance.
type Request struct {
	Executable  string
	Image       string
	Script      string
	RunToken    string
	OutputRoot  string
	ReadOnlyDir string
	Args        []Arg
}

// OutPath returns the host directory mounted at OutMount.
func (r *Request) OutPath() string {
	return filepath.Join(r.OutputRoot, OutDir)
}

// Mapping returns the host to sandbox path translation for r.
func (r *Request) Mapping() PathMapping {
	return PathMapping{
		HostReadOnly:  strings.TrimRight(r.ReadOnlyDir, "/"),
		ReadOnlyMount: ReadOnlyMount,
		HostOut:       r.OutPath(),
		OutMount:      OutMount,
	}
}

func (r *Request) validate() error {
	if r.Script == "" {
		return fmt.Errorf("invoke: script is required")
	}
	if r.RunToken == "" {
		return fmt.Errorf("invoke: run token is required")
	}
	return nil
}

func (r *Request) validateMounts() error {
	if r.ReadOnlyDir == "" {
		return fmt.Errorf("invoke: read-only input dir is required")
	}
	if r.OutputRoot == "" {
		return fmt.Errorf("invoke: output root is required")
	}
	return nil
}

// Result is the outcome of an invocation. UserMessage is NoError when
// ExitCode is zero.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	UserMessage string
}

func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Invoker runs one external program to completion. A non-zero exit is
// reported in the Result, not as an error. Errors are reserved for
// invocations that could not be carried out; a launch failure returns
// both a Result with ExitCode LaunchFailed and an error wrapping ErrLaunch.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// InstanceName derives the sandbox name from the image name (without tag)
// and the run token. Only [a-zA-Z0-9][a-zA-Z0-9_.-]* is allowed.
func InstanceName(image, token string) string {
	base, _, _ := strings.Cut(image, ":")
	name := invalidNameChars.ReplaceAllString(base+"_"+token, "-")
	if !isAlnum(name[0]) {
		name = "x" + name
	}
	return name
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func ensureOutDir(req *Request) error {
	if err := os.MkdirAll(req.OutPath(), 0o755); err != nil {
		return fmt.Errorf("invoke: create output dir: %w", err)
	}
	return nil
}

// runCommand runs name with args and captures both streams in full.
func runCommand(ctx context.Context, name string, args []string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return 0, stdout.String(), stderr.String(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if ctx.Err() != nil {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), fmt.Errorf("process terminated: %w", ctx.Err())
		}
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	}
	return LaunchFailed, stdout.String(), stderr.String(), &LaunchError{Op: "exec " + name, Err: runErr}
}

// launchFailure reports that op failed before exe ran. The user message
// names exe and the underlying cause only.
func launchFailure(exe, op string, cause error) (*Result, error) {
	var le *LaunchError
	if errors.As(cause, &le) {
		op, cause = le.Op, le.Err
	}
	err := &LaunchError{Op: op, Err: cause}
	return &Result{
		ExitCode:    LaunchFailed,
		UserMessage: fmt.Sprintf("could not start %s: %s", exe, launchCause(cause)),
	}, err
}

// launchCause strips the program path that exec errors repeat.
func launchCause(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	var ee *exec.Error
	if errors.As(err, &ee) {
		return ee.Err.Error()
	}
	return err.Error()
}

// finish logs the captured output and derives the user message.
func finish(ctx context.Context, script string, code int, stdout, stderr string) *Result {
	res := &Result{ExitCode: code, Stdout: stdout, Stderr: stderr}
	if code == 0 {
		logLines(ctx, script, "stdout", stdout)
		logLines(ctx, script, "stderr", stderr)
		res.UserMessage = NoError
		return res
	}

	slog.ErrorContext(ctx, "process failed", "script", script, "exit_code", code)
	logLines(ctx, script, "stdout", stdout)
	msg := ExtractErrorMessage(stderr, WithLineLogging(slog.Default().With("script", script)))
	if msg == "" {
		msg = FallbackMessage(script)
	}
	res.UserMessage = msg
	return res
}

func logLines(ctx context.Context, script, stream, text string) {
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		slog.DebugContext(ctx, "process output", "script", script, "stream", stream, "line", line)
	}
}
