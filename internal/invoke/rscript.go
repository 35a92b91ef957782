package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

const defaultRscriptExecutable = "/usr/bin/Rscript"

// Rscript calls the R interpreter directly, without a sandbox. Paths are
// passed through unchanged; only booleans and nulls are rewritten.
type Rscript struct {
	scriptDir string
}

func NewRscript(scriptDir string) *Rscript {
	return &Rscript{scriptDir: scriptDir}
}

func (r *Rscript) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if req.Script == "" {
		return nil, fmt.Errorf("invoke: script is required")
	}
	if req.OutputRoot != "" {
		if err := ensureOutDir(req); err != nil {
			return nil, err
		}
	}

	exe := req.Executable
	if exe == "" {
		exe = defaultRscriptExecutable
	}

	args := RscriptArgs(r.scriptDir, req)
	slog.InfoContext(ctx, "calling R", "cmd", exe, "args", args)

	code, stdout, stderr, err := runCommand(ctx, exe, args)
	if errors.Is(err, ErrLaunch) {
		slog.ErrorContext(ctx, "failed to start R", "cmd", exe, "err", err)
		return launchFailure(exe, "", err)
	}
	slog.DebugContext(ctx, "done running R", "script", req.Script, "exit_code", code)
	slog.InfoContext(ctx, frameOutput(req.Script, stdout, stderr))
	return finish(ctx, req.Script, code, stdout, stderr), err
}

// RscriptArgs builds: --vanilla <dir>/<script> <args...>
func RscriptArgs(scriptDir string, req *Request) []string {
	args := []string{"--vanilla", filepath.Join(scriptDir, req.Script)}
	return append(args, Sanitize(req.Args, PathMapping{})...)
}

func frameOutput(name, stdout, stderr string) string {
	if stderr == "" {
		stderr = "___(Nothing written to stderr)___\n"
	}
	return fmt.Sprintf("R stdout and stderr:\n___PROCESS OUTPUT %s___\n___stdout___\n%s\n___stderr___\n%s   (END PROCESS OUTPUT %s)\n___________",
		name, stdout, stderr, name)
}
