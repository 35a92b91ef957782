// Package heat implements the five stages of the HELCOM Eutrophication
// Assessment Tool (HEAT) as processes. A stage validates its inputs,
// resolves static and downloaded input files, runs its R program through
// an invoke.Invoker and returns links to the files it produced.
package heat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/greatliontech/heat/internal/invoke"
)

// Settings are the deployment specific values the stages depend on.
type Settings struct {
	// Executable is passed to the invoker: the container CLI or Rscript.
	Executable string
	Image      string
	// InputDir holds the static input data. It is mounted read-only.
	InputDir string
	// DownloadDir is the output root; files are written to DownloadDir/out.
	DownloadDir string
	// DownloadURL is the public URL DownloadDir is served under.
	DownloadURL string
}

// Downloader stores a remote file under the output directory and returns
// its host path.
type Downloader interface {
	Download(ctx context.Context, url, key string) (string, error)
}

// Link points at one output of a finished process. A nil Href means the
// output is not downloadable.
type Link struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Href        *string `json:"href"`
}

// Outputs maps output names to links.
type Outputs map[string]Link

// plan is what a stage resolved from its inputs.
type plan struct {
	script  string
	args    []invoke.Arg
	outputs []output
}

type output struct {
	name string
	// file is the name below DownloadDir/out, empty if there is no link.
	file string
}

type stage func(p *Processor, ctx context.Context, jobID string, raw json.RawMessage) (*plan, error)

var stages = map[string]stage{
	"heat1": (*Processor).heat1,
	"heat2": (*Processor).heat2,
	"heat3": (*Processor).heat3,
	"heat4": (*Processor).heat4,
	"heat5": (*Processor).heat5,

	"heat3advanced": (*Processor).heat3Advanced,
	"heat4advanced": (*Processor).heat4Advanced,
}

// Processor runs HEAT stages. It is safe for concurrent use as long as
// job ids are unique.
type Processor struct {
	settings Settings
	inputs   Inputs
	invoker  invoke.Invoker
	fetch    Downloader
	validate *validator.Validate
	descs    map[string]*Description
}

func New(s Settings, inv invoke.Invoker, dl Downloader) (*Processor, error) {
	if inv == nil {
		return nil, fmt.Errorf("heat: invoker is required")
	}
	descs, err := loadDescriptions(processesYAML)
	if err != nil {
		return nil, err
	}
	for id := range stages {
		if _, ok := descs[id]; !ok {
			return nil, fmt.Errorf("heat: no description for process %s", id)
		}
	}
	s.InputDir = strings.TrimRight(s.InputDir, "/")
	s.DownloadDir = strings.TrimRight(s.DownloadDir, "/")
	s.DownloadURL = strings.TrimRight(s.DownloadURL, "/")
	return &Processor{
		settings: s,
		inputs:   NewInputs(s.InputDir),
		invoker:  inv,
		fetch:    dl,
		validate: newValidator(),
		descs:    descs,
	}, nil
}

// Processes returns the descriptions of all processes ordered by id.
func (p *Processor) Processes() []*Description {
	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Description, len(ids))
	for i, id := range ids {
		out[i] = p.descs[id]
	}
	return out
}

func (p *Processor) Describe(id string) (*Description, error) {
	if _, ok := stages[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	return p.descs[id], nil
}

// Execute runs process id synchronously. jobID names the output files and
// the sandbox instance, so it must be unique. A failed R program is
// reported as *ExecuteError.
func (p *Processor) Execute(ctx context.Context, id, jobID string, inputs json.RawMessage) (Outputs, error) {
	st, ok := stages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	if jobID == "" {
		return nil, fmt.Errorf("heat: job id is required")
	}
	slog.InfoContext(ctx, "starting process", "process", id, "job", jobID)

	pl, err := st(p, ctx, jobID, inputs)
	if err != nil {
		slog.ErrorContext(ctx, "process inputs rejected", "process", id, "job", jobID, "err", err)
		return nil, err
	}

	res, err := p.invoker.Invoke(ctx, &invoke.Request{
		Executable:  p.settings.Executable,
		Image:       p.settings.Image,
		Script:      pl.script,
		RunToken:    jobID,
		OutputRoot:  p.settings.DownloadDir,
		ReadOnlyDir: p.settings.InputDir,
		Args:        pl.args,
	})
	if res != nil && !res.Success() {
		return nil, &ExecuteError{Process: id, ExitCode: res.ExitCode, Message: res.UserMessage, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	desc := p.descs[id]
	out := make(Outputs, len(pl.outputs))
	for _, o := range pl.outputs {
		title, description := desc.output(o.name)
		l := Link{Title: title, Description: description}
		if o.file != "" {
			href := p.settings.DownloadURL + "/" + invoke.OutDir + "/" + o.file
			l.Href = &href
		}
		out[o.name] = l
	}
	slog.InfoContext(ctx, "process finished", "process", id, "job", jobID)
	return out, nil
}

// outPath is the host path of an output file.
func (p *Processor) outPath(file string) string {
	return filepath.Join(p.settings.DownloadDir, invoke.OutDir, file)
}

// download fetches a user supplied input file into the output directory,
// the only writable directory visible to the R program.
func (p *Processor) download(ctx context.Context, url, file string) (string, error) {
	if p.fetch == nil {
		return "", fmt.Errorf("%w: downloading input files is disabled", ErrNotImplemented)
	}
	return p.fetch.Download(ctx, url, file)
}
