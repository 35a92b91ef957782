package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/greatliontech/heat/internal/heat"
	"github.com/greatliontech/heat/internal/storage"
)

const defaultJobLimit = 100

type jobView struct {
	JobID     string       `json:"jobID"`
	ProcessID string       `json:"processID"`
	Status    string       `json:"status"`
	Message   string       `json:"message,omitempty"`
	ExitCode  int          `json:"exitCode,omitempty"`
	Created   time.Time    `json:"created"`
	Finished  *time.Time   `json:"finished,omitempty"`
	Outputs   []outputView `json:"outputs,omitempty"`
}

type outputView struct {
	Name   string `json:"name"`
	Href   string `json:"href,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Digest string `json:"digest,omitempty"`
}

type jobList struct {
	Jobs []jobView `json:"jobs"`
}

func newJobView(j *storage.JobRecord) jobView {
	v := jobView{
		JobID:     j.ID,
		ProcessID: j.Process,
		Status:    string(j.Status),
		Message:   j.Message,
		ExitCode:  j.ExitCode,
		Created:   j.CreateTime,
	}
	if !j.FinishTime.IsZero() {
		t := j.FinishTime
		v.Finished = &t
	}
	for _, o := range j.Outputs {
		ov := outputView{Name: o.Name, Href: o.Href, Size: o.Size}
		if !o.Digest.IsZero() {
			ov.Digest = o.Digest.String()
		}
		v.Outputs = append(v.Outputs, ov)
	}
	return v
}

func (svc *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultJobLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", heat.ErrInvalidInput))
			return
		}
		limit = n
	}

	jobs, err := svc.jobs.List(r.Context(), q.Get("process"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := jobList{Jobs: make([]jobView, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobView(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (svc *Service) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := svc.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

// getManifest lists the digests of the stored outputs of a job, one
// "shake256:<hex>  <path>" line per file.
func (svc *Service) getManifest(w http.ResponseWriter, r *http.Request) {
	job, err := svc.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, storage.SerializeManifest(storage.JobManifest(job)))
}

func (svc *Service) download(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("path")
	obj, err := svc.outputs.Open(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer obj.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if !obj.ModTime.IsZero() {
		w.Header().Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))
	}
	if _, err := io.Copy(w, obj); err != nil {
		slog.ErrorContext(r.Context(), "failed to send output", "key", key, "err", err)
	}
}
