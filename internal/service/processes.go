package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/greatliontech/heat/internal/heat"
	"github.com/greatliontech/heat/internal/metrics"
	"github.com/greatliontech/heat/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// maxBodySize bounds execution requests; inputs are small JSON objects.
const maxBodySize = 1 << 20

type processList struct {
	Processes []*heat.Description `json:"processes"`
}

type executeRequest struct {
	Inputs json.RawMessage `json:"inputs"`
}

type executeResponse struct {
	JobID   string       `json:"jobID"`
	Status  string       `json:"status"`
	Outputs heat.Outputs `json:"outputs"`
}

func (svc *Service) listProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, processList{Processes: svc.proc.Processes()})
}

func (svc *Service) describeProcess(w http.ResponseWriter, r *http.Request) {
	desc, err := svc.proc.Describe(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (svc *Service) execute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := svc.proc.Describe(id); err != nil {
		writeError(w, err)
		return
	}

	var req executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed request body: %w", heat.ErrInvalidInput, err))
		return
	}

	jobID := uuid.NewString()
	ctx, span := tracer.Start(r.Context(), "execute "+id, trace.WithAttributes(
		attribute.String("heat.process", id),
		attribute.String("heat.job", jobID),
	))
	defer span.End()

	job := &storage.JobRecord{
		ID:         jobID,
		Process:    id,
		Status:     storage.StatusRunning,
		Inputs:     string(req.Inputs),
		CreateTime: time.Now().UTC(),
	}
	if err := svc.jobs.Create(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeError(w, err)
		return
	}

	done := svc.metrics.Start(id)
	start := time.Now()
	outputs, err := svc.proc.Execute(ctx, id, jobID, req.Inputs)
	job.FinishTime = time.Now().UTC()
	svc.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("heat.process", id),
		attribute.Bool("heat.success", err == nil),
	))

	if err != nil {
		status, _, msg := classify(err)
		job.Status = storage.StatusFailed
		job.Message = msg
		var ee *heat.ExecuteError
		if errors.As(err, &ee) {
			job.ExitCode = ee.ExitCode
			svc.metrics.ExitCode(id, ee.ExitCode)
		}
		if status < http.StatusInternalServerError || status == http.StatusNotImplemented {
			done(metrics.OutcomeRejected)
		} else {
			done(metrics.OutcomeFailed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		svc.finishJob(ctx, job)
		writeError(w, err)
		return
	}

	job.Status = storage.StatusSuccessful
	job.Outputs = svc.recordOutputs(ctx, outputs)
	done(metrics.OutcomeSuccess)
	svc.finishJob(ctx, job)

	w.Header().Set("Location", "/jobs/"+jobID)
	writeJSON(w, http.StatusOK, executeResponse{
		JobID:   jobID,
		Status:  string(job.Status),
		Outputs: outputs,
	})
}

// finishJob stores the final state of job. The response does not depend on
// it, so failures are only logged.
func (svc *Service) finishJob(ctx context.Context, job *storage.JobRecord) {
	if err := svc.jobs.Update(ctx, job); err != nil {
		slog.ErrorContext(ctx, "failed to update job", "job", job.ID, "err", err)
	}
	emitExecution(ctx, job)
}

// emitExecution exports the outcome of a job as an OpenTelemetry log record.
func emitExecution(ctx context.Context, job *storage.JobRecord) {
	var rec otellog.Record
	rec.SetTimestamp(job.FinishTime)
	rec.SetObservedTimestamp(time.Now())
	if job.Status == storage.StatusFailed {
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetSeverityText("WARN")
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetSeverityText("INFO")
	}
	rec.SetBody(otellog.StringValue("execution finished"))
	rec.AddAttributes(
		otellog.String("heat.process", job.Process),
		otellog.String("heat.job", job.ID),
		otellog.String("heat.status", string(job.Status)),
		otellog.Int("heat.exit_code", job.ExitCode),
	)
	if job.Message != "" {
		rec.AddAttributes(otellog.String("heat.message", job.Message))
	}
	global.GetLoggerProvider().Logger("heat/internal/service").Emit(ctx, rec)
}

// recordOutputs describes the files behind the output links. Outputs whose
// file is missing are recorded without size and digest.
func (svc *Service) recordOutputs(ctx context.Context, outputs heat.Outputs) []storage.OutputRecord {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	recs := make([]storage.OutputRecord, 0, len(outputs))
	for _, name := range names {
		rec := storage.OutputRecord{Name: name}
		if href := outputs[name].Href; href != nil {
			rec.Href = *href
			rec.Key = strings.TrimPrefix(*href, svc.downloadURL+"/")
			size, digest, err := svc.outputs.Describe(ctx, rec.Key)
			if err != nil {
				slog.WarnContext(ctx, "output not found", "output", name, "key", rec.Key, "err", err)
			} else {
				rec.Size = size
				rec.Digest = digest
			}
		}
		recs = append(recs, rec)
	}
	return recs
}
