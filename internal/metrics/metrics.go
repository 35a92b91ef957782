// Package metrics exposes Prometheus metrics for process executions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution outcomes.
const (
	OutcomeSuccess  = "successful"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	exitCodes  *prometheus.CounterVec
	gatherer   prometheus.Gatherer
}

// New registers the execution metrics, plus the process and Go runtime
// collectors, with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)
	return &Metrics{
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heat_executions_total",
				Help: "Total number of process executions by outcome",
			},
			[]string{"process", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "heat_execution_duration_seconds",
				Help: "Duration of process executions in seconds",
				// R programs run from seconds to tens of minutes
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			},
			[]string{"process"},
		),
		inFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "heat_executions_in_flight",
				Help: "Number of process executions currently running",
			},
			[]string{"process"},
		),
		exitCodes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heat_script_exit_codes_total",
				Help: "Exit codes of failed R programs",
			},
			[]string{"process", "code"},
		),
		gatherer: reg,
	}
}

// Start marks an execution of process as running. The returned function
// records its outcome and duration.
func (m *Metrics) Start(process string) func(outcome string) {
	start := time.Now()
	m.inFlight.WithLabelValues(process).Inc()
	return func(outcome string) {
		m.inFlight.WithLabelValues(process).Dec()
		m.executions.WithLabelValues(process, outcome).Inc()
		if outcome != OutcomeRejected {
			m.duration.WithLabelValues(process).Observe(time.Since(start).Seconds())
		}
	}
}

func (m *Metrics) ExitCode(process string, code int) {
	m.exitCodes.WithLabelValues(process, strconv.Itoa(code)).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
