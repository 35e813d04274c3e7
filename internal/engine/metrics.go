package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	StageResults  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec
	Checkpoints   *prometheus.CounterVec
	ActiveStages  prometheus.Gauge
	Confirmations *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "testforge_runs_total",
			Help: "Pipeline runs by terminal status.",
		}, []string{"pipeline", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "testforge_run_duration_seconds",
			Help:    "Wall time of pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pipeline"}),
		StageResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "testforge_stage_results_total",
			Help: "Stage results by terminal status.",
		}, []string{"stage", "status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "testforge_stage_duration_seconds",
			Help:    "Wall time of stage executions including retries.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "testforge_stage_retries_total",
			Help: "Retry attempts per stage.",
		}, []string{"stage"}),
		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "testforge_checkpoint_writes_total",
			Help: "Checkpoint writes by outcome.",
		}, []string{"outcome"}),
		ActiveStages: f.NewGauge(prometheus.GaugeOpts{
			Name: "testforge_active_stages",
			Help: "Stages currently executing.",
		}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "testforge_confirmations_total",
			Help: "Confirmation decisions.",
		}, []string{"stage", "decision"}),
	}
}

func (m *Metrics) runFinished(name string, status pipeline.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(name, string(status)).Inc()
	m.RunDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) stageStarted() {
	if m == nil {
		return
	}
	m.ActiveStages.Inc()
}

func (m *Metrics) stageFinished(r *pipeline.StageResult, attempts int, ran bool) {
	if m == nil {
		return
	}
	if ran {
		m.ActiveStages.Dec()
		m.StageDuration.WithLabelValues(string(r.Stage)).Observe(r.Duration.Seconds())
	}
	m.StageResults.WithLabelValues(string(r.Stage), string(r.Status)).Inc()
	if attempts > 1 {
		m.StageRetries.WithLabelValues(string(r.Stage)).Add(float64(attempts - 1))
	}
}

func (m *Metrics) checkpoint(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Checkpoints.WithLabelValues(outcome).Inc()
}

func (m *Metrics) confirmation(stage pipeline.StageID, d Decision) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(string(stage), string(d)).Inc()
}
