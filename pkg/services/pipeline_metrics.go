package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics holds the Prometheus collectors for pipeline runs.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	StageDuration   *prometheus.HistogramVec
	StageErrors     *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	Recommendations *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	BatchProducts   prometheus.Histogram
}

// NewPipelineMetrics creates the collectors and registers them with reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricepilot_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"stage", "result"},
		),
		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricepilot_stage_errors_total",
				Help: "Pipeline stage failures by stage and error kind",
			},
			[]string{"stage", "kind"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricepilot_fallbacks_total",
				Help: "Fallback paths taken by the pipeline",
			},
			[]string{"fallback"},
		),
		Recommendations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricepilot_recommendations_total",
				Help: "Recommendations emitted by rule and decision",
			},
			[]string{"rule", "decision"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricepilot_active_runs",
				Help: "Pipeline runs currently in progress",
			},
		),
		BatchProducts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricepilot_batch_products",
				Help:    "Number of products per batch run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.StageDuration, m.StageErrors, m.Fallbacks, m.Recommendations, m.ActiveRuns, m.BatchProducts)
	}
	return m
}

func (m *PipelineMetrics) observeStage(stage Stage, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.StageErrors.WithLabelValues(string(stage), ErrorKind(err)).Inc()
	}
	m.StageDuration.WithLabelValues(string(stage), result).Observe(time.Since(start).Seconds())
}

func (m *PipelineMetrics) fallback(name string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(name).Inc()
}

func (m *PipelineMetrics) recommendation(ruleID string, decision string) {
	if m == nil {
		return
	}
	m.Recommendations.WithLabelValues(ruleID, decision).Inc()
}

func (m *PipelineMetrics) runStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Inc()
	return m.ActiveRuns.Dec
}

func (m *PipelineMetrics) batch(size int) {
	if m == nil {
		return
	}
	m.BatchProducts.Observe(float64(size))
}
