package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	registry        *prom.Registry
	attemptDuration *prom.HistogramVec
	attemptResults  *prom.CounterVec
	buildDuration   prom.Histogram
	buildOutcome    *prom.CounterVec
	executions      *prom.CounterVec
	activeBuilds    prom.Gauge
}

// compileBuckets spans quick failures up to long standalone compiles
var compileBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400}

// NewPrometheusRecorder constructs and registers the metrics on reg, or on a
// fresh registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.attemptDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "binforge",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of individual strategy attempts",
		Buckets:   compileBuckets,
	}, []string{"strategy"})
	pr.attemptResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "binforge",
		Name:      "attempt_results_total",
		Help:      "Strategy attempt results by outcome and failure kind",
	}, []string{"strategy", "outcome", "failure"})
	pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "binforge",
		Name:      "build_duration_seconds",
		Help:      "Total build duration including dependency installation",
		Buckets:   compileBuckets,
	})
	pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "binforge",
		Name:      "build_outcomes_total",
		Help:      "Build outcomes by final status",
	}, []string{"outcome"})
	pr.executions = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "binforge",
		Name:      "executions_total",
		Help:      "Sandbox executions by termination reason",
	}, []string{"reason"})
	pr.activeBuilds = prom.NewGauge(prom.GaugeOpts{
		Namespace: "binforge",
		Name:      "active_builds",
		Help:      "Builds and sandbox runs currently holding a slot",
	})
	reg.MustRegister(pr.attemptDuration, pr.attemptResults, pr.buildDuration, pr.buildOutcome, pr.executions, pr.activeBuilds)
	return pr
}

// Handler serves the recorder's registry in the Prometheus exposition format
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the registry the metrics are registered on
func (p *PrometheusRecorder) Registry() *prom.Registry { return p.registry }

func (p *PrometheusRecorder) ObserveAttemptDuration(strategy string, d time.Duration) {
	if p == nil || p.attemptDuration == nil {
		return
	}
	p.attemptDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncAttemptResult(strategy string, outcome OutcomeLabel, failure string) {
	if p == nil || p.attemptResults == nil {
		return
	}
	p.attemptResults.WithLabelValues(strategy, string(outcome), failure).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome OutcomeLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncExecution(reason string) {
	if p == nil || p.executions == nil {
		return
	}
	p.executions.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil || p.activeBuilds == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}
