package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "emojibuilder"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration  *prom.HistogramVec
	runDuration    prom.Histogram
	itemResults    *prom.CounterVec
	runOutcomes    *prom.CounterVec
	persistFailure prom.Counter
	workers        prom.Gauge
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil registry gets a private one.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual driver stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		runDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Total duration of a build run",
			Buckets:   prom.DefBuckets,
		}),
		itemResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "item_results_total",
			Help:      "Per-item results by kind (reused, prepared, failed, invalidated, derived)",
		}, []string{"result"}),
		runOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Build runs by final outcome",
		}, []string{"outcome"}),
		persistFailure: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cache_persist_failures_total",
			Help:      "Hash cache writes that failed after a successful build",
		}),
		workers: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Size of the preparation worker pool for the last run",
		}),
	}
	reg.MustRegister(pr.stageDuration, pr.runDuration, pr.itemResults, pr.runOutcomes, pr.persistFailure, pr.workers)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncItemResult(result ItemResult) {
	if p == nil {
		return
	}
	p.itemResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome RunOutcome) {
	if p == nil {
		return
	}
	p.runOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncCachePersistFailure() {
	if p == nil {
		return
	}
	p.persistFailure.Inc()
}

func (p *PrometheusRecorder) SetWorkers(n int) {
	if p == nil {
		return
	}
	p.workers.Set(float64(n))
}

// HTTPHandler returns an http.Handler that serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
