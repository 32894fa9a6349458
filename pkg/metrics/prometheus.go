// Package metrics exports run and stage lifecycle signals to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atelier-ai/atelier/pkg/api"
)

// PrometheusObserver implements api.Observer by updating Prometheus
// collectors. Combine it with other observers via api.NewCompositeObserver.
type PrometheusObserver struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to use the default registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "runs_started_total",
			Help:      "Workflow runs started, by pipeline kind.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal state, by kind and status.",
		}, []string{"kind", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atelier",
			Name:      "active_runs",
			Help:      "Workflow runs currently executing.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atelier",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration, by kind and stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind", "stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "provider_retries_total",
			Help:      "Provider call retries, by kind and stage.",
		}, []string{"kind", "stage"}),
	}

	reg.MustRegister(o.runsStarted, o.runsFinished, o.activeRuns, o.stageDuration, o.retries)
	return o
}

func (o *PrometheusObserver) OnRunStart(ctx context.Context, run *api.Run) {
	o.runsStarted.WithLabelValues(string(run.Kind)).Inc()
	o.activeRuns.Inc()
}

func (o *PrometheusObserver) OnRunCompleted(ctx context.Context, run *api.Run) {
	o.runsFinished.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	o.activeRuns.Dec()
}

func (o *PrometheusObserver) OnRunFailed(ctx context.Context, run *api.Run, err error) {
	o.runsFinished.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	o.activeRuns.Dec()
}

func (o *PrometheusObserver) OnRunCancelled(ctx context.Context, run *api.Run) {
	o.runsFinished.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	o.activeRuns.Dec()
}

func (o *PrometheusObserver) OnStageStart(ctx context.Context, run *api.Run, stage string, idx int) {
}

func (o *PrometheusObserver) OnStageCompleted(ctx context.Context, run *api.Run, stage string, idx int, err error, d time.Duration) {
	o.stageDuration.WithLabelValues(string(run.Kind), stage).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnProviderRetry(ctx context.Context, run *api.Run, stage string, attempt int, err error) {
	o.retries.WithLabelValues(string(run.Kind), stage).Inc()
}
