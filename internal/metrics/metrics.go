package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every recorder is a no-op on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// 挖掘
	expressionsGenerated *prometheus.CounterVec
	simulations          *prometheus.CounterVec
	batchDuration        *prometheus.HistogramVec
	stageProgress        *prometheus.GaugeVec

	// 相关性
	verdicts      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	seriesFetches *prometheus.CounterVec
	pendingAlphas prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		expressionsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expressions_generated_total",
			Help:      "Expressions recorded before submission.",
		}, []string{"dataset", "stage"}),
		simulations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_total",
			Help:      "Resolved simulations by outcome kind.",
		}, []string{"stage", "outcome"}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_batch_seconds",
			Help:      "Wall time of one simulation batch.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage"}),
		stageProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_progress_ratio",
			Help:      "Completed share of the generated expressions.",
		}, []string{"dataset", "stage"}),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_verdicts_total",
			Help:      "Correlation checker verdicts.",
		}, []string{"verdict"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_cycle_seconds",
			Help:      "Duration of one batch processor cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		seriesFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_fetches_total",
			Help:      "Return series lookups by source.",
		}, []string{"source"}),
		pendingAlphas: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_alphas",
			Help:      "Alphas waiting for a correlation check.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ExpressionGenerated(dataset, stage string) {
	if m == nil {
		return
	}
	m.expressionsGenerated.WithLabelValues(dataset, stage).Inc()
}

func (m *Metrics) SimulationResolved(stage, outcome string) {
	if m == nil {
		return
	}
	m.simulations.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveBatch(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) SetProgress(dataset, stage string, ratio float64) {
	if m == nil {
		return
	}
	m.stageProgress.WithLabelValues(dataset, stage).Set(ratio)
}

func (m *Metrics) Verdict(verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict).Inc()
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
}

func (m *Metrics) SeriesFetched(source string) {
	if m == nil {
		return
	}
	m.seriesFetches.WithLabelValues(source).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingAlphas.Set(float64(n))
}
