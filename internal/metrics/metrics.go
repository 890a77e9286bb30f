// Package metrics exposes training and serving metrics on a private
// Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seqlabel"

// DefaultDurationBuckets are the request latency buckets in seconds.
var DefaultDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics holds every collector the trainer and the HTTP service update.
type Metrics struct {
	registry *prometheus.Registry

	Epoch            prometheus.Gauge
	LearningRate     prometheus.Gauge
	TrainLoss        prometheus.Gauge
	ValidLoss        prometheus.Gauge
	ValidScore       *prometheus.GaugeVec // metric: precision, recall, f1, accuracy
	BatchesTotal     prometheus.Counter
	CheckpointsTotal *prometheus.CounterVec // result: saved, failed, evicted
	StallCount       prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec   // path, status_code
	RequestDuration *prometheus.HistogramVec // path
	TokensTagged    prometheus.Counter
}

// New registers all collectors on a fresh registry. withRuntime adds the Go
// and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		)
	}
	m := &Metrics{
		registry: reg,
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "epoch",
			Help: "Current training epoch.",
		}),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "learning_rate",
			Help: "Current learning rate.",
		}),
		TrainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "loss",
			Help: "Mean training loss of the last epoch.",
		}),
		ValidLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "valid", Name: "loss",
			Help: "Validation loss after the last epoch.",
		}),
		ValidScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "valid", Name: "score",
			Help: "Validation chunk scores in percent.",
		}, []string{"metric"}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "train", Name: "batches_total",
			Help: "Optimizer steps taken.",
		}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "train", Name: "checkpoints_total",
			Help: "Checkpoint operations by result.",
		}, []string{"result"}),
		StallCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "train", Name: "epochs_without_improvement",
			Help: "Consecutive epochs without a better validation score.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by path and status code.",
		}, []string{"path", "status_code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", Buckets: DefaultDurationBuckets,
		}, []string{"path"}),
		TokensTagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tagger", Name: "tokens_total",
			Help: "Tokens labeled by inference.",
		}),
	}
	reg.MustRegister(
		m.Epoch, m.LearningRate, m.TrainLoss, m.ValidLoss, m.ValidScore,
		m.BatchesTotal, m.CheckpointsTotal, m.StallCount,
		m.RequestsTotal, m.RequestDuration, m.TokensTagged,
	)
	return m
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// EpochEnd records the outcome of one epoch.
func (m *Metrics) EpochEnd(epoch int, lr, trainLoss, validLoss float64, scores map[string]float64, stall int) {
	if m == nil {
		return
	}
	m.Epoch.Set(float64(epoch))
	m.LearningRate.Set(lr)
	m.TrainLoss.Set(trainLoss)
	m.ValidLoss.Set(validLoss)
	for k, v := range scores {
		m.ValidScore.WithLabelValues(k).Set(v)
	}
	m.StallCount.Set(float64(stall))
}

// Step counts one optimizer step.
func (m *Metrics) Step() {
	if m == nil {
		return
	}
	m.BatchesTotal.Inc()
}

// Checkpoint counts a checkpoint operation.
func (m *Metrics) Checkpoint(result string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(result).Inc()
}

// Request records one served HTTP request.
func (m *Metrics) Request(path, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(path, status).Inc()
	m.RequestDuration.WithLabelValues(path).Observe(took.Seconds())
}

// Tagged counts labeled tokens.
func (m *Metrics) Tagged(n int) {
	if m == nil {
		return
	}
	m.TokensTagged.Add(float64(n))
}
