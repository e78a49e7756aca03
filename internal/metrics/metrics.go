// Package metrics exposes engine and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spigell/hh-sieve/internal/filtering"
)

const namespace = "hh_sieve"

type Metrics struct {
	gatherer prometheus.Gatherer

	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	chunks          *prometheus.CounterVec
	retries         *prometheus.CounterVec
	persistFailures prometheus.Counter

	httpDuration *prometheus.SummaryVec
	httpRequests *prometheus.CounterVec
}

var _ filtering.Metrics = (*Metrics)(nil)

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Filtering runs by result reason.",
		}, []string{"reason"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Filtering run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"reason"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Evaluated postings by outcome.",
		}, []string{"status"}),
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Classifier chunks by result.",
		}, []string{"result"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_retries_total",
			Help:      "Classifier retries by failure kind.",
		}, []string{"kind"}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Outcomes that could not be written to the record store.",
		}),
		httpDuration: factory.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.9:  0.01,
				0.95: 0.005,
				0.99: 0.001,
			},
		}, []string{"method", "path", "status_code"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
	}
}

func (m *Metrics) RunFinished(reason string, d time.Duration) {
	m.runs.WithLabelValues(reason).Inc()
	m.runDuration.WithLabelValues(reason).Observe(d.Seconds())
}

func (m *Metrics) Outcomes(status filtering.Status, n int) {
	m.outcomes.WithLabelValues(string(status)).Add(float64(n))
}

func (m *Metrics) ChunkFinished(failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	m.chunks.WithLabelValues(result).Inc()
}

func (m *Metrics) Retried(kind string) {
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) PersistFailed(n int) {
	m.persistFailures.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records duration and count of every HTTP request.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		ctx.Next()

		duration := time.Since(start).Seconds()

		method := ctx.Request.Method
		path := ctx.FullPath()
		if path == "" {
			path = ctx.Request.URL.Path
		}
		statusCode := strconv.Itoa(ctx.Writer.Status())

		m.httpDuration.WithLabelValues(method, path, statusCode).Observe(duration)
		m.httpRequests.WithLabelValues(method, path, statusCode).Inc()
	}
}
