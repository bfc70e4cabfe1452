package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "broadcast_engine"

// Metrics stores Prometheus collectors used by the admin API and delivery workers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	recipientsSentTotal *prometheus.CounterVec
	recipientsFailed    *prometheus.CounterVec
	throttledTotal      *prometheus.CounterVec
	requeuedTotal       *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	activeWorkers       prometheus.Gauge
	jobsFinishedTotal   *prometheus.CounterVec
	staleReleasedTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		recipientsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_recipients_sent_total",
				Help:      "Recipients delivered successfully.",
			},
			[]string{"gateway"},
		),
		recipientsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_recipients_failed_total",
				Help:      "Recipients that ended in failed state.",
			},
			[]string{"gateway", "reason"},
		),
		throttledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_throttled_total",
				Help:      "Sends refused by the gateway because of rate limits.",
			},
			[]string{"gateway"},
		),
		requeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_requeued_total",
				Help:      "Claimed recipients returned to pending, by reason.",
			},
			[]string{"reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_send_duration_seconds",
				Help:      "Gateway send duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"gateway"},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_active_workers",
				Help:      "Delivery workers currently running in this process.",
			},
		),
		jobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_job_finished_total",
				Help:      "Jobs that reached done or failed.",
			},
			[]string{"status"},
		),
		staleReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_stale_released_total",
				Help:      "Stale sending recipients returned to pending by the reconciler.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.recipientsSentTotal,
		m.recipientsFailed,
		m.throttledTotal,
		m.requeuedTotal,
		m.sendDuration,
		m.activeWorkers,
		m.jobsFinishedTotal,
		m.staleReleasedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncRecipientSent(gateway string) {
	if m == nil {
		return
	}
	m.recipientsSentTotal.WithLabelValues(normalizeLabel(gateway)).Inc()
}

func (m *Metrics) IncRecipientFailed(gateway, reason string) {
	if m == nil {
		return
	}
	m.recipientsFailed.WithLabelValues(normalizeLabel(gateway), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncThrottled(gateway string) {
	if m == nil {
		return
	}
	m.throttledTotal.WithLabelValues(normalizeLabel(gateway)).Inc()
}

func (m *Metrics) IncRequeued(reason string) {
	if m == nil {
		return
	}
	m.requeuedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) AddRequeued(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.requeuedTotal.WithLabelValues(normalizeLabel(reason)).Add(float64(n))
}

func (m *Metrics) ObserveSendDuration(gateway string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(normalizeLabel(gateway)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

func (m *Metrics) DecActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

func (m *Metrics) IncJobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinishedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) AddStaleReleased(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleReleasedTotal.Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}
	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
