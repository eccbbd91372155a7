package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundround_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundround_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	depositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundround_deposits_total",
		Help: "Deposit attempts by result code.",
	}, []string{"result"})

	collectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundround_collected_total",
		Help: "Sum of all accepted deposit amounts.",
	})

	roundsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundround_rounds_created_total",
		Help: "Total funding rounds created.",
	})

	journalEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundround_journal_entries_total",
		Help: "Total journal entries appended.",
	})

	openRounds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundround_rounds_open",
		Help: "Rounds that are neither complete nor past their deadline, as of the last expiry scan.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundround_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		requestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// PromMetrics reports round outcomes to the package's Prometheus collectors.
// It satisfies service.Metrics.
type PromMetrics struct{}

// RoundCreated counts a new round.
func (PromMetrics) RoundCreated() { roundsCreatedTotal.Inc() }

// DepositResult counts a deposit attempt; accepted amounts are added to the
// collected total.
func (PromMetrics) DepositResult(code string, amount uint64) {
	depositsTotal.WithLabelValues(code).Inc()
	if code == "ok" {
		collectedTotal.Add(float64(amount))
	}
}

// JournalAppended counts a journal entry.
func (PromMetrics) JournalAppended() { journalEntriesTotal.Inc() }

// RecordWebhookDelivery counts one webhook delivery attempt. It matches
// webhooks.MetricsRecorder.
func RecordWebhookDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	webhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// SetOpenRounds records the open round count. It matches expiry.OpenRoundsFunc.
func SetOpenRounds(n int) { openRounds.Set(float64(n)) }
