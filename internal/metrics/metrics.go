// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values shared by several collectors.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	webhookDeliveriesTotal     *prometheus.CounterVec
	webhookRecordsTotal        *prometheus.CounterVec
	triggersTotal              *prometheus.CounterVec
	storeOperationsTotal       *prometheus.CounterVec
	backupWritesTotal          *prometheus.CounterVec
	countRepairsTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_deliveries_total",
				Help: "Total number of webhook deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		webhookRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_records_total",
				Help: "Total number of records received via webhook, labeled by category.",
			},
			[]string{"category"},
		)

		triggersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_triggers_total",
				Help: "Total number of collection triggers, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		storeOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_store_operations_total",
				Help: "Total number of job store operations, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		backupWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_backup_writes_total",
				Help: "Total number of local backup writes, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		countRepairsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_count_repairs_total",
				Help: "Total number of job records whose result count was repaired.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome maps an error onto the success/error label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// ObserveWebhook increments the delivery counter for outcome.
func ObserveWebhook(outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecords adds n received records to category.
func ObserveRecords(category string, n int) {
	Init()
	if n > 0 {
		webhookRecordsTotal.WithLabelValues(category).Add(float64(n))
	}
}

// ObserveTrigger increments the trigger counter.
func ObserveTrigger(platform string, err error) {
	Init()
	triggersTotal.WithLabelValues(platform, Outcome(err)).Inc()
}

// ObserveStore increments the store operation counter.
func ObserveStore(op string, err error) {
	Init()
	storeOperationsTotal.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveBackup increments the backup write counter.
func ObserveBackup(kind string, err error) {
	Init()
	backupWritesTotal.WithLabelValues(kind, Outcome(err)).Inc()
}

// ObserveCountRepairs adds n repaired records.
func ObserveCountRepairs(n int) {
	Init()
	countRepairsTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
