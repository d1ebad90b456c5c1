// Package metrics exports the reconciliation engine's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtepsync",
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Device operations committed, by table and kind.",
		},
		[]string{"node", "table", "op"},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtepsync",
			Subsystem: "device",
			Name:      "transactions_total",
			Help:      "Device transactions by result.",
		},
		[]string{"node", "result"},
	)
	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vtepsync",
			Subsystem: "device",
			Name:      "commit_duration_seconds",
			Help:      "Device transaction round-trip time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node"},
	)
	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtepsync",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Pending jobs by kind and event (enqueued, released, dropped).",
		},
		[]string{"node", "kind", "event"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vtepsync",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs currently waiting, by kind.",
		},
		[]string{"node", "kind"},
	)
	expiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtepsync",
			Subsystem: "queue",
			Name:      "expiry_outcomes_total",
			Help:      "Device queries made for expired in-transit dependencies, by outcome.",
		},
		[]string{"node", "outcome"},
	)
	lostUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtepsync",
			Name:      "lost_updates_total",
			Help:      "Declared changes dropped without reaching the device.",
		},
		[]string{"node", "type", "reason"},
	)
	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtepsync",
			Name:      "reconciliations_total",
			Help:      "Full reconciliation passes by result.",
		},
		[]string{"node", "result"},
	)
)

// Register registers every collector with the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(operations, transactions, commitDuration,
			jobs, queueDepth, expiries, lostUpdates, reconciliations)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordOperation(node, table, op string) {
	Register()
	operations.WithLabelValues(node, table, op).Inc()
}

func RecordTransaction(node string, success bool, duration time.Duration) {
	Register()
	result := "success"
	if !success {
		result = "failure"
	}
	transactions.WithLabelValues(node, result).Inc()
	commitDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordJob counts a queue event: "enqueued", "released" or "dropped".
func RecordJob(node, kind, event string) {
	Register()
	jobs.WithLabelValues(node, kind, event).Inc()
}

func SetQueueDepth(node, kind string, depth int) {
	Register()
	queueDepth.WithLabelValues(node, kind).Set(float64(depth))
}

func RecordExpiry(node, outcome string) {
	Register()
	expiries.WithLabelValues(node, outcome).Inc()
}

func RecordLostUpdate(node, entityType, reason string) {
	Register()
	lostUpdates.WithLabelValues(node, entityType, reason).Inc()
}

func RecordReconciliation(node string, success bool) {
	Register()
	result := "success"
	if !success {
		result = "failure"
	}
	reconciliations.WithLabelValues(node, result).Inc()
}
