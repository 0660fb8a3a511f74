package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrieval_batch_decisions_total",
		Help: "Total number of batch decisions that flipped at least one line item",
	}, []string{"decision"})

	BatchDecisionsNoopTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrieval_batch_decisions_noop_total",
		Help: "Total number of decisions on batches that were already handled",
	}, []string{"decision"})

	BatchDecisionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrieval_batch_decisions_failed_total",
		Help: "Total number of decisions that failed before the commit point",
	}, []string{"decision", "reason"})

	DecisionWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrieval_decision_warnings_total",
		Help: "Total number of best-effort steps that failed during a decision",
	}, []string{"step"})

	StockDeductionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retrieval_stock_deductions_total",
		Help: "Total number of stock deductions applied",
	})

	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retrieval_decision_latency_seconds",
		Help:    "Latency of confirm and decline operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"decision"})

	ActiveAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inventory_active_alerts",
		Help: "Alerts produced by the last successful classification pass",
	}, []string{"type", "severity"})

	ClassificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_classification_latency_seconds",
		Help:    "Latency of a full classification pass",
		Buckets: prometheus.DefBuckets,
	})

	ClassificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_classification_failures_total",
		Help: "Total number of classification passes aborted by a read failure",
	})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_bus_published_total",
		Help: "Total number of notifications published on the bus",
	}, []string{"kind"})

	BusObserverFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_bus_observer_failures_total",
		Help: "Total number of observer deliveries that failed",
	}, []string{"observer"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
