// Package metrics holds the Prometheus counters and histograms exported
// by the trigger and execution pipeline at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector registered by this service.
type Metrics struct {
	// Execution Queue Service
	QueueDequeued  *prometheus.CounterVec
	QueueAcked     prometheus.Counter
	QueueNacked    *prometheus.CounterVec
	QueueLeaseTime *prometheus.HistogramVec

	// Workflow Runtime
	NodeDispatchTotal    *prometheus.CounterVec
	NodeDispatchDuration *prometheus.HistogramVec
	ExecutionOutcomes    *prometheus.CounterVec

	// Webhook ingress
	WebhookRequests *prometheus.CounterVec

	// Scheduler Lock Service
	LockAcquisitions *prometheus.CounterVec
}

// New creates and registers every collector this service exports.
func New() *Metrics {
	return &Metrics{
		QueueDequeued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_queue_dequeued_total",
				Help: "Total number of executions dequeued by a worker",
			},
			[]string{"worker_id"},
		),
		QueueAcked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ocx_queue_acked_total",
				Help: "Total number of executions acknowledged as complete",
			},
		),
		QueueNacked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_queue_nacked_total",
				Help: "Total number of executions nacked, by outcome",
			},
			[]string{"outcome"}, // retry, dead_letter
		),
		QueueLeaseTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocx_queue_lease_duration_seconds",
				Help:    "Wall-clock time a claimed execution held its lease",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker_id"},
		),
		NodeDispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_node_dispatch_total",
				Help: "Total number of node dispatches, by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		NodeDispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocx_node_dispatch_duration_seconds",
				Help:    "Duration of a single node dispatch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ExecutionOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_execution_outcomes_total",
				Help: "Total number of executions reaching a terminal or waiting status",
			},
			[]string{"status"}, // completed, failed, waiting
		),
		WebhookRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_webhook_requests_total",
				Help: "Total number of inbound webhook requests, by outcome",
			},
			[]string{"outcome"}, // accepted, duplicate, rejected
		),
		LockAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_scheduler_lock_acquisitions_total",
				Help: "Total number of scheduler lock acquisition attempts, by outcome",
			},
			[]string{"outcome"}, // acquired, contended
		),
	}
}

// RecordNodeDispatch records one node dispatch's outcome and duration.
func (m *Metrics) RecordNodeDispatch(kind, status string, seconds float64) {
	m.NodeDispatchTotal.WithLabelValues(kind, status).Inc()
	m.NodeDispatchDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordExecutionOutcome records an execution reaching a terminal or
// waiting status.
func (m *Metrics) RecordExecutionOutcome(status string) {
	m.ExecutionOutcomes.WithLabelValues(status).Inc()
}

// RecordWebhookRequest records one inbound webhook request's outcome.
func (m *Metrics) RecordWebhookRequest(outcome string) {
	m.WebhookRequests.WithLabelValues(outcome).Inc()
}

// RecordLockAcquisition records one scheduler lock acquisition attempt.
func (m *Metrics) RecordLockAcquisition(acquired bool) {
	outcome := "contended"
	if acquired {
		outcome = "acquired"
	}
	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}
