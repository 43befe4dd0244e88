package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_events_processed_total",
			Help: "Total number of events run through the processor (count)",
		},
		[]string{"status"},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestion_event_processing_duration_ms",
			Help:    "End-to-end processing duration per event in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	ActionMatchingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "action_matching_duration_ms",
			Help:    "Duration of one action-matching pass in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	ActionsMatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actions_matched_total",
			Help: "Total number of action matches across all events (count)",
		},
	)

	ActionsCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actions_cached",
			Help: "Number of actions currently held in the in-memory cache (count)",
		},
	)

	PluginInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugin_invocations_total",
			Help: "Total number of plugin hook invocations (count)",
		},
		[]string{"hook", "status"},
	)

	PluginInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plugin_invocation_duration_ms",
			Help:    "Duration of a single plugin hook invocation in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"hook"},
	)

	PluginConfigsLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plugin_configs_loaded",
			Help: "Number of plugin configs by state after the last resync (count)",
		},
		[]string{"state"},
	)

	IdentityMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_merges_total",
			Help: "Total number of person merge outcomes (count)",
		},
		[]string{"outcome"},
	)

	IdentityRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_races_total",
			Help: "Total number of uniqueness races resolved by a bounded retry (count)",
		},
	)

	WebhooksFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_fired_total",
			Help: "Total number of outbound webhook deliveries (count)",
		},
		[]string{"kind", "status"},
	)

	HooksDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hooks_deleted_total",
			Help: "Total number of REST hooks removed after a 410 response (count)",
		},
	)

	BrokerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Messages currently buffered for a topic awaiting flush (count)",
		},
		[]string{"topic"},
	)

	BrokerFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_flushes_total",
			Help: "Total number of batch flushes to the broker (count)",
		},
		[]string{"trigger", "status"},
	)

	BrokerMessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages published to the broker (count)",
		},
		[]string{"topic"},
	)

	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_ms",
			Help:    "Duration of storage gateway operations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"operation", "store", "status"},
	)

	SlowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_slow_operations_total",
			Help: "Operations that exceeded the slow-operation threshold (count)",
		},
		[]string{"operation", "store"},
	)

	CapturedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captured_errors_total",
			Help: "Errors captured to the error sink without aborting processing (count)",
		},
		[]string{"component"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)
)

func ObserveEventProcessing(d time.Duration, status string) {
	EventProcessingDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
	EventsProcessedTotal.WithLabelValues(status).Inc()
}

func ObserveActionMatching(d time.Duration, matched int) {
	ActionMatchingDuration.Observe(float64(d.Microseconds()) / 1000.0)
	ActionsMatchedTotal.Add(float64(matched))
}

func ObservePluginInvocation(hook string, d time.Duration, status string) {
	PluginInvocationDuration.WithLabelValues(hook).Observe(float64(d.Milliseconds()))
	PluginInvocationsTotal.WithLabelValues(hook, status).Inc()
}

func ObserveStorageOperation(operation, store string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StorageOperationDuration.WithLabelValues(operation, store, status).Observe(float64(d.Milliseconds()))
}

func RegisterProcessorMetrics() {
	prometheus.MustRegister(
		EventsProcessedTotal,
		EventProcessingDuration,
		IdentityMergesTotal,
		IdentityRacesTotal,
		CapturedErrorsTotal,
	)
}

func RegisterActionMetrics() {
	prometheus.MustRegister(
		ActionMatchingDuration,
		ActionsMatchedTotal,
		ActionsCached,
	)
}

func RegisterPluginMetrics() {
	prometheus.MustRegister(
		PluginInvocationsTotal,
		PluginInvocationDuration,
		PluginConfigsLoaded,
	)
}

func RegisterWebhookMetrics() {
	prometheus.MustRegister(
		WebhooksFiredTotal,
		HooksDeletedTotal,
		CircuitBreakerState,
	)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(
		BrokerQueueDepth,
		BrokerFlushesTotal,
		BrokerMessagesPublishedTotal,
		RetryAttemptsTotal,
		DLQMessagesTotal,
	)
}

func RegisterStorageMetrics() {
	prometheus.MustRegister(
		StorageOperationDuration,
		SlowOperationsTotal,
	)
}

func RegisterHTTPMetrics() {
	prometheus.MustRegister(
		RateLimitRequestsTotal,
	)
}
