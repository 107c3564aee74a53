// Package metrics defines the Prometheus instrumentation for the chainlog
// daemon. All collectors are registered on the default registry via
// promauto and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Append path metrics.
var (
	// AppendsTotal counts sealed records by event type and status.
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlog_appends_total",
			Help: "Audit records appended to the chain.",
		},
		[]string{"event_type", "status"},
	)

	// AppendErrorsTotal counts rejected appends by error class.
	AppendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlog_append_errors_total",
			Help: "Appends rejected, by error class.",
		},
		[]string{"reason"}, // reason: validation, concurrency, availability
	)
)

// Verification metrics.
var (
	// VerifyRunsTotal counts verification runs by trigger and outcome.
	VerifyRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlog_verify_runs_total",
			Help: "Chain verification runs, by trigger and outcome.",
		},
		[]string{"trigger", "result"}, // trigger: api, schedule; result: valid, invalid, error
	)

	// ChainIntegrity is 1 while the last verification found an unbroken
	// chain, 0 after any finding. Scrapers alert on this going to 0.
	ChainIntegrity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainlog_chain_integrity",
			Help: "1 if the last verification found the chain intact, else 0.",
		},
	)

	// TamperedRecords is the tampered record count from the last verification.
	TamperedRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainlog_tampered_records",
			Help: "Tampered records found by the last verification.",
		},
	)
)

// Query metrics.
var (
	// QueryDuration tracks index query latency.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainlog_query_duration_seconds",
			Help:    "Audit log query latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
	)
)

// Event bus ingest metrics.
var (
	// IngestMessagesTotal counts event bus messages appended per channel.
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlog_ingest_messages_total",
			Help: "Event bus messages successfully appended, by channel.",
		},
		[]string{"channel"},
	)

	// IngestRejectedTotal counts dropped event bus messages by reason.
	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlog_ingest_rejected_total",
			Help: "Event bus messages dropped, by reason.",
		},
		[]string{"reason"}, // reason: decode, validation, store
	)
)

// Alerting metrics.
var (
	// AlertsTotal counts alerts raised by severity and rule.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlog_alerts_total",
			Help: "Alerts raised, by severity and rule.",
		},
		[]string{"severity", "rule"},
	)
)

// Live feed metrics.
var (
	// WSConnections is the number of connected WebSocket clients.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainlog_ws_connections",
			Help: "Connected WebSocket clients.",
		},
	)
)

// RecordVerification updates the integrity gauges from a verification
// outcome. Called by every verification path so the gauges always reflect
// the most recent run.
func RecordVerification(trigger string, chainIntact bool, tampered int) {
	result := "valid"
	if !chainIntact || tampered > 0 {
		result = "invalid"
	}
	VerifyRunsTotal.WithLabelValues(trigger, result).Inc()

	if chainIntact {
		ChainIntegrity.Set(1)
	} else {
		ChainIntegrity.Set(0)
	}
	TamperedRecords.Set(float64(tampered))
}
