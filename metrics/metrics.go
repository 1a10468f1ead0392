package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SweepEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_sweep_evaluations_total",
			Help: "Owner evaluations performed by the inactivity sweep.",
		},
		[]string{"outcome"},
	)

	SweepDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custody_sweep_duration_seconds",
			Help:    "Duration of complete inactivity sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	HandoverTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_handover_transitions_total",
			Help: "Handover state transitions by target status.",
		},
		[]string{"status"},
	)

	NotificationDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_notification_deliveries_total",
			Help: "Notification deliveries by type and status.",
		},
		[]string{"type", "status"},
	)

	RemindersSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_reminders_suppressed_total",
			Help: "Reminders skipped because the cooldown had not elapsed.",
		},
		[]string{"reminder"},
	)

	LedgerRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_ledger_records_total",
			Help: "Activity records appended to the ledger.",
		},
		[]string{"activity_type"},
	)

	LedgerIntegrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_ledger_integrity_failures_total",
			Help: "Activity records whose signature did not verify.",
		},
	)

	RetrievalGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_retrieval_grants_total",
			Help: "Share retrieval grants issued and redeemed.",
		},
		[]string{"action", "outcome"},
	)
)

var registerOnce sync.Once

// MustRegister adds every collector to the default registry. Calling it more
// than once is a no-op.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SweepEvaluationsTotal,
			SweepDurationSeconds,
			HandoverTransitionsTotal,
			NotificationDeliveriesTotal,
			RemindersSuppressedTotal,
			LedgerRecordsTotal,
			LedgerIntegrityFailuresTotal,
			RetrievalGrantsTotal,
		)
	})
}
