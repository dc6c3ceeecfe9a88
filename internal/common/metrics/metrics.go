// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_transitions_accepted_total",
			Help: "Submission transitions applied, by target status",
		},
		[]string{"to_status"},
	)

	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_transitions_rejected_total",
			Help: "Submission transitions refused, by error code",
		},
		[]string{"error_code"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_notifications_created_total",
			Help: "Notification rows returned by fan-out, by event kind",
		},
		[]string{"event_kind"},
	)

	IdentityCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_identity_cache_lookups_total",
			Help: "Identity cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	IdentityResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_identity_resolutions_total",
			Help: "Identity resolutions by winning source tier",
		},
		[]string{"source"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_delivery_attempts_total",
			Help: "Outbound notification delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	LiveSignalsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_live_signals_published_total",
			Help: "Live re-fetch signals published by transport and outcome",
		},
		[]string{"transport", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "portal_operation_duration_seconds",
			Help: "Duration of portal operations in seconds",
		},
		[]string{"operation"},
	)
)
