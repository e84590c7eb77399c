package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived tracks raw deliveries per transport before filtering.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_received_total",
		Help: "Raw events delivered by each transport channel",
	}, []string{"channel"})

	// EventsAdmitted tracks events that passed deduplication.
	EventsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_admitted_total",
		Help: "Events admitted past the duplicate filter, by kind",
	}, []string{"kind"})

	// EventsSuppressed tracks events rejected as duplicates.
	EventsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_suppressed_total",
		Help: "Events suppressed as duplicates, by kind",
	}, []string{"kind"})

	// EventsDropped tracks events discarded before admission.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_dropped_total",
		Help: "Events dropped before admission (malformed, unknown kind, terminal entity)",
	}, []string{"reason"})

	// DedupeMapSize tracks the size of the duplicate filter's key map.
	DedupeMapSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_dedupe_map_size",
		Help: "Current number of keys tracked by the duplicate filter",
	})

	// ConnectionStatus reports each transport's state (0=disconnected,
	// 1=connecting, 2=connected, 3=error).
	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_connection_status",
		Help: "Transport connection status (0=disconnected, 1=connecting, 2=connected, 3=error)",
	}, []string{"channel"})

	// ReconnectAttempts tracks reconnect attempts per transport.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_reconnect_attempts_total",
		Help: "Reconnect attempts per transport channel",
	}, []string{"channel"})

	// Failovers tracks push-to-poll failover activations.
	Failovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_failovers_total",
		Help: "Number of push-to-poll failover activations",
	})

	// OverallHealth reports the derived health signal (0=offline,
	// 1=connecting, 2=degraded, 3=healthy).
	OverallHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_overall_health",
		Help: "Derived connection health (0=offline, 1=connecting, 2=degraded, 3=healthy)",
	})

	// PollTicksSkipped tracks poll ticks skipped because the previous
	// request was still in flight.
	PollTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_poll_ticks_skipped_total",
		Help: "Poll ticks skipped due to an in-flight previous request",
	})

	// ActiveTasks tracks tasks currently in the active map.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_active_tasks",
		Help: "Tasks currently tracked by the state machine",
	})

	// TasksArchived tracks tasks moved out of the active map.
	TasksArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_tasks_archived_total",
		Help: "Tasks archived from the active map, by reason",
	}, []string{"reason"}) // grace_expired, retention_count, retention_age

	// ApplyDuration tracks state machine event application latency.
	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_apply_duration_seconds",
		Help:    "Time spent applying one admitted event to the state machine",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	// HubClients tracks connected browser websocket clients.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_hub_clients",
		Help: "Currently connected dashboard websocket clients",
	})

	// HealthProbes tracks poll endpoint health probes by outcome.
	HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_health_probes_total",
		Help: "Health probes against the poll endpoint, by outcome",
	}, []string{"outcome"})
)
