package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "virtual_number",
			Name:      "active_sessions",
			Help:      "Number of sessions with a live tracker.",
		},
	)

	sessionTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "virtual_number",
			Name:      "session_transitions_total",
			Help:      "Total number of session status transitions.",
		},
		[]string{"provider_name", "from", "to"},
	)

	sessionPollsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "virtual_number",
			Name:      "session_polls_total",
			Help:      "Total number of status checks issued by trackers.",
		},
		[]string{"provider_name", "outcome"}, // outcome: "success", "transient_error", "error", "stale"
	)

	sessionDivergenceCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "virtual_number",
			Name:      "session_divergence_total",
			Help:      "Total number of provider actions that succeeded after the local session had already become terminal.",
		},
		[]string{"provider_name", "action_status"},
	)

	notificationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "virtual_number",
			Name:      "notifications_total",
			Help:      "Total number of notifications emitted.",
		},
		[]string{"type"},
	)

	inboundSMSCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "virtual_number",
			Name:      "inbound_sms_messages_total",
			Help:      "Total number of pushed SMS messages consumed from NATS.",
		},
		[]string{"status"}, // status: "applied", "ignored", "error"
	)
)
