package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "virtual_number",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of HTTP requests to SMS-number providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name", "operation"},
	)

	providerRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "virtual_number",
			Name:      "provider_requests_total",
			Help:      "Total provider requests by outcome.",
		},
		[]string{"provider_name", "operation", "outcome"}, // outcome: success, unreachable, insufficient_balance, ...
	)
)
