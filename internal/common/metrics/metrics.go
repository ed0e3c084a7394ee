// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of escrow operations by outcome",
		},
		[]string{"operation", "result"},
	)

	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of payment gateway calls by outcome",
		},
		[]string{"endpoint", "result"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gateway_request_duration_seconds",
			Help: "Duration of payment gateway calls in seconds",
		},
		[]string{"endpoint"},
	)

	ReleaseRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_release_retries_total",
			Help: "Total number of retried release/refund gateway calls",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"route", "method", "status"},
	)
)
