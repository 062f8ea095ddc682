package telemetry

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ocmt",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by method, route, and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var AlertsTriggeredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "alerts",
		Name:      "triggered_total",
		Help:      "Total number of trigger_alert invocations by severity.",
	},
	[]string{"severity"},
)

var AlertsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Total number of alerts suppressed by an active cooldown.",
	},
)

var AlertsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "alerts",
		Name:      "dispatched_total",
		Help:      "Total number of per-channel alert dispatch attempts.",
	},
	[]string{"channel", "outcome"},
)

var AlertChannelUnconfiguredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "alerts",
		Name:      "channel_unconfigured_total",
		Help:      "Total number of alert dispatch attempts against an unconfigured channel.",
	},
	[]string{"channel"},
)

var RateLimitRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of rate-limited requests by limiter name.",
	},
	[]string{"limiter"},
)

var SSRFBlockedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "resource",
		Name:      "ssrf_blocked_total",
		Help:      "Total number of outbound calls blocked by the SSRF guard.",
	},
	[]string{"reason"},
)

var ResourceCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ocmt",
		Subsystem: "resource",
		Name:      "call_duration_seconds",
		Help:      "Outbound resource call duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"resource", "status_class"},
)

var CapabilityIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "capability",
		Name:      "issued_total",
		Help:      "Total number of capability approvals that reached the issued state.",
	},
)

var CapabilityExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ocmt",
		Subsystem: "capability",
		Name:      "expired_total",
		Help:      "Total number of pending approvals auto-expired by the sweeper.",
	},
)

// All returns every control-plane metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AlertsTriggeredTotal,
		AlertsDeduplicatedTotal,
		AlertsDispatchedTotal,
		AlertChannelUnconfiguredTotal,
		RateLimitRejectedTotal,
		SSRFBlockedTotal,
		ResourceCallDuration,
		CapabilityIssuedTotal,
		CapabilityExpiredTotal,
	}
}
