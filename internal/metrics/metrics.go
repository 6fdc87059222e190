package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_messages_processed_total",
			Help: "Chat messages processed by outcome",
		},
		[]string{"outcome"}, // "ok", "rate_limited", "banned", "upstream_error", "invalid"
	)

	UpstreamLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbot_upstream_latency_seconds",
			Help:    "OpenWebUI completion call latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"window"},
	)

	BansIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbot_bans_issued_total",
			Help: "Temporary bans issued for repeated violations",
		},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_sessions_ended_total",
			Help: "Sessions ended by reason",
		},
		[]string{"reason"},
	)

	ContactsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_contacts_extracted_total",
			Help: "Contact records extracted from conversations",
		},
		[]string{"kind"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_notifications_sent_total",
			Help: "Summary emails sent by result",
		},
		[]string{"result"}, // "sent", "skipped", "error"
	)
)
