package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_send_total", Help: "Transport send outcomes"},
		[]string{"provider", "result"},
	)
	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "outreach_send_latency_seconds", Help: "Transport send latency"},
		[]string{"provider"},
	)
	CloudSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cloudapi_send_total", Help: "Hosted API send outcomes"},
		[]string{"result", "http_status"},
	)
	CloudLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "cloudapi_send_latency_seconds", Help: "Hosted API send latency"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "outreach_dispatch_queue_depth", Help: "Queued sends per account"},
		[]string{"account"},
	)
	QueueRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_dispatch_rejected_total", Help: "Sends rejected before transmission"},
		[]string{"reason"},
	)
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_connection_transitions_total", Help: "Connection state transitions"},
		[]string{"from", "to"},
	)
	Bans = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_bans_total", Help: "Accounts marked banned"},
		[]string{"source"},
	)
	HealthActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_health_actions_total", Help: "Health monitor corrective actions"},
		[]string{"action"},
	)
	Reclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outreach_scheduled_reclaimed_total", Help: "Stuck scheduled messages returned to the queue"},
	)
	ScheduledOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_scheduled_messages_total", Help: "Scheduled message outcomes"},
		[]string{"status"},
	)
	BroadcastRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_broadcast_recipients_total", Help: "Broadcast recipient outcomes"},
		[]string{"status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cloudapi_webhook_events_total", Help: "Hosted webhook events"},
		[]string{"type"},
	)
	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_events_published_total", Help: "Hosted events fanned out"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Sends, SendLatency, CloudSend, CloudLatency, QueueDepth, QueueRejections,
		StateTransitions, Bans, HealthActions, Reclaimed, ScheduledOutcomes, BroadcastRecipients, WebhookEvents, Published)
}
