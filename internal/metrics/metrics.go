// Package metrics holds Prometheus instrumentation for the chat transport
// and the dev backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client-side transport metrics
var (
	ConnectionAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aichat_connection_attempts_total",
			Help: "Transport open attempts, including reconnects",
		},
	)

	ReconnectsScheduled = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aichat_reconnect_delay_seconds",
			Help:    "Backoff delay of scheduled reconnects",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
		},
	)

	CloseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aichat_connection_closes_total",
			Help: "Transport closes by status code and policy outcome",
		},
		[]string{"code", "outcome"}, // outcome: reconnect/terminal/intentional
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aichat_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 closing)",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aichat_frames_received_total",
			Help: "Inbound envelopes by type",
		},
		[]string{"type"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aichat_frames_sent_total",
			Help: "Outbound envelopes admitted for transmission by type",
		},
		[]string{"type"},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aichat_malformed_frames_total",
			Help: "Inbound frames that failed to decode",
		},
	)

	SendsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aichat_sends_rejected_total",
			Help: "Outbound envelopes rejected before transmission",
		},
		[]string{"reason"}, // not_connected/too_large/queue_full/encode
	)
)

// Dev backend metrics
var (
	ServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aichat_devserver_ws_connections",
			Help: "Open chat WebSocket connections",
		},
	)

	ServerReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aichat_devserver_replies_total",
			Help: "Assistant replies by outcome",
		},
		[]string{"outcome"}, // ok/fallback/insufficient_credits/rate_limited
	)

	ServerReplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aichat_devserver_reply_duration_seconds",
			Help:    "Time from user message to assistant reply",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)
