// Package metrics exposes Prometheus instrumentation for chat ingestion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Alert results.
const (
	AlertPlayed  = "played"
	AlertDropped = "dropped"
	AlertFailed  = "failed"
)

var (
	// Counters
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwatch_messages_total",
		Help: "Chat messages ingested per channel",
	}, []string{"channel"})
	FilteredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwatch_filtered_messages_total",
		Help: "Chat messages that passed the channel filter",
	}, []string{"channel"})
	TranscriptErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwatch_transcript_errors_total",
		Help: "Failed transcript writes per channel",
	}, []string{"channel"})
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwatch_alerts_total",
		Help: "Alert requests by result (played, dropped, failed)",
	}, []string{"result"})
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwatch_dropped_frames_total",
		Help: "Inbound chat frames dropped as malformed or for unregistered channels",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwatch_reconnects_total",
		Help: "Successful protocol reconnects",
	})

	// Gauges
	JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatwatch_joined_channels",
		Help: "Channels registered for dispatch on the protocol connection",
	})
)
