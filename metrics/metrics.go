// Package metrics holds the Prometheus collectors shared by the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ari2ai"

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Calls currently registered.",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Calls accepted from the PBX.",
	})

	CallsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_rejected_total",
		Help:      "Calls refused because the concurrency limit was reached.",
	})

	Hangups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hangups_total",
		Help:      "Hangups requested by the bridge, by reason.",
	}, []string{"reason"})

	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "connect_failures_total",
		Help:      "Failed attempts to open the AI transport.",
	})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "protocol_errors_total",
		Help:      "Inbound AI messages dropped as malformed.",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "barge_ins_total",
		Help:      "Playback interruptions caused by caller speech.",
	})

	DrainTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ai",
		Name:      "drain_timeouts_total",
		Help:      "Waits for outbound audio that hit their bound.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "frames_sent_total",
		Help:      "RTP frames transmitted to the PBX.",
	})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "frames_received_total",
		Help:      "RTP frames captured from the PBX.",
	})

	// AudioDropped counts caller frames not forwarded because the AI
	// transport or the capture hand-off was busy.
	AudioDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "caller_audio_dropped_total",
		Help:      "Caller audio frames dropped instead of blocking the media path.",
	})
)
