package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for both the capture client and the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture client
	FramesSent        prometheus.Counter
	FramesDropped     prometheus.Counter
	SessionStates     *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
	AcquireAttempts   *prometheus.CounterVec

	// Relay
	RelayConnections  prometheus.Gauge
	RelaySessions     prometheus.Counter
	RelayAudioBytes   prometheus.Counter
	RecognizerErrors  prometheus.Counter
	RelayEventsPushed *prometheus.CounterVec
}

// New creates collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceplan_audio_frames_sent_total",
			Help: "Total number of PCM frames handed to the session channel",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceplan_audio_frames_dropped_total",
			Help: "Frames dropped because the transport fell behind the capture cadence",
		}),
		SessionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceplan_session_transitions_total",
			Help: "Recording session transitions by target state",
		}, []string{"state"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voiceplan_handshake_duration_seconds",
			Help:    "Time from start_recording to recording_started",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		AcquireAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceplan_acquire_attempts_total",
			Help: "Device acquisition attempts by tier index and outcome",
		}, []string{"tier", "outcome"}),
		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voiceplan_relay_connections",
			Help: "Currently open relay websocket connections",
		}),
		RelaySessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceplan_relay_sessions_total",
			Help: "Recognition sessions started by the relay",
		}),
		RelayAudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceplan_relay_audio_bytes_total",
			Help: "Decoded PCM bytes forwarded to the recognizer",
		}),
		RecognizerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voiceplan_recognizer_errors_total",
			Help: "Recognizer start or stream failures",
		}),
		RelayEventsPushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceplan_relay_events_total",
			Help: "Events pushed to relay clients by event name",
		}, []string{"event"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) SessionState(state string) {
	if m == nil {
		return
	}
	m.SessionStates.WithLabelValues(state).Inc()
}

func (m *Metrics) Handshake(seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(seconds)
}

func (m *Metrics) AcquireAttempt(tier string, outcome string) {
	if m == nil {
		return
	}
	m.AcquireAttempts.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.RelayConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.RelayConnections.Dec()
}

func (m *Metrics) RelaySessionStarted() {
	if m == nil {
		return
	}
	m.RelaySessions.Inc()
}

func (m *Metrics) AudioForwarded(n int) {
	if m == nil {
		return
	}
	m.RelayAudioBytes.Add(float64(n))
}

func (m *Metrics) RecognizerError() {
	if m == nil {
		return
	}
	m.RecognizerErrors.Inc()
}

func (m *Metrics) EventPushed(event string) {
	if m == nil {
		return
	}
	m.RelayEventsPushed.WithLabelValues(event).Inc()
}
