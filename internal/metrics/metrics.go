// Package metrics exposes Prometheus instruments for the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "screenwatch"

// Drop reasons
const (
	DropNotConnected = "not_connected"
	DropNotCapturing = "not_capturing"
	DropStaleSession = "stale_session"
	DropInboxFull    = "inbox_full"
	DropDuplicate    = "duplicate"
	DropOversize     = "oversize"
	DropSendFailed   = "send_failed"
)

// Metrics groups every instrument. A nil *Metrics records nothing.
type Metrics struct {
	framesCaptured  prometheus.Counter
	framesSent      prometheus.Counter
	framesDropped   *prometheus.CounterVec
	results         prometheus.Counter
	connectAttempts prometheus.Counter
	connectionState prometheus.Gauge
	captureState    prometheus.Gauge
	breakerState    prometheus.Gauge
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_captured_total",
			Help: "Frames encoded by the sampler.",
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Frames written to the detection service.",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames discarded before reaching the detection service.",
		}, []string{"reason"}),
		results: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "detection_results_total",
			Help: "Detection results received from the service.",
		}),
		connectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_attempts_total",
			Help: "Connection attempts made to the detection service.",
		}),
		connectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected.",
		}),
		captureState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capture_state",
			Help: "0 idle, 1 starting, 2 capturing, 3 stopping.",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Reconnection breaker: 0 closed, 1 open, 2 half-open.",
		}),
	}
}

func (m *Metrics) FrameCaptured() {
	if m != nil {
		m.framesCaptured.Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ResultReceived() {
	if m != nil {
		m.results.Inc()
	}
}

func (m *Metrics) ConnectAttempt() {
	if m != nil {
		m.connectAttempts.Inc()
	}
}

func (m *Metrics) SetConnectionState(v int) {
	if m != nil {
		m.connectionState.Set(float64(v))
	}
}

func (m *Metrics) SetCaptureState(v int) {
	if m != nil {
		m.captureState.Set(float64(v))
	}
}

func (m *Metrics) SetBreakerState(v int) {
	if m != nil {
		m.breakerState.Set(float64(v))
	}
}
