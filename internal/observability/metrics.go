package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	Frames              *prometheus.CounterVec
	RecognitionOutcomes *prometheus.CounterVec
	RecognizerFallbacks prometheus.Counter
	Transitions         *prometheus.CounterVec
	Intents             *prometheus.CounterVec
	OutboundMessages    *prometheus.CounterVec
	RecognitionLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active scan sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Camera frames by throttle result.",
		}, []string{"result"}),
		RecognitionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_outcomes_total",
			Help:      "Text recognition results by outcome.",
		}, []string{"outcome"}),
		RecognizerFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_fallbacks_total",
			Help:      "Recognitions served by the mock recognizer after the OCR service failed.",
		}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow step changes.",
		}, []string{"from", "to"}),
		Intents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "User intents by action and result.",
		}, []string{"action", "result"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound session messages by type and delivery result.",
		}, []string{"type", "result"}),
		RecognitionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_latency_ms",
			Help:      "Latency of a text recognition request in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1500, 3000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveRecognitionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.RecognitionLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageRecognition, float64(d)/float64(time.Millisecond))
}

// ObserveRecognizerFallback counts a recognition the primary recognizer
// could not serve.
func (m *Metrics) ObserveRecognizerFallback() {
	if m == nil {
		return
	}
	m.RecognizerFallbacks.Inc()
	m.stages.ObserveIndicator("recognizer_fallback")
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// ObserveOutboundMessage records whether a server message reached the
// connection writer.
func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
