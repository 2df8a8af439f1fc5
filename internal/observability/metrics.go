package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the coordinator host.
type Metrics struct {
	ActiveCalls      prometheus.Gauge
	CallTransitions  *prometheus.CounterVec
	Invitations      *prometheus.CounterVec
	JoinAttempts     prometheus.Histogram
	NotifyDeliveries *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec

	// SetupLatency is a rolling window, not a Prometheus instrument: it backs
	// the /v1/perf/latency snapshot endpoint.
	SetupLatency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SetupLatency: NewLatencyWindow(256),
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of non-terminal call sessions (0 or 1 per coordinator).",
		}),
		CallTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call lifecycle transitions by source and target state.",
		}, []string{"from", "to"}),
		Invitations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_total",
			Help:      "Incoming call invitation observations by source and outcome.",
		}, []string{"source", "outcome"}),
		JoinAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_attempts",
			Help:      "Existence-probe attempts needed before a call became joinable.",
			Buckets:   []float64{1, 2, 3, 5, 8, 12, 16, 20},
		}),
		NotifyDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_deliveries_total",
			Help:      "Notification channel requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
