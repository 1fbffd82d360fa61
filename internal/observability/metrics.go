package observability

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acnode",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound bus messages by route and outcome.",
		},
		[]string{"node", "route", "outcome"},
	)
	verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acnode",
			Subsystem: "security",
			Name:      "verdicts_total",
			Help:      "Security handler verdicts.",
		},
		[]string{"node", "scheme", "verdict"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acnode",
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Command dispatch results by handler.",
		},
		[]string{"node", "handler", "result"},
	)
	approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acnode",
			Subsystem: "approval",
			Name:      "outcomes_total",
			Help:      "Approval requests by outcome.",
		},
		[]string{"node", "outcome"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acnode",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Bus connect attempts.",
		},
		[]string{"node", "success"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "acnode",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current connection state (0 link_down .. 3 bus_connected).",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messages, verdicts, dispatches, approvals, connectAttempts, connectionState)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordMessage(node, route, outcome string) {
	RegisterMetrics()
	messages.WithLabelValues(node, route, outcome).Inc()
}

func RecordVerdict(node, scheme, verdict string) {
	RegisterMetrics()
	verdicts.WithLabelValues(node, scheme, verdict).Inc()
}

func RecordDispatch(node, handler, result string) {
	RegisterMetrics()
	if handler == "" {
		handler = "none"
	}
	dispatches.WithLabelValues(node, handler, result).Inc()
}

func RecordApproval(node, outcome string) {
	RegisterMetrics()
	approvals.WithLabelValues(node, outcome).Inc()
}

func RecordConnectAttempt(node string, success bool) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(node, strconv.FormatBool(success)).Inc()
}

func SetConnectionState(node string, state int) {
	RegisterMetrics()
	connectionState.WithLabelValues(node).Set(float64(state))
}
