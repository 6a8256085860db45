// Package metrics exposes bridge counters to Prometheus and serves the
// optional status endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "amp_acp_sessions_active",
			Help: "Number of sessions that have not terminated",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_acp_sessions_total",
			Help: "Sessions terminated, by end reason",
		},
		[]string{"outcome"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_acp_events_total",
			Help: "Events delivered to clients, by kind",
		},
		[]string{"kind"},
	)

	upstreamMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amp_acp_upstream_malformed_total",
			Help: "Upstream lines rejected as out of protocol",
		},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_acp_tool_calls_total",
			Help: "MCP tool calls, by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	serverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "amp_acp_mcp_server_state",
			Help: "1 for the current connectivity state of each MCP server",
		},
		[]string{"server", "state"},
	)

	cancelDrain = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "amp_acp_cancel_drain_seconds",
			Help:    "Time spent draining in-flight tool calls on cancel",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	renderErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amp_acp_diff_render_errors_total",
			Help: "File edits that could not be rendered as a diff",
		},
	)
)

// Register registers all bridge metrics with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(sessionsActive, sessionsTotal, eventsTotal, upstreamMalformed,
		toolCalls, serverState, cancelDrain, renderErrors)
}

// SessionStarted increments the active session gauge.
func SessionStarted() { sessionsActive.Inc() }

// SessionEnded decrements the active gauge and counts the outcome.
func SessionEnded(outcome string) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

func RecordEvent(kind string) { eventsTotal.WithLabelValues(kind).Inc() }

func RecordMalformed() { upstreamMalformed.Inc() }

func RecordToolCall(server, outcome string) { toolCalls.WithLabelValues(server, outcome).Inc() }

// SetServerState marks state as current for server and clears the others.
func SetServerState(server, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		serverState.WithLabelValues(server, s).Set(v)
	}
}

func ObserveCancelDrain(d time.Duration) { cancelDrain.Observe(d.Seconds()) }

func RecordRenderError() { renderErrors.Inc() }
