// Package metrics holds the Prometheus collectors of the server. They are
// registered with the default registry and served by promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vampire_server"

var (
	// invocations counts prover invocations.
	// Labels: mode (start, start_interactive, select), result (ok, empty_input,
	// invalid_state, launch_error, rejected, timeout, error)
	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "prover",
		Name:      "invocations_total",
		Help:      "Total prover invocations by mode and result",
	}, []string{"mode", "result"})

	// invocationDuration measures how long one invocation or resumption ran.
	// Labels: mode
	invocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "prover",
		Name:      "invocation_duration_seconds",
		Help:      "Prover invocation duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"mode"})

	// linesParsed counts parsed output lines.
	// Labels: kind
	linesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "lines_total",
		Help:      "Total parsed prover output lines by kind",
	}, []string{"kind"})

	sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "sessions",
		Help:      "Current number of sessions by state",
	}, []string{"state"})

	proverAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "prover",
		Name:      "available",
		Help:      "1 when the prover executable can be launched, 0 otherwise",
	})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "websocket_clients",
		Help:      "Currently connected websocket clients",
	})

	historyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "write_errors_total",
		Help:      "Run history rows that could not be written",
	})
)

// ObserveInvocation records one finished invocation and the kinds of the
// lines it produced.
func ObserveInvocation(mode, result string, d time.Duration, kinds []string) {
	invocations.WithLabelValues(mode, result).Inc()
	invocationDuration.WithLabelValues(mode).Observe(d.Seconds())
	for _, k := range kinds {
		linesParsed.WithLabelValues(k).Inc()
	}
}

// SetSessions replaces the per-state session counts.
func SetSessions(counts map[string]int) {
	sessions.Reset()
	for state, n := range counts {
		sessions.WithLabelValues(state).Set(float64(n))
	}
}

// SetProverAvailable records whether the prover executable is usable.
func SetProverAvailable(ok bool) {
	if ok {
		proverAvailable.Set(1)
		return
	}
	proverAvailable.Set(0)
}

func ClientConnected()    { wsClients.Inc() }
func ClientDisconnected() { wsClients.Dec() }

func HistoryWriteFailed() { historyErrors.Inc() }
