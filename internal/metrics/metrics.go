package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wasession",
			Name:      "sessions",
			Help:      "Live sessions by state and provider.",
		},
		[]string{"state", "provider"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasession",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasession",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnection attempts after transient disconnects.",
		},
		[]string{"provider"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasession",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Outbound messages by provider, kind and outcome.",
		},
		[]string{"provider", "kind", "outcome"},
	)
	supervisorState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wasession",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (0=not_started 1=starting 2=running 3=degraded 4=restarting 5=stopped 6=exhausted).",
		},
	)
	supervisorRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wasession",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Restarts of the protocol-client runtime.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasession",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wasession",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessions,
			sessionTransitions,
			reconnects,
			messagesSent,
			supervisorState,
			supervisorRestarts,
			httpRequests,
			httpDuration,
		)
	})
}

// RecordTransition moves one session from the old state's gauge to the new
// one. An empty from marks a newly created session; an empty to marks removal.
func RecordTransition(provider, from, to string) {
	RegisterMetrics()
	if from != "" {
		sessions.WithLabelValues(from, provider).Dec()
	}
	if to != "" {
		sessions.WithLabelValues(to, provider).Inc()
	}
	if from != "" && to != "" {
		sessionTransitions.WithLabelValues(from, to).Inc()
	}
}

func RecordReconnect(provider string) {
	RegisterMetrics()
	reconnects.WithLabelValues(provider).Inc()
}

func RecordSend(provider, kind string, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	messagesSent.WithLabelValues(provider, kind, outcome).Inc()
}

func RecordSupervisorState(state int) {
	RegisterMetrics()
	supervisorState.Set(float64(state))
}

func RecordSupervisorRestart() {
	RegisterMetrics()
	supervisorRestarts.Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
