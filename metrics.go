package main

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters for one wake cycle on a private registry.  The
// device never serves them; they are written to a node_exporter textfile
// right before sleep.
type Metrics struct {
	registry *prometheus.Registry

	polls               *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	connects            *prometheus.CounterVec
	watchdogFeeds       prometheus.Counter
	remoteOpen          prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	provisioning        *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewatch",
			Name:      "polls_total",
			Help:      "Remote state polls and pushes by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewatch",
			Name:      "state_transitions_total",
			Help:      "Lifecycle state machine transitions.",
		}, []string{"from", "to"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewatch",
			Name:      "wifi_connects_total",
			Help:      "Wi-Fi connection attempts by outcome.",
		}, []string{"outcome"}),
		watchdogFeeds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewatch",
			Name:      "watchdog_feeds_total",
			Help:      "Watchdog feeds.",
		}),
		remoteOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewatch",
			Name:      "remote_open",
			Help:      "1 if the gate was last seen open, 0 if closed, -1 if unknown.",
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewatch",
			Name:      "monitor_consecutive_failures",
			Help:      "Consecutive failed polls since the last success.",
		}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewatch",
			Name:      "provisioning_sessions_total",
			Help:      "Provisioning sessions by result.",
		}, []string{"result"}),
	}
	m.remoteOpen.Set(-1)
	m.registry.MustRegister(m.polls, m.transitions, m.connects, m.watchdogFeeds,
		m.remoteOpen, m.consecutiveFailures, m.provisioning)
	return m
}

func (m *Metrics) poll(result string) { m.polls.WithLabelValues(result).Inc() }
func (m *Metrics) transition(from, to State) { m.transitions.WithLabelValues(from.String(), to.String()).Inc() }
func (m *Metrics) connect(s ConnectionStatus) { m.connects.WithLabelValues(s.String()).Inc() }
func (m *Metrics) feed() { m.watchdogFeeds.Inc() }
func (m *Metrics) failures(n uint32) { m.consecutiveFailures.Set(float64(n)) }
func (m *Metrics) provisioned(result string) { m.provisioning.WithLabelValues(result).Inc() }

func (m *Metrics) remote(s RemoteState) {
	switch {
	case !s.Known:
		m.remoteOpen.Set(-1)
	case s.Open:
		m.remoteOpen.Set(1)
	default:
		m.remoteOpen.Set(0)
	}
}

// WriteTextfile dumps the registry to path.  An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) {
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		log.Printf("metrics textfile: %v", err)
	}
}
