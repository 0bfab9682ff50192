// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes Prometheus instrumentation for the session,
// task, and listener subsystems. All methods are nil-receiver safe so
// instrumented code never has to check whether metrics are wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the registry and the instrument families.
type Collector struct {
	registry *prometheus.Registry

	sessionsByState *prometheus.GaugeVec
	registrations   prometheus.Counter
	tasksByState    *prometheus.GaugeVec
	taskOutcomes    *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	heartbeats      prometheus.Counter
	switches        prometheus.Counter
	probes          *prometheus.CounterVec
}

// NewCollector builds a Collector backed by its own registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.sessionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "muster_sessions",
		Help: "Live sessions by liveness state.",
	}, []string{"state"})
	c.registrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "muster_session_registrations_total",
		Help: "Sessions registered since start.",
	})
	c.tasksByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "muster_tasks",
		Help: "Tasks by state.",
	}, []string{"state"})
	c.taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_task_outcomes_total",
		Help: "Terminal task outcomes.",
	}, []string{"outcome"})
	c.framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_frames_total",
		Help: "Wire frames by transport and direction.",
	}, []string{"transport", "direction"})
	c.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_bytes_total",
		Help: "Wire bytes by transport and direction.",
	}, []string{"transport", "direction"})
	c.heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "muster_heartbeats_total",
		Help: "Heartbeat frames received.",
	})
	c.switches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "muster_protocol_switches_total",
		Help: "Protocol-switch requests accepted.",
	})
	c.probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_idle_probes_total",
		Help: "Heartbeat probes sent to idle sessions.",
	}, []string{"result"})

	c.registry.MustRegister(
		c.sessionsByState, c.registrations, c.tasksByState, c.taskOutcomes,
		c.framesTotal, c.bytesTotal, c.heartbeats, c.switches, c.probes,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionStateChange moves one session between state buckets. Either
// name may be empty for registration and destruction.
func (c *Collector) SessionStateChange(from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.sessionsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.sessionsByState.WithLabelValues(to).Inc()
	}
}

// SessionRegistered counts a new registration.
func (c *Collector) SessionRegistered() {
	if c == nil {
		return
	}
	c.registrations.Inc()
}

// TaskStateChange moves one task between state buckets.
func (c *Collector) TaskStateChange(from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.tasksByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.tasksByState.WithLabelValues(to).Inc()
	}
}

// TaskOutcome counts a terminal outcome.
func (c *Collector) TaskOutcome(outcome string) {
	if c == nil {
		return
	}
	c.taskOutcomes.WithLabelValues(outcome).Inc()
}

// Frame counts one frame and its size for a transport. Direction is
// "rx" or "tx".
func (c *Collector) Frame(transport, direction string, bytes int) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(transport, direction).Inc()
	c.bytesTotal.WithLabelValues(transport, direction).Add(float64(bytes))
}

// Heartbeat counts a received heartbeat frame.
func (c *Collector) Heartbeat() {
	if c == nil {
		return
	}
	c.heartbeats.Inc()
}

// ProtocolSwitch counts an accepted switch request.
func (c *Collector) ProtocolSwitch() {
	if c == nil {
		return
	}
	c.switches.Inc()
}

// IdleProbe counts a probe fired at an idle session; result is "sent",
// "failed", or "reachable".
func (c *Collector) IdleProbe(result string) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(result).Inc()
}
