// Package metrics exposes broker activity as Prometheus collectors.
//
// All methods are safe to call on a nil *Collectors, which lets components
// run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termbroker"

// Collectors holds the broker's Prometheus collectors.
type Collectors struct {
	sessions       *prometheus.GaugeVec
	viewers        prometheus.Gauge
	outputBytes    prometheus.Counter
	inputBytes     prometheus.Counter
	droppedViewers prometheus.Counter
	droppedInput   prometheus.Counter
	respawns       prometheus.Counter
	spawnFailures  prometheus.Counter
	sessionExits   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live terminal sessions.",
		}, []string{"mode"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Viewers attached to a session.",
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes read from terminal processes.",
		}),
		inputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Bytes queued for terminal processes.",
		}),
		droppedViewers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_viewers_total",
			Help:      "Viewers detached because their send queue was full.",
		}),
		droppedInput: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_input_total",
			Help:      "Input or resize requests dropped.",
		}),
		respawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "respawns_total",
			Help:      "Shells restarted by standalone sessions.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Failed attempts to start a shell.",
		}),
		sessionExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_exits_total",
			Help:      "Sessions that ended, by mode.",
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.sessions,
			c.viewers,
			c.outputBytes,
			c.inputBytes,
			c.droppedViewers,
			c.droppedInput,
			c.respawns,
			c.spawnFailures,
			c.sessionExits,
		)
	}
	return c
}

// SessionOpened records a new live session.
func (c *Collectors) SessionOpened(mode string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(mode).Inc()
}

// SessionClosed records the end of a live session.
func (c *Collectors) SessionClosed(mode string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(mode).Dec()
	c.sessionExits.WithLabelValues(mode).Inc()
}

// ViewerAttached records a viewer joining a session.
func (c *Collectors) ViewerAttached() {
	if c == nil {
		return
	}
	c.viewers.Inc()
}

// ViewerDetached records a viewer leaving a session for any reason.
func (c *Collectors) ViewerDetached(n int) {
	if c == nil || n == 0 {
		return
	}
	c.viewers.Sub(float64(n))
}

// ViewerDropped records a viewer removed for backpressure.
func (c *Collectors) ViewerDropped() {
	if c == nil {
		return
	}
	c.droppedViewers.Inc()
}

// Output counts bytes produced by a process.
func (c *Collectors) Output(n int) {
	if c == nil {
		return
	}
	c.outputBytes.Add(float64(n))
}

// Input counts bytes queued for a process.
func (c *Collectors) Input(n int) {
	if c == nil {
		return
	}
	c.inputBytes.Add(float64(n))
}

// InputDropped records a dropped input or resize request.
func (c *Collectors) InputDropped() {
	if c == nil {
		return
	}
	c.droppedInput.Inc()
}

// Respawned records a shell restart.
func (c *Collectors) Respawned() {
	if c == nil {
		return
	}
	c.respawns.Inc()
}

// SpawnFailed records a failed spawn attempt.
func (c *Collectors) SpawnFailed() {
	if c == nil {
		return
	}
	c.spawnFailures.Inc()
}
