// ABOUTME: Prometheus collectors for transitions, timers, verifications, leases and focus ingestion
// ABOUTME: Registered on a private registry and served through promhttp

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "applockd"

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	TimerFires    *prometheus.CounterVec
	Verifications *prometheus.CounterVec

	ActiveMachines prometheus.Gauge
	ActiveLeases   prometheus.Gauge

	FocusEvents        *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	Uptime             prometheus.GaugeFunc
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	start := time.Now()

	return &Metrics{
		registry: reg,

		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Accepted lock state transitions",
			},
			[]string{"from", "event", "to"},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Rejected lock events by reason",
			},
			[]string{"state", "event", "reason"},
		),
		TimerFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timer_fires_total",
				Help:      "Timer fires by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Verification attempts by credential kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ActiveMachines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machines_active",
				Help:      "Applications whose lock state is not IDLE",
			},
		),
		ActiveLeases: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leases_active",
				Help:      "Outstanding verification prompts",
			},
		),
		FocusEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "focus_events_total",
				Help:      "Focus events by disposition",
			},
			[]string{"disposition"},
		),
		ProcessingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "focus_event_duration_seconds",
				Help:      "Time to process one focus event",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
		),
		Uptime: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Seconds since the engine started",
			},
			func() float64 { return time.Since(start).Seconds() },
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordTransition counts an accepted transition.
func (m *Metrics) RecordTransition(from, event, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, event, to).Inc()
}

// RecordRejection counts a rejected event.
func (m *Metrics) RecordRejection(state, event, reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(state, event, reason).Inc()
}

// RecordTimerFire counts a timer fire. outcome is "fired" or "stale".
func (m *Metrics) RecordTimerFire(kind, outcome string) {
	if m == nil {
		return
	}
	m.TimerFires.WithLabelValues(kind, outcome).Inc()
}

// RecordVerification counts a verification outcome.
func (m *Metrics) RecordVerification(kind, outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(kind, outcome).Inc()
}

// MachineActivated and MachineDeactivated track non-IDLE machines.
func (m *Metrics) MachineActivated() {
	if m == nil {
		return
	}
	m.ActiveMachines.Inc()
}

func (m *Metrics) MachineDeactivated() {
	if m == nil {
		return
	}
	m.ActiveMachines.Dec()
}

// SetActiveMachines overwrites the machine gauge, used after a bulk reset.
func (m *Metrics) SetActiveMachines(n int) {
	if m == nil {
		return
	}
	m.ActiveMachines.Set(float64(n))
}

// LeaseAcquired and LeaseReleased track outstanding prompts.
func (m *Metrics) LeaseAcquired() {
	if m == nil {
		return
	}
	m.ActiveLeases.Inc()
}

func (m *Metrics) LeaseReleased() {
	if m == nil {
		return
	}
	m.ActiveLeases.Dec()
}

// RecordFocusEvent counts an ingested focus event and its processing time.
// disposition is one of "noise", "self", "same", "protected", "unprotected"
// or "dropped".
func (m *Metrics) RecordFocusEvent(disposition string, d time.Duration) {
	if m == nil {
		return
	}
	m.FocusEvents.WithLabelValues(disposition).Inc()
	if d > 0 {
		m.ProcessingDuration.Observe(d.Seconds())
	}
}
