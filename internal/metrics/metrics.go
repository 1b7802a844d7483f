// Package metrics exposes Prometheus metrics for sweeps, sync actions and
// usage events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/hierarchy"
)

const metricPrefix = "slot_engine_"

// Metrics bundles the engine's collectors.
type Metrics struct {
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	SweepsTotal    *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
	SlotChanges    prometheus.Counter
	UsageEvents    *prometheus.CounterVec
	ActiveSlots    *prometheus.GaugeVec
	SyncErrorSlots *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_actions_total",
				Help: "Gateway commands by pass, action and outcome",
			},
			[]string{"pass", "action", "outcome"},
		),
		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sync_action_duration_seconds",
				Help:    "Gateway command latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pass", "action"},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sweeps_total",
				Help: "Validity sweeps by result",
			},
			[]string{"result"},
		),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "sweep_duration_seconds",
			Help:    "Validity sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SlotChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "slot_state_changes_total",
			Help: "Slot state transitions found by sweeps",
		}),
		UsageEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "usage_events_total",
				Help: "Usage events by source and result",
			},
			[]string{"source", "result"},
		),
		ActiveSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_slots",
				Help: "Slots currently Active per lock",
			},
			[]string{"lock_id"},
		),
		SyncErrorSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sync_error_slots",
				Help: "Slots currently flagged with a sync error per lock",
			},
			[]string{"lock_id"},
		),
	}
	reg.MustRegister(
		m.ActionsTotal,
		m.ActionDuration,
		m.SweepsTotal,
		m.SweepDuration,
		m.SlotChanges,
		m.UsageEvents,
		m.ActiveSlots,
		m.SyncErrorSlots,
	)
	return m
}

var _ hierarchy.Observer = (*Metrics)(nil)

// ObserveAction records one gateway command.
func (m *Metrics) ObserveAction(pass hierarchy.Pass, kind hierarchy.ActionKind, outcome gateway.Outcome, d time.Duration) {
	m.ActionsTotal.WithLabelValues(string(pass), kind.String(), outcome.String()).Inc()
	m.ActionDuration.WithLabelValues(string(pass), kind.String()).Observe(d.Seconds())
}

// ObserveSweep records one sweep.
func (m *Metrics) ObserveSweep(changed, errors int, d time.Duration) {
	result := "ok"
	if errors > 0 {
		result = "error"
	}
	m.SweepsTotal.WithLabelValues(result).Inc()
	m.SweepDuration.Observe(d.Seconds())
	m.SlotChanges.Add(float64(changed))
}

// ObserveUsage records one usage event.
func (m *Metrics) ObserveUsage(source string, err error) {
	result := "recorded"
	if err != nil {
		result = "rejected"
	}
	m.UsageEvents.WithLabelValues(source, result).Inc()
}

// SetLockGauges publishes per-lock slot counts.
func (m *Metrics) SetLockGauges(lockID string, active, syncErrors int) {
	m.ActiveSlots.WithLabelValues(lockID).Set(float64(active))
	m.SyncErrorSlots.WithLabelValues(lockID).Set(float64(syncErrors))
}
