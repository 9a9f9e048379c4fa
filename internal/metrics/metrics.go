// Package metrics provides Prometheus metrics for the sprinkler engine:
// control dispatch, zone activity, index and schedule gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Control plane ──────────────────────────────────────────────────────────

// ControlCommands counts start/stop commands sent to control servers.
var ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sprinkler",
	Name:      "control_commands_total",
	Help:      "Control commands dispatched, by state and result.",
}, []string{"state", "result"})

// ControlPoints tracks declared control points by status character.
var ControlPoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sprinkler",
	Name:      "control_points",
	Help:      "Declared control points by status (u, i, a, e).",
}, []string{"status"})

// ─── Zones ──────────────────────────────────────────────────────────────────

// ZonePulses counts dispatched zone pulses.
var ZonePulses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sprinkler",
	Name:      "zone_pulses_total",
	Help:      "Zone pulses dispatched, per zone.",
}, []string{"zone"})

// QueueLength tracks the number of pending queue entries.
var QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sprinkler",
	Name:      "zone_queue_length",
	Help:      "Zone activation queue entries.",
})

// ─── Watering index ─────────────────────────────────────────────────────────

// WateringIndex tracks the current watering index value.
var WateringIndex = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sprinkler",
	Name:      "watering_index",
	Help:      "Current watering index percentage.",
})

// ─── Programs and schedules ─────────────────────────────────────────────────

// ProgramsActive tracks how many programs are currently running.
var ProgramsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sprinkler",
	Name:      "programs_active",
	Help:      "Programs currently running.",
})

// RainDelayRemaining tracks the remaining rain delay in seconds.
var RainDelayRemaining = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sprinkler",
	Name:      "rain_delay_remaining_seconds",
	Help:      "Remaining rain delay, 0 when none.",
})

// ─── Infrastructure ─────────────────────────────────────────────────────────

// DiscoveredProviders tracks providers known per service.
var DiscoveredProviders = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sprinkler",
	Name:      "discovered_providers",
	Help:      "Providers currently known, per service.",
}, []string{"service"})

// StateSaves counts persistent state save attempts.
var StateSaves = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sprinkler",
	Name:      "state_saves_total",
	Help:      "Persistent state save attempts, by result.",
}, []string{"result"})
