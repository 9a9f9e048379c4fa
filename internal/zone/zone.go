// Package zone runs the watering zones. It owns a queue of pending zone
// activations and starts one zone at a time through the control plane.
//
// When a zone defines a pulse/pause pair, its watering time is delivered in
// bounded pulses with mandatory pauses in between. Sprinklers typically
// deliver water faster than the ground absorbs it; the pause lets the water
// soak in before the same zone runs again. Another zone can run while the
// first one pauses, so no time is wasted.
package zone

import (
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/control"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/feed"
	"github.com/hausgrid/sprinklerd/internal/metrics"
)

// indexValvePause is a trailing second between zones, accommodating
// hardware that indexes between circuits.
const indexValvePause = time.Second

type def struct {
	name    string
	feed    string
	hydrate int
	pulse   int
	pause   int
	manual  bool
}

type entry struct {
	zone    int
	runtime int
	hydrate int
	nexton  time.Time
	context string
}

// Queue owns the zones and their activation queue.
type Queue struct {
	mu sync.Mutex

	zones []def
	queue []entry

	active    int // Index of the zone whose pulse is running, or -1.
	busyUntil time.Time
	pulseEnd  time.Time

	ctrl  *control.Client
	feeds *feed.Chains
	rec   *events.Recorder
}

// New creates an empty zone queue.
func New(ctrl *control.Client, feeds *feed.Chains, rec *events.Recorder) *Queue {
	return &Queue{ctrl: ctrl, feeds: feeds, rec: rec, active: -1}
}

// Refresh rebuilds the zone table from the configuration and declares the
// underlying control points. The queue is reset.
func (q *Queue) Refresh(cfg *config.Store) {
	var zones []def
	for _, node := range cfg.Root().Array(".zones") {
		z := def{
			name:    node.String(".name"),
			feed:    node.String(".feed"),
			hydrate: node.Positive(".hydrate"),
			pulse:   node.Positive(".pulse"),
			pause:   node.Positive(".pause"),
			manual:  node.Bool(".manual"),
		}
		if z.name == "" {
			continue
		}
		zones = append(zones, z)
		q.ctrl.Declare(z.name, "ZONE")
	}

	q.mu.Lock()
	q.zones = zones
	q.queue = nil
	q.active = -1
	q.busyUntil = time.Time{}
	q.pulseEnd = time.Time{}
	q.mu.Unlock()
}

func (q *Queue) find(name string) int {
	for i := range q.zones {
		if q.zones[i].name == name {
			return i
		}
	}
	return -1
}

// Activate queues one zone for pulse seconds of watering. The context names
// the program requesting it; empty means a manual activation. A zone
// already queued accumulates the new pulse into its remaining runtime.
// Returns false when the zone is unknown, or is manual-only and the
// activation is scheduled.
func (q *Queue) Activate(name string, pulse int, context string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	zone := q.find(name)
	if zone < 0 {
		return false
	}
	if q.zones[zone].manual && context != "" {
		return false // Manual-only zones refuse scheduled activations.
	}

	how := "scheduled"
	if context == "" {
		how = "manually"
	}
	q.rec.Event("ZONE", name, "QUEUE", "%s for a %d seconds pulse", how, pulse)

	for i := range q.queue {
		if q.queue[i].zone == zone {
			// Accumulate into the existing entry, never duplicate.
			q.queue[i].runtime += pulse
			if q.queue[i].nexton.IsZero() {
				q.queue[i].nexton = now
			}
			return true
		}
	}
	q.queue = append(q.queue, entry{
		zone:    zone,
		runtime: pulse,
		hydrate: q.zones[zone].hydrate,
		nexton:  now,
		context: context,
	})
	return true
}

// Stop clears the queue and the busy marker. The active control point, if
// any, is cancelled explicitly on the next scheduling step.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rec.Event("ZONE", "ALL", "STOP", "manual")
	q.queue = nil
	q.busyUntil = time.Time{}
}

// elapsed estimates the total time a queue entry still represents,
// including the pauses its remaining pulses will require. Used to break
// selection ties in favor of the longest critical path.
func (q *Queue) elapsed(e *entry) int {
	z := &q.zones[e.zone]
	if z.pulse <= 0 {
		return e.runtime
	}
	soaks := e.runtime / z.pulse
	if e.runtime%z.pulse == 0 {
		soaks -= 1
	}
	if soaks < 0 {
		soaks = 0
	}
	return e.runtime + z.pause*soaks
}

// Periodic runs one scheduling step.
func (q *Queue) Periodic(now time.Time) {
	q.mu.Lock()

	// Prune completed entries once their pause has fully elapsed.
	for n := len(q.queue); n > 0; n = len(q.queue) {
		last := &q.queue[n-1]
		if last.runtime != 0 || !last.nexton.Before(now) {
			break
		}
		q.queue = q.queue[:n-1]
	}
	metrics.QueueLength.Set(float64(len(q.queue)))

	// A pulse is in flight: nothing to schedule.
	if !q.busyUntil.IsZero() && !now.After(q.busyUntil) {
		q.mu.Unlock()
		return
	}

	if q.active >= 0 {
		name := q.zones[q.active].name
		externalStop := q.busyUntil.IsZero()
		q.active = -1
		q.pulseEnd = time.Time{}
		if externalStop && q.ctrl.State(name) == control.StatusActive {
			// The queue was stopped mid-pulse: the point will not expire on
			// our schedule anymore, turn it off now.
			q.mu.Unlock()
			q.ctrl.Cancel(name)
			q.mu.Lock()
		}
	}
	q.busyUntil = time.Time{}

	// Select the entry with the earliest ready time. Scheduled activations
	// only dispatch at the top of the minute so flow sensors can bin by
	// whole minutes; manual activations are not gated.
	selected := -1
	for i := range q.queue {
		e := &q.queue[i]
		if e.runtime <= 0 {
			continue
		}
		if e.context != "" && now.Unix()%60 > 1 {
			continue
		}
		if e.nexton.IsZero() || e.nexton.After(now) {
			continue
		}
		if selected < 0 {
			selected = i
			continue
		}
		s := &q.queue[selected]
		if e.nexton.Before(s.nexton) {
			selected = i
		} else if e.nexton.Equal(s.nexton) && q.elapsed(e) > q.elapsed(s) {
			selected = i
		}
	}
	if selected < 0 {
		q.mu.Unlock()
		return
	}

	e := &q.queue[selected]
	z := &q.zones[e.zone]
	var pulse int
	if e.context == "" {
		// Manual run: deliver the whole remaining runtime in one pulse.
		pulse = e.runtime
		e.runtime = 0
		e.hydrate = 0
		e.nexton = now.Add(time.Duration(pulse) * time.Second)
	} else {
		pulse = z.pulse
		if e.hydrate > 0 {
			pulse = e.hydrate
			e.hydrate = 0
		}
		if pulse == 0 || e.runtime <= pulse {
			pulse = e.runtime
			e.runtime = 0
		} else {
			e.runtime -= pulse
		}
		// Always wait through the pause, even after the last pulse: if the
		// same zone is activated again, the pause must never be skipped.
		e.nexton = now.Add(time.Duration(pulse+z.pause) * time.Second)
	}

	name := z.name
	feedName := z.feed
	context := e.context
	zoneIdx := e.zone
	q.mu.Unlock()

	if feedName != "" {
		q.feeds.Activate(feedName, pulse, context)
	}
	if q.ctrl.Start(name, pulse, context) {
		metrics.ZonePulses.WithLabelValues(name).Inc()
		q.mu.Lock()
		q.busyUntil = now.Add(time.Duration(pulse)*time.Second + indexValvePause)
		q.pulseEnd = now.Add(time.Duration(pulse) * time.Second)
		q.active = zoneIdx
		q.mu.Unlock()
	}
}

// Idle reports whether all watering completed: the queue is empty, or no
// zone is mid-pulse and no entry has remaining runtime. A program between
// pulses is not idle.
func (q *Queue) Idle(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return true
	}
	if q.active >= 0 && !q.pulseEnd.Before(now) {
		return false
	}
	for i := range q.queue {
		if q.queue[i].runtime > 0 {
			return false
		}
	}
	return true
}

// Status reports every zone with its control status, the pending queue and
// the active zone.
func (q *Queue) Status(now time.Time) map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	zones := make([]any, 0, len(q.zones))
	for i := range q.zones {
		zones = append(zones, []any{
			q.zones[i].name, string(q.ctrl.State(q.zones[i].name)),
		})
	}
	queue := make([]any, 0, len(q.queue))
	for i := range q.queue {
		if q.queue[i].runtime > 0 {
			queue = append(queue, []any{
				q.zones[q.queue[i].zone].name, q.queue[i].runtime,
			})
		}
	}
	status := map[string]any{"zones": zones, "queue": queue}
	if q.active >= 0 {
		status["active"] = q.zones[q.active].name
	}
	return status
}
