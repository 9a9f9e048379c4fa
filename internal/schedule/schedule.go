// Package schedule launches watering programs automatically. A schedule
// entry names a program and the wall-clock predicates under which it fires:
// time of day, day-of-week mask, active date window and an optional day
// interval. Launches are gated by the system on/off switch and the rain
// delay. One-time runs can be queued ahead within a three day horizon.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hausgrid/sprinklerd/internal/clock"
	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/index"
	"github.com/hausgrid/sprinklerd/internal/interval"
	"github.com/hausgrid/sprinklerd/internal/metrics"
	"github.com/hausgrid/sprinklerd/internal/program"
	"github.com/hausgrid/sprinklerd/internal/state"
)

// onceHorizon bounds how far ahead a one-time run can be queued.
const onceHorizon = 3 * 24 * time.Hour

// intervalLeniency absorbs operator edits that move a start time earlier
// within the same day: six hours of slack in the day-interval calculation.
const intervalLeniency = 21600

type entry struct {
	id       uuid.UUID
	program  string
	disabled bool
	begin    time.Time
	until    time.Time
	hour     int
	minute   int
	days     [7]bool
	interval int
	scale    string

	lastlaunch time.Time
}

type onceEntry struct {
	program string
	start   time.Time
}

// Scheduler evaluates the schedules against the clock.
type Scheduler struct {
	mu sync.Mutex

	entries []entry
	once    []onceEntry

	on          bool
	rainEnabled bool
	rainDelay   time.Time

	lastHour   int
	lastMinute int

	progs *program.Set
	ints  *interval.Table
	idx   *index.Service
	st    *state.Manager
	rec   *events.Recorder

	restored bool
}

// New creates a scheduler. It registers its persistent fragment (on/off,
// rain delay, launch records, one-time list) with the state manager.
func New(progs *program.Set, ints *interval.Table, idx *index.Service, st *state.Manager, rec *events.Recorder) *Scheduler {
	s := &Scheduler{
		on:          true,
		rainEnabled: true,
		lastHour:    -1,
		lastMinute:  -1,
		progs:       progs,
		ints:        ints,
		idx:         idx,
		st:          st,
		rec:         rec,
	}
	st.Register(s.backup)
	st.Listen(s.restore)
	return s
}

func (s *Scheduler) backup(doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc["on"] = s.on
	raindelay := int64(0)
	if !s.rainDelay.IsZero() {
		raindelay = s.rainDelay.Unix()
	}
	doc["raindelay"] = raindelay

	var records []map[string]any
	for i := range s.entries {
		if s.entries[i].lastlaunch.IsZero() {
			continue
		}
		records = append(records, map[string]any{
			"id":       s.entries[i].id.String(),
			"launched": s.entries[i].lastlaunch.Unix(),
		})
	}
	doc["schedule"] = records

	var onceList []map[string]any
	for i := range s.once {
		onceList = append(onceList, map[string]any{
			"program": s.once[i].program,
			"start":   s.once[i].start.Unix(),
		})
	}
	doc["once"] = onceList
}

// restore re-reads the scheduler fragment after an external state update.
// Only one instance is intended active at a time: a state document written
// by another host brings this instance up switched off.
func (s *Scheduler) restore() {
	now := time.Now()
	root := s.st.Root()

	s.mu.Lock()
	on := s.on
	s.mu.Unlock()
	if root.Exists(".on") {
		on = s.st.Get(".on") != 0
	}
	if host := s.st.RestoredHost(); host != "" && host != s.st.Host() {
		on = false
	}
	rain := time.Time{}
	if ts := s.st.Get(".raindelay"); ts > now.Unix() {
		rain = time.Unix(ts, 0)
	}

	launches := map[uuid.UUID]time.Time{}
	for _, rec := range root.Array(".schedule") {
		id, err := uuid.Parse(rec.String(".id"))
		if err != nil {
			continue
		}
		if launched := rec.Int(".launched"); launched > 0 {
			launches[id] = time.Unix(int64(launched), 0)
		}
	}
	var onceList []onceEntry
	for _, rec := range root.Array(".once") {
		name := rec.String(".program")
		start := int64(rec.Int(".start"))
		if name == "" || start <= now.Unix() {
			continue
		}
		onceList = append(onceList, onceEntry{program: name, start: time.Unix(start, 0)})
	}

	s.mu.Lock()
	s.on = on
	s.rainDelay = rain
	for i := range s.entries {
		if launched, ok := launches[s.entries[i].id]; ok {
			s.entries[i].lastlaunch = launched
		}
	}
	s.once = onceList
	s.restored = true
	s.mu.Unlock()
}

// parseDate reads a MM/DD/YYYY date, with two-digit years meaning post
// 2000. Returns the zero time when the field is absent or incomplete.
func parseDate(s string) time.Time {
	var month, day, year int
	if n, _ := fmt.Sscanf(s, "%d/%d/%d", &month, &day, &year); n != 3 {
		return time.Time{}
	}
	if year < 100 {
		year += 2000
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
}

// Refresh rebuilds the schedule table from the configuration. Live data
// (last launch times) carries over by schedule identity; on first load it
// is recovered from the persistent state.
func (s *Scheduler) Refresh(cfg *config.Store) {
	root := cfg.Root()
	nodes := root.Array(".schedules")
	programKey := ".program"
	if len(nodes) == 0 {
		// Compatibility with the previous configuration generation, where
		// schedules were embedded in the programs.
		nodes = root.Array(".programs")
		programKey = ".name"
	}

	var entries []entry
	for _, node := range nodes {
		e := entry{
			program:  node.String(programKey),
			disabled: node.Bool(".disabled"),
			begin:    parseDate(node.String(".begin")),
			until:    parseDate(node.String(".until")),
			interval: node.Int(".interval"),
			scale:    node.String(".intervalscale"),
			hour:     -1, // Will never start unless a time is set.
		}
		if e.program == "" {
			continue
		}
		if id, err := uuid.Parse(node.String(".id")); err == nil {
			e.id = id
		} else {
			e.id = uuid.New()
		}
		if start := node.String(".start"); start != "" {
			var hour, minute int
			if n, _ := fmt.Sscanf(start, "%d:%d", &hour, &minute); n >= 1 {
				e.hour = hour
				e.minute = minute
			}
		}
		for i, d := range node.Array(".days") {
			if i >= 7 {
				break
			}
			e.days[i] = d.AsBool()
		}
		entries = append(entries, e)
	}

	s.mu.Lock()
	old := s.entries
	for i := range entries {
		for j := range old {
			if old[j].id == entries[i].id {
				entries[i].lastlaunch = old[j].lastlaunch
				break
			}
		}
	}
	s.entries = entries
	firstLoad := !s.restored
	s.mu.Unlock()

	if firstLoad {
		s.restore()
	}
}

// On reports the system switch.
func (s *Scheduler) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Switch alternates the system between on and off. Switching on re-shares
// the state under this host's identity, so peers can see which instance is
// the active one.
func (s *Scheduler) Switch() {
	s.mu.Lock()
	s.on = !s.on
	on := s.on
	s.mu.Unlock()

	action := "OFF"
	if on {
		action = "ON"
	}
	s.rec.Event("PROGRAM", "SWITCH", action, "")
	s.st.Share(on)
	s.st.Changed()
}

// Rain enables or disables the rain delay feature. Disabling it cancels any
// delay in progress.
func (s *Scheduler) Rain(enabled bool) {
	s.mu.Lock()
	if s.rainEnabled == enabled {
		s.mu.Unlock()
		return
	}
	s.rainEnabled = enabled
	cancelled := false
	if !enabled && s.rainDelay.After(time.Now()) {
		s.rainDelay = time.Time{}
		cancelled = true
	}
	s.mu.Unlock()

	action := "DISABLED"
	if enabled {
		action = "ENABLED"
	}
	s.rec.Event("SYSTEM", "RAIN DELAY", action, "")
	if cancelled {
		s.st.Changed()
	}
}

// SetRain adds delta seconds to the rain delay. A zero delta cancels the
// delay; a positive delta on an expired delay starts a new window.
func (s *Scheduler) SetRain(delta int, now time.Time) {
	s.mu.Lock()
	if !s.rainEnabled {
		s.mu.Unlock()
		return
	}
	switch {
	case delta == 0:
		s.rainDelay = time.Time{}
		s.mu.Unlock()
		s.rec.Event("SYSTEM", "RAIN DELAY", "OFF", "")
	case s.rainDelay.Before(now):
		s.rainDelay = now.Add(time.Duration(delta) * time.Second)
		until := s.rainDelay
		s.mu.Unlock()
		s.rec.Event("SYSTEM", "RAIN DELAY", "ON", "%s", clock.DeltaPrintable(now, until))
	default:
		s.rainDelay = s.rainDelay.Add(time.Duration(delta) * time.Second)
		until := s.rainDelay
		s.mu.Unlock()
		s.rec.Event("SYSTEM", "RAIN DELAY", "EXTENDED", "%s", clock.DeltaPrintable(now, until))
	}
	s.st.Changed()
}

// RainDelay returns the current delay deadline, zero when none.
func (s *Scheduler) RainDelay() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rainDelay
}

// Once queues a single run of a program at the given start time. The start
// must lie in the future, within a three day horizon.
func (s *Scheduler) Once(programName string, start time.Time, now time.Time) error {
	if start.Before(now) {
		return fmt.Errorf("start time in the past")
	}
	if start.After(now.Add(onceHorizon)) {
		return fmt.Errorf("start time beyond the %d day horizon", int(onceHorizon/(24*time.Hour)))
	}
	s.mu.Lock()
	s.once = append(s.once, onceEntry{program: programName, start: start})
	s.mu.Unlock()
	s.rec.Event("PROGRAM", programName, "ONCE", "AT %s", start.Format("15:04"))
	s.st.Changed()
	return nil
}

// Again duplicates a schedule entry into a one-time run at the next
// occurrence of its daily start time: the same day if that is still
// comfortably in the future, the next day otherwise.
func (s *Scheduler) Again(id string, now time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid schedule id: %w", err)
	}
	s.mu.Lock()
	var found *entry
	for i := range s.entries {
		if s.entries[i].id == parsed {
			found = &s.entries[i]
			break
		}
	}
	if found == nil || found.hour < 0 {
		s.mu.Unlock()
		return fmt.Errorf("unknown schedule")
	}
	programName := found.program
	start := time.Date(now.Year(), now.Month(), now.Day(),
		found.hour, found.minute, 0, 0, now.Location())
	if start.Before(now.Add(70 * time.Second)) {
		start = start.Add(24 * time.Hour)
	}
	s.mu.Unlock()
	return s.Once(programName, start, now)
}

// CancelOnce drops the first queued one-time run of the named program.
func (s *Scheduler) CancelOnce(programName string) {
	s.mu.Lock()
	dropped := false
	for i := range s.once {
		if s.once[i].program == programName {
			s.once = append(s.once[:i], s.once[i+1:]...)
			dropped = true
			break
		}
	}
	s.mu.Unlock()
	if dropped {
		s.st.Changed()
	}
}

// Periodic is the heart of the sprinkler function: it launches programs
// whose schedule matches the clock. It runs at most once per wall-clock
// minute, and not at all while the system is off or a rain delay is in
// effect.
func (s *Scheduler) Periodic(now time.Time) {
	s.mu.Lock()
	if !s.on {
		s.mu.Unlock()
		return
	}
	if now.Hour() == s.lastHour && now.Minute() == s.lastMinute {
		s.mu.Unlock()
		return
	}
	s.lastHour = now.Hour()
	s.lastMinute = now.Minute()

	if !s.rainDelay.IsZero() && s.rainDelay.Before(now) {
		s.rainDelay = time.Time{}
		s.mu.Unlock()
		s.rec.Event("SYSTEM", "RAIN DELAY", "EXPIRED", "")
		s.mu.Lock()
	}
	if !s.rainDelay.IsZero() {
		remaining := s.rainDelay.Sub(now) / time.Second
		s.mu.Unlock()
		metrics.RainDelayRemaining.Set(float64(remaining))
		return
	}
	metrics.RainDelayRemaining.Set(0)

	// One-time runs are evaluated first.
	var due []onceEntry
	for i := 0; i < len(s.once); i++ {
		if !s.once[i].start.After(now) {
			due = append(due, s.once[i])
		}
	}
	s.mu.Unlock()
	for _, o := range due {
		if launched := s.progs.StartScheduled(o.program, now); !launched.IsZero() {
			s.mu.Lock()
			for i := range s.once {
				if s.once[i].program == o.program && s.once[i].start.Equal(o.start) {
					s.once = append(s.once[:i], s.once[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			s.st.Changed()
		}
	}

	// Then the recurring schedules.
	s.mu.Lock()
	type candidate struct {
		index   int
		program string
	}
	var fire []candidate
	for i := range s.entries {
		e := &s.entries[i]
		if e.disabled {
			continue
		}
		if now.Hour() != e.hour || now.Minute() != e.minute {
			continue
		}
		if !e.begin.IsZero() && e.begin.After(now) {
			continue
		}
		if !e.until.IsZero() && e.until.Before(now) {
			continue
		}
		if !e.days[int(now.Weekday())] {
			continue
		}
		fire = append(fire, candidate{i, e.program})
	}
	s.mu.Unlock()

	for _, c := range fire {
		if s.progs.Running(c.program) {
			continue
		}
		s.mu.Lock()
		e := &s.entries[c.index]
		days := e.interval
		scale := e.scale
		last := e.lastlaunch
		s.mu.Unlock()

		if scale != "" {
			// Variable interval: the scale maps the current watering index
			// to a day count; a drier index waters more often.
			value := 100
			if v, _, _, _, ok := s.idx.Current(now); ok {
				value = v
			}
			if d := s.ints.Get(scale, value); d > 0 {
				days = d
			}
		}
		if days > 1 {
			reference := last
			if scheduled := s.progs.LastScheduled(c.program); scheduled.After(reference) {
				reference = scheduled
			}
			if !reference.IsZero() {
				elapsed := (now.Unix() - reference.Unix() + intervalLeniency) / 86400
				if elapsed < int64(days) {
					continue
				}
			}
		}

		if launched := s.progs.StartScheduled(c.program, now); !launched.IsZero() {
			s.mu.Lock()
			s.entries[c.index].lastlaunch = launched
			s.mu.Unlock()
			s.st.Changed()
		}
	}
}

// Status reports the scheduler state: the switch, the rain delay when the
// feature is enabled, the launch records and the pending one-time runs.
func (s *Scheduler) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]any{"on": s.on}
	if s.rainEnabled {
		raindelay := int64(0)
		if !s.rainDelay.IsZero() {
			raindelay = s.rainDelay.Unix()
		}
		status["raindelay"] = raindelay
	}
	records := make([]any, 0)
	for i := range s.entries {
		if s.entries[i].lastlaunch.IsZero() {
			continue
		}
		records = append(records, map[string]any{
			"id":       s.entries[i].id.String(),
			"launched": s.entries[i].lastlaunch.Unix(),
		})
	}
	status["schedule"] = records

	onceList := make([]any, 0)
	for i := range s.once {
		onceList = append(onceList, map[string]any{
			"program": s.once[i].program,
			"start":   s.once[i].start.Unix(),
		})
	}
	status["once"] = onceList
	return status
}
