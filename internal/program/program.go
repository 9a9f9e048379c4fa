// Package program manages the watering programs: ordered lists of zone
// runtimes launched as a unit, scaled by the applicable watering index.
package program

import (
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/index"
	"github.com/hausgrid/sprinklerd/internal/metrics"
	"github.com/hausgrid/sprinklerd/internal/season"
	"github.com/hausgrid/sprinklerd/internal/state"
	"github.com/hausgrid/sprinklerd/internal/zone"
)

type progZone struct {
	name    string
	runtime int
}

type prog struct {
	name      string
	season    string
	zones     []progZone
	running   bool
	scheduled time.Time
}

// Set holds the configured programs.
type Set struct {
	mu sync.Mutex

	progs    []prog
	useIndex bool

	zones   *zone.Queue
	seasons *season.Table
	idx     *index.Service
	st      *state.Manager
	rec     *events.Recorder
}

// New creates an empty program set. The state manager records the useindex
// flag and restores it when an external state update arrives.
func New(zones *zone.Queue, seasons *season.Table, idx *index.Service, st *state.Manager, rec *events.Recorder) *Set {
	p := &Set{
		zones:    zones,
		seasons:  seasons,
		idx:      idx,
		st:       st,
		rec:      rec,
		useIndex: true,
	}
	st.Register(p.backup)
	st.Listen(p.restore)
	return p
}

func (p *Set) backup(doc map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc["useindex"] = p.useIndex
}

func (p *Set) restore() {
	if !p.st.Root().Exists(".useindex") {
		return
	}
	use := p.st.Get(".useindex") != 0
	p.mu.Lock()
	p.useIndex = use
	p.mu.Unlock()
}

// Refresh rebuilds the program table from the configuration and recovers
// the useindex flag from the persistent state.
func (p *Set) Refresh(cfg *config.Store) {
	var progs []prog
	for _, node := range cfg.Root().Array(".programs") {
		pr := prog{
			name:   node.String(".name"),
			season: node.String(".season"),
		}
		if pr.name == "" {
			continue
		}
		for _, z := range node.Array(".zones") {
			name := z.String(".name")
			if name == "" {
				continue
			}
			pr.zones = append(pr.zones, progZone{name: name, runtime: z.Positive(".time")})
		}
		progs = append(progs, pr)
	}

	p.mu.Lock()
	use := p.useIndex
	p.mu.Unlock()
	if p.st.Root().Exists(".useindex") {
		use = p.st.Get(".useindex") != 0
	}

	p.mu.Lock()
	p.progs = progs
	p.useIndex = use
	p.mu.Unlock()
}

func (p *Set) find(name string) *prog {
	for i := range p.progs {
		if p.progs[i].name == name {
			return &p.progs[i]
		}
	}
	return nil
}

// UseIndex enables or disables the index mechanism, independently of the
// index value, and records the choice in the persistent state.
func (p *Set) UseIndex(on bool) {
	p.mu.Lock()
	p.useIndex = on
	p.mu.Unlock()
	p.st.Changed()
}

// CurrentIndex computes the index applicable to a program right now, and
// the name of its origin. A zero index with manual false means the program
// is disabled for this part of the year.
func (p *Set) CurrentIndex(name string, manual bool, now time.Time) (int, string) {
	p.mu.Lock()
	pr := p.find(name)
	use := p.useIndex
	var seasonName string
	if pr != nil {
		seasonName = pr.season
	}
	p.mu.Unlock()

	if !use {
		return 100, ""
	}

	value := 100
	priority := 0
	origin := ""
	if seasonName != "" {
		value = p.seasons.Index(seasonName, now)
		priority = p.seasons.Priority(seasonName)
		origin = seasonName
		if value == 0 {
			if !manual {
				return 0, origin
			}
			value = 100 // The user overrides the season: the user is right.
		}
	}

	if online, onlinePriority, onlineOrigin, _, ok := p.idx.Current(now); ok && onlinePriority > priority {
		value = online
		origin = onlineOrigin
	}
	if value == 0 && manual {
		return 100, ""
	}
	return value, origin
}

// activate launches a program: every zone is queued with its runtime scaled
// by the applicable index. Returns the launch time, or zero when the launch
// was refused.
func (p *Set) activate(name string, manual, full bool, now time.Time) time.Time {
	p.mu.Lock()
	pr := p.find(name)
	if pr == nil {
		p.mu.Unlock()
		return time.Time{}
	}
	if pr.running {
		p.mu.Unlock()
		p.rec.Event("PROGRAM", name, "IGNORED", "ALREADY RUNNING")
		return time.Time{}
	}
	zones := append([]progZone(nil), pr.zones...)
	p.mu.Unlock()

	value := 100
	origin := ""
	if !full {
		value, origin = p.CurrentIndex(name, manual, now)
		if value == 0 && !manual {
			p.rec.Event("PROGRAM", name, "IGNORED", "NOT IN SEASON")
			return time.Time{}
		}
	}

	how := "SCHEDULED"
	if manual {
		how = "USER ACTIVATED"
	}
	if origin != "" {
		p.rec.Event("PROGRAM", name, "START", "%s, INDEX %d%% FROM %s", how, value, origin)
	} else {
		p.rec.Event("PROGRAM", name, "START", "%s, NO INDEX", how)
	}

	context := "PROGRAM " + name
	for _, z := range zones {
		p.zones.Activate(z.name, (z.runtime*value)/100, context, now)
	}

	p.mu.Lock()
	pr = p.find(name)
	if pr != nil {
		pr.running = true
		pr.scheduled = now
	}
	p.mu.Unlock()
	metrics.ProgramsActive.Inc()
	return now
}

// StartManual launches a program on user request. A manual launch ignores a
// zero season index.
func (p *Set) StartManual(name string, now time.Time) time.Time {
	return p.activate(name, true, false, now)
}

// StartScheduled launches a program from the schedule evaluator.
func (p *Set) StartScheduled(name string, now time.Time) time.Time {
	return p.activate(name, false, false, now)
}

// StartFull launches a program at full runtimes, ignoring every index.
func (p *Set) StartFull(name string, now time.Time) time.Time {
	return p.activate(name, true, true, now)
}

// Running reports whether the named program is currently running. Unknown
// programs report true so that nothing ever tries to activate them.
func (p *Set) Running(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.find(name)
	if pr == nil {
		return true
	}
	return pr.running
}

// LastScheduled returns the last time the program was launched.
func (p *Set) LastScheduled(name string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr := p.find(name); pr != nil {
		return pr.scheduled
	}
	return time.Time{}
}

// Periodic detects completed runs: when the zone queue reports idle, every
// running program has finished.
func (p *Set) Periodic(now time.Time) {
	if !p.zones.Idle(now) {
		return
	}
	p.mu.Lock()
	var stopped []string
	for i := range p.progs {
		if p.progs[i].running {
			p.progs[i].running = false
			stopped = append(stopped, p.progs[i].name)
		}
	}
	p.mu.Unlock()
	metrics.ProgramsActive.Set(0)
	for _, name := range stopped {
		p.rec.Event("PROGRAM", name, "STOP", "")
	}
}

// Status reports the index flag and the currently running programs.
func (p *Set) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := make([]string, 0)
	for i := range p.progs {
		if p.progs[i].running {
			active = append(active, p.progs[i].name)
		}
	}
	return map[string]any{"useindex": p.useIndex, "active": active}
}
