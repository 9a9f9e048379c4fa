// Package season maps a season name and the current date to a watering
// index. A season is either a 52-entry weekly vector or a 12-entry monthly
// vector of percentages, with a priority used to arbitrate against online
// watering indices.
package season

import (
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/events"
)

type unit int

const (
	unitInvalid unit = iota
	unitWeekly
	unitMonthly
)

type season struct {
	name     string
	priority int
	unit     unit
	index    []int
}

// Table holds the configured seasons.
type Table struct {
	mu      sync.RWMutex
	seasons []season
	rec     *events.Recorder
}

// New creates an empty season table.
func New(rec *events.Recorder) *Table {
	return &Table{rec: rec}
}

// Refresh rebuilds the table from the configuration.
func (t *Table) Refresh(cfg *config.Store) {
	var seasons []season
	for _, node := range cfg.Root().Array(".seasons") {
		s := season{
			name:     node.String(".name"),
			priority: node.Positive(".priority"),
		}
		if s.name == "" {
			continue
		}
		values := node.Array(".weekly")
		want := 52
		s.unit = unitWeekly
		if len(values) == 0 {
			values = node.Array(".monthly")
			want = 12
			s.unit = unitMonthly
		}
		if len(values) != want {
			t.rec.Event("SEASON", s.name, "INVALID", "EXPECTED %d ENTRIES, GOT %d", want, len(values))
			continue
		}
		s.index = make([]int, want)
		for i, v := range values {
			value := v.AsInt()
			if value < 0 {
				value = 0
			}
			s.index[i] = value
		}
		seasons = append(seasons, s)
	}
	t.mu.Lock()
	t.seasons = seasons
	t.mu.Unlock()
}

func (t *Table) find(name string) *season {
	if name == "" {
		return nil
	}
	for i := range t.seasons {
		if t.seasons[i].name == name {
			return &t.seasons[i]
		}
	}
	return nil
}

// Priority returns the season's priority, or 0 when it does not exist.
func (t *Table) Priority(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.find(name)
	if s == nil {
		return 0
	}
	return s.priority
}

// Index returns the season's index for the given date, or 100 (full
// watering) when the season does not exist.
func (t *Table) Index(name string, now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.find(name)
	if s == nil {
		return 100
	}

	switch s.unit {
	case unitWeekly:
		// An approximate week of the year is good enough: the goal is to
		// land in the right period, not ISO week numbering. YearDay is
		// 1-based, the calculation wants a 0-based day of the year.
		week := (now.YearDay() - 1 - int(now.Weekday()) + 4) / 7
		if week < 0 {
			week = 51
		} else if week >= 52 {
			week -= 52
		}
		return s.index[week]
	case unitMonthly:
		return s.index[int(now.Month())-1]
	}
	return 100
}
