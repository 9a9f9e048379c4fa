// Package interval maps a watering index to a day count between runs.
// A scale is an 11-entry vector indexed by index/10, so a schedule can run
// less often when the watering index is low.
package interval

import (
	"sync"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/events"
)

// scaleLimit covers index values from 0 to 100+ in steps of 10.
const scaleLimit = 11

type scale struct {
	name    string
	byIndex [scaleLimit]int
}

// Table holds the configured interval scales.
type Table struct {
	mu     sync.RWMutex
	scales []scale
	rec    *events.Recorder
}

// New creates an empty interval table.
func New(rec *events.Recorder) *Table {
	return &Table{rec: rec}
}

// Refresh rebuilds the table from the configuration.
func (t *Table) Refresh(cfg *config.Store) {
	var scales []scale
	for _, node := range cfg.Root().Array(".intervals") {
		s := scale{name: node.String(".name")}
		if s.name == "" {
			continue
		}
		values := node.Array(".byindex")
		if len(values) == 0 {
			t.rec.Event("INTERVAL", s.name, "INVALID", "NO BYINDEX ARRAY")
			continue
		}
		if len(values) > scaleLimit {
			t.rec.Event("INTERVAL", s.name, "TRUNCATED", "%d ENTRIES, USING %d", len(values), scaleLimit)
			values = values[:scaleLimit]
		}
		for i, v := range values {
			value := v.AsInt()
			if value < 0 {
				value = 0
			}
			s.byIndex[i] = value
		}
		scales = append(scales, s)
	}
	t.mu.Lock()
	t.scales = scales
	t.mu.Unlock()
}

// Exists reports whether the named scale is configured.
func (t *Table) Exists(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.find(name) != nil
}

func (t *Table) find(name string) *scale {
	if name == "" {
		return nil
	}
	for i := range t.scales {
		if t.scales[i].name == name {
			return &t.scales[i]
		}
	}
	return nil
}

// Get returns the day count for the named scale at the given watering
// index, or 0 (run every day) when the scale does not exist.
func (t *Table) Get(name string, index int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.find(name)
	if s == nil {
		return 0
	}
	index /= 10
	if index >= scaleLimit {
		index = scaleLimit - 1
	} else if index < 0 {
		index = 0
	}
	return s.byIndex[index]
}
