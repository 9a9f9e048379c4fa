// Package events records the audit trail of the sprinkler engine: who was
// activated, why, and what failed. Records go to the structured log and to a
// bounded in-memory ring so the most recent activity can be inspected.
package events

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const ringSize = 256

// Entry is one recorded event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Object    string    `json:"object"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

// Recorder writes events and failure traces.
type Recorder struct {
	log zerolog.Logger

	mu   sync.Mutex
	ring []Entry
}

// New creates a recorder writing to w. When debug is set, debug level
// messages are emitted too.
func New(w io.Writer, debug bool) *Recorder {
	if w == nil {
		w = io.Discard
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Recorder{log: logger}
}

// Event records one audit event, e.g. Event("ZONE", "lawn", "START",
// "for %d seconds", 30).
func (r *Recorder) Event(category, object, action, format string, args ...any) {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	e := Entry{
		Timestamp: time.Now(),
		Category:  category,
		Object:    object,
		Action:    action,
		Detail:    detail,
	}
	r.mu.Lock()
	r.ring = append(r.ring, e)
	if len(r.ring) > ringSize {
		r.ring = r.ring[len(r.ring)-ringSize:]
	}
	r.mu.Unlock()

	r.log.Info().
		Str("category", category).
		Str("object", object).
		Str("action", action).
		Msg(detail)
}

// Trace records a local failure. Traces are diagnostics, not audit events,
// so they do not enter the ring.
func (r *Recorder) Trace(object, format string, args ...any) {
	r.log.Warn().Str("object", object).Msgf(format, args...)
}

// Debugf emits a debug-level message, dropped unless debug was enabled.
func (r *Recorder) Debugf(format string, args ...any) {
	r.log.Debug().Msgf(format, args...)
}

// Latest returns a copy of the recent event ring, oldest first.
func (r *Recorder) Latest() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.ring))
	copy(out, r.ring)
	return out
}
