// Package index acquires the watering index from external providers. Every
// discovered waterindex service is polled for its current value; the
// highest-priority fresh value wins. The index is a percentage applied to
// zone runtimes, 100 meaning neutral.
package index

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/metrics"
)

const (
	// Poll every minute until a first index was obtained, then hourly.
	fastPoll = 60 * time.Second
	slowPoll = 3600 * time.Second

	// An index is usable for a day; it is discarded outright after three.
	validWindow   = 24 * time.Hour
	discardWindow = 3 * 24 * time.Hour
)

// Service maintains the current watering index.
type Service struct {
	mu sync.Mutex

	disc   *discovery.Registry
	rec    *events.Recorder
	client *http.Client

	static []string // Extra providers from the configuration.

	has      bool
	value    int
	priority int
	origin   string
	received time.Time

	lastPoll time.Time

	inline bool // tests
}

// New creates an index service over the discovery registry.
func New(disc *discovery.Registry, rec *events.Recorder) *Service {
	return &Service{
		disc:   disc,
		rec:    rec,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewInline creates a service whose polls run inline. Used by tests.
func NewInline(disc *discovery.Registry, rec *events.Recorder) *Service {
	s := New(disc, rec)
	s.inline = true
	return s
}

// Refresh reloads the statically configured providers. Entries carry an
// enable flag and a url; disabled or incomplete entries are skipped.
func (s *Service) Refresh(cfg *config.Store) {
	var static []string
	for _, node := range cfg.Root().Array(".wateringindex") {
		if !node.Bool(".enable") {
			continue
		}
		url := node.String(".url")
		if url == "" {
			continue
		}
		static = append(static, url)
	}
	s.mu.Lock()
	s.static = static
	s.lastPoll = time.Time{}
	s.mu.Unlock()
}

// Current returns the current index. ok is false when no valid index is
// known, i.e. none was received within the last 24 hours.
func (s *Service) Current(now time.Time) (value, priority int, origin string, received time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has || s.received.Before(now.Add(-validWindow)) {
		return 0, 0, "", time.Time{}, false
	}
	return s.value, s.priority, s.origin, s.received, true
}

// Periodic drops stale state and polls the providers on the poll cadence.
func (s *Service) Periodic(now time.Time) {
	s.mu.Lock()
	if s.has && s.received.Before(now.Add(-discardWindow)) {
		// Too old to ever be used again; drop it so a lower-priority
		// provider can take over.
		s.has = false
		s.priority = 0
	}
	interval := fastPoll
	if s.has {
		interval = slowPoll
	}
	if now.Before(s.lastPoll.Add(interval)) {
		s.mu.Unlock()
		return
	}
	s.lastPoll = now
	providers := append([]string(nil), s.static...)
	inline := s.inline
	s.mu.Unlock()

	providers = append(providers, s.disc.Providers("waterindex")...)
	poll := func() {
		for _, p := range providers {
			s.poll(p, now)
		}
	}
	if inline {
		poll()
	} else {
		go poll()
	}
}

type statusReply struct {
	Host       string `json:"host"`
	WaterIndex struct {
		Status struct {
			Received *int64  `json:"received"`
			Priority *int    `json:"priority"`
			Index    *int    `json:"index"`
			Name     *string `json:"name"`
			Origin   *string `json:"origin"`
		} `json:"status"`
	} `json:"waterindex"`
}

func (s *Service) poll(provider string, now time.Time) {
	resp, err := s.client.Get(provider + "/status")
	if err != nil {
		s.rec.Trace(provider, "%v", err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.rec.Trace(provider, "HTTP error %d", resp.StatusCode)
		return
	}
	if err != nil {
		s.rec.Trace(provider, "%v", err)
		return
	}

	var reply statusReply
	if err := json.Unmarshal(body, &reply); err != nil {
		s.rec.Trace(provider, "JSON syntax error, %v", err)
		return
	}
	st := reply.WaterIndex.Status
	if reply.Host == "" || st.Received == nil || st.Priority == nil ||
		st.Index == nil || st.Name == nil || st.Origin == nil {
		s.rec.Trace(provider, "incomplete waterindex status")
		return
	}

	s.apply(*st.Index, *st.Priority, *st.Origin, time.Unix(*st.Received, 0), now)
}

// Apply feeds an index value directly, subject to the same arbitration as a
// polled one. Exposed for dependent-module tests.
func (s *Service) Apply(value, priority int, origin string, received, now time.Time) {
	s.apply(value, priority, origin, received, now)
}

// apply arbitrates an incoming index against the current one.
func (s *Service) apply(value, priority int, origin string, received, now time.Time) {
	s.mu.Lock()
	if s.has {
		if priority < s.priority {
			s.mu.Unlock()
			return
		}
		if priority == s.priority && !received.After(s.received) {
			s.mu.Unlock()
			return
		}
		if received.Before(s.received.Add(-validWindow)) {
			// Clock skew or replay: an update cannot predate the current
			// value by a whole day.
			s.mu.Unlock()
			return
		}
	}
	if value < 0 {
		value = 0
	} else if value > 150 {
		value = 150
	}
	s.has = true
	s.value = value
	s.priority = priority
	s.origin = origin
	s.received = received
	s.mu.Unlock()

	metrics.WateringIndex.Set(float64(value))
	s.rec.Event("INDEX", origin, "APPLY", "INDEX %d%% PRIORITY %d", value, priority)
}

// Status reports the index module state.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := map[string]any{
		"index":    s.value,
		"origin":   s.origin,
		"priority": s.priority,
		"received": int64(0),
	}
	if !s.has {
		status["index"] = 100
	}
	if !s.received.IsZero() {
		status["received"] = s.received.Unix()
	}
	return status
}

// String describes the current index for diagnostics.
func (s *Service) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return "index(none)"
	}
	return fmt.Sprintf("index(%d%% from %s)", s.value, s.origin)
}
