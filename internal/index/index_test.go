package index

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
)

type fakeProvider struct {
	mu    sync.Mutex
	body  string
	polls int
}

func (f *fakeProvider) set(host string, received int64, priority, index int, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = fmt.Sprintf(
		`{"host":"%s","waterindex":{"status":{"received":%d,"priority":%d,"index":%d,"name":"%s","origin":"%s"}}}`,
		host, received, priority, index, name, name)
}

func newTestService(t *testing.T) (*Service, *fakeProvider) {
	t.Helper()
	fake := &fakeProvider{body: `{}`}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		fake.polls++
		w.Write([]byte(fake.body))
	}))
	t.Cleanup(srv.Close)

	rec := events.New(nil, false)
	disc := discovery.New(nil, map[string][]string{"waterindex": {srv.URL}}, rec)
	return NewInline(disc, rec), fake
}

func TestPollAdoptsIndex(t *testing.T) {
	s, fake := newTestService(t)
	now := time.Now()
	fake.set("wi1", now.Unix(), 5, 60, "evapo")
	s.Periodic(now)

	value, priority, origin, _, ok := s.Current(now)
	if !ok {
		t.Fatal("no index after poll")
	}
	if value != 60 || priority != 5 || origin != "evapo" {
		t.Errorf("index = %d/%d/%s", value, priority, origin)
	}
}

func TestLowerPriorityRejected(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now()
	s.apply(60, 5, "strong", now, now)
	s.apply(120, 3, "weak", now.Add(time.Minute), now)

	value, priority, origin, _, _ := s.Current(now)
	if value != 60 || priority != 5 || origin != "strong" {
		t.Errorf("lower priority overwrote: %d/%d/%s", value, priority, origin)
	}
}

func TestEqualPriorityNeedsNewerTimestamp(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now()
	s.apply(60, 5, "a", now, now)
	s.apply(70, 5, "b", now, now) // Same timestamp: rejected.
	if value, _, _, _, _ := s.Current(now); value != 60 {
		t.Errorf("same-timestamp update applied: %d", value)
	}
	s.apply(70, 5, "b", now.Add(time.Minute), now)
	if value, _, _, _, _ := s.Current(now); value != 70 {
		t.Errorf("newer update not applied: %d", value)
	}
}

func TestReplayRejected(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now()
	s.apply(60, 5, "a", now, now)
	// Higher priority but a timestamp a full day behind the current value.
	s.apply(90, 9, "replay", now.Add(-25*time.Hour), now)
	if _, _, origin, _, _ := s.Current(now); origin != "a" {
		t.Errorf("replayed update applied: origin %s", origin)
	}
}

func TestValueClamped(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now()
	s.apply(400, 5, "wild", now, now)
	if value, _, _, _, _ := s.Current(now); value != 150 {
		t.Errorf("value = %d, want clamp at 150", value)
	}
}

func TestValidityWindow(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now()
	s.apply(60, 5, "a", now.Add(-25*time.Hour), now)
	if _, _, _, _, ok := s.Current(now); ok {
		t.Error("day-old index still reported valid")
	}
}

func TestStaleIndexDropped(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Now()
	s.apply(60, 9, "old", now.Add(-4*24*time.Hour), now)
	s.Periodic(now)
	// With the stale value dropped, a low priority provider can take over.
	s.apply(80, 1, "fresh", now, now)
	value, priority, _, _, ok := s.Current(now)
	if !ok || value != 80 || priority != 1 {
		t.Errorf("takeover failed: %d/%d ok=%v", value, priority, ok)
	}
}

func TestPollCadence(t *testing.T) {
	s, fake := newTestService(t)
	now := time.Now()

	// No index yet: polls run every minute.
	s.Periodic(now)
	s.Periodic(now.Add(30 * time.Second))
	s.Periodic(now.Add(61 * time.Second))
	fake.mu.Lock()
	polls := fake.polls
	fake.mu.Unlock()
	if polls != 2 {
		t.Errorf("polls = %d, want 2 (minute cadence until first index)", polls)
	}

	// Once an index is known, polls slow to the hour.
	fake.set("wi1", now.Unix(), 5, 60, "evapo")
	s.Periodic(now.Add(122 * time.Second))
	s.Periodic(now.Add(300 * time.Second))
	fake.mu.Lock()
	polls = fake.polls
	fake.mu.Unlock()
	if polls != 3 {
		t.Errorf("polls = %d, want 3 (hourly cadence after first index)", polls)
	}
}

func TestIncompletePayloadRejected(t *testing.T) {
	s, fake := newTestService(t)
	now := time.Now()
	fake.body = `{"host":"wi1","waterindex":{"status":{"priority":5,"index":60}}}`
	s.Periodic(now)
	if _, _, _, _, ok := s.Current(now); ok {
		t.Error("incomplete payload adopted")
	}
}
