package zone

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/control"
	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/feed"
)

// base is aligned to the top of a minute so scheduled dispatch gates open
// at t=0.
var base = time.Unix(1770000000, 0)

type fixture struct {
	queue *Queue
	ctrl  *control.Client

	mu       sync.Mutex
	commands []url.Values
}

func newFixture(t *testing.T, cfgText, points string) *fixture {
	t.Helper()
	f := &fixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"control":{"status":` + points + `}}`))
	})
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.commands = append(f.commands, r.URL.Query())
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := events.New(nil, false)
	disc := discovery.New(nil, map[string][]string{"control": {srv.URL}}, rec)
	f.ctrl = control.NewInline(disc, rec)

	dir := t.TempDir()
	path := filepath.Join(dir, "sprinkler.json")
	if err := os.WriteFile(path, []byte(cfgText), 0o644); err != nil {
		t.Fatal(err)
	}
	store := config.New(path, "", true, rec)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}

	feeds := feed.New(f.ctrl, rec)
	feeds.Refresh(store)
	f.queue = New(f.ctrl, feeds, rec)
	f.queue.Refresh(store)
	f.ctrl.Periodic(base.Add(-time.Minute))
	return f
}

func (f *fixture) starts() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, c := range f.commands {
		if c.Get("state") == "on" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fixture) offs() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, c := range f.commands {
		if c.Get("state") == "off" {
			out = append(out, c)
		}
	}
	return out
}

// run steps the queue one second at a time, recording each dispatched start
// as (zone name, offset seconds).
func (f *fixture) run(from, to int) []struct {
	Name string
	At   int
} {
	var dispatched []struct {
		Name string
		At   int
	}
	for t := from; t <= to; t++ {
		before := len(f.starts())
		f.queue.Periodic(base.Add(time.Duration(t) * time.Second))
		after := f.starts()
		if len(after) > before {
			dispatched = append(dispatched, struct {
				Name string
				At   int
			}{after[len(after)-1].Get("point"), t})
		}
	}
	return dispatched
}

func TestActivateAccumulates(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"lawn","pulse":300,"pause":600}]}`,
		`{"lawn":{}}`)

	if !f.queue.Activate("lawn", 300, "PROGRAM p", base) {
		t.Fatal("Activate failed")
	}
	if !f.queue.Activate("lawn", 200, "PROGRAM p", base) {
		t.Fatal("second Activate failed")
	}
	status := f.queue.Status(base)
	queue := status["queue"].([]any)
	if len(queue) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(queue))
	}
	row := queue[0].([]any)
	if row[0] != "lawn" || row[1].(int) != 500 {
		t.Errorf("queue entry = %v, want [lawn 500]", row)
	}
}

func TestManualZoneRefusesScheduled(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"drip","pulse":0,"pause":0,"manual":true}]}`,
		`{"drip":{}}`)

	if f.queue.Activate("drip", 300, "PROGRAM p", base) {
		t.Error("scheduled activation accepted on a manual-only zone")
	}
	if !f.queue.Activate("drip", 300, "", base) {
		t.Error("manual activation refused on a manual-only zone")
	}
}

func TestUnknownZoneIgnored(t *testing.T) {
	f := newFixture(t, `{"zones":[]}`, `{}`)
	if f.queue.Activate("ghost", 30, "", base) {
		t.Error("unknown zone accepted")
	}
}

func TestSinglePulseNoCycling(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"lawn","pulse":0,"pause":0}]}`,
		`{"lawn":{}}`)

	f.queue.Activate("lawn", 600, "PROGRAM P", base)
	dispatched := f.run(0, 650)

	if len(dispatched) != 1 {
		t.Fatalf("dispatches = %v, want one", dispatched)
	}
	if dispatched[0].Name != "lawn" || dispatched[0].At != 0 {
		t.Errorf("dispatch = %v", dispatched[0])
	}
	starts := f.starts()
	if got := starts[0].Get("pulse"); got != "600" {
		t.Errorf("pulse = %s, want 600", got)
	}
	if !f.queue.Idle(base.Add(650 * time.Second)) {
		t.Error("queue not idle after the run completed")
	}
}

func TestPulsePauseCycling(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"slope","pulse":300,"pause":600}]}`,
		`{"slope":{}}`)

	f.queue.Activate("slope", 900, "PROGRAM P", base)
	dispatched := f.run(0, 400)
	// Mid-pause the program is not idle.
	if f.queue.Idle(base.Add(400 * time.Second)) {
		t.Error("idle between pulses")
	}
	dispatched = append(dispatched, f.run(401, 2200)...)

	want := []int{0, 900, 1800}
	if len(dispatched) != len(want) {
		t.Fatalf("dispatches = %v, want 3", dispatched)
	}
	for i, at := range want {
		if dispatched[i].At != at {
			t.Errorf("pulse %d at t=%d, want %d", i, dispatched[i].At, at)
		}
	}
	for _, s := range f.starts() {
		if s.Get("pulse") != "300" {
			t.Errorf("pulse = %s, want 300", s.Get("pulse"))
		}
	}
}

func TestTwoZonesInterleave(t *testing.T) {
	f := newFixture(t,
		`{"zones":[
			{"name":"A","pulse":300,"pause":600},
			{"name":"B","pulse":300,"pause":600}
		]}`,
		`{"A":{},"B":{}}`)

	f.queue.Activate("A", 900, "PROGRAM P", base)
	f.queue.Activate("B", 900, "PROGRAM P", base)
	dispatched := f.run(0, 2300)

	wantOrder := []string{"A", "B", "A", "B", "A", "B"}
	if len(dispatched) != len(wantOrder) {
		t.Fatalf("dispatches = %v, want 6", dispatched)
	}
	for i, name := range wantOrder {
		if dispatched[i].Name != name {
			t.Errorf("dispatch %d = %s at t=%d, want %s", i, dispatched[i].Name, dispatched[i].At, name)
		}
	}
	// Each zone's consecutive starts are separated by at least pulse+pause.
	last := map[string]int{}
	for _, d := range dispatched {
		if prev, seen := last[d.Name]; seen && d.At-prev < 900 {
			t.Errorf("%s restarted after %d seconds, pause skipped", d.Name, d.At-prev)
		}
		last[d.Name] = d.At
	}
}

func TestTieBreakPrefersLongestElapsed(t *testing.T) {
	f := newFixture(t,
		`{"zones":[
			{"name":"short","pulse":300,"pause":600},
			{"name":"long","pulse":300,"pause":600}
		]}`,
		`{"short":{},"long":{}}`)

	// Both become ready at the same second; long has the greater critical
	// path (runtime plus its soak pauses) and must go first.
	f.queue.Activate("short", 600, "PROGRAM P", base)
	f.queue.Activate("long", 1200, "PROGRAM P", base)
	dispatched := f.run(0, 60)

	if len(dispatched) == 0 || dispatched[0].Name != "long" {
		t.Errorf("first dispatch = %v, want long", dispatched)
	}
}

func TestHydrateFirstPulse(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"clay","hydrate":120,"pulse":300,"pause":600}]}`,
		`{"clay":{}}`)

	f.queue.Activate("clay", 600, "PROGRAM P", base)
	f.run(0, 1000)

	starts := f.starts()
	if len(starts) < 2 {
		t.Fatalf("starts = %d, want at least 2", len(starts))
	}
	if starts[0].Get("pulse") != "120" {
		t.Errorf("first pulse = %s, want hydrate 120", starts[0].Get("pulse"))
	}
	if starts[1].Get("pulse") != "300" {
		t.Errorf("second pulse = %s, want 300", starts[1].Get("pulse"))
	}
}

func TestManualDispatchImmediateAndWhole(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"lawn","pulse":300,"pause":600}]}`,
		`{"lawn":{}}`)

	// Manual activations are not gated on the top of the minute and run
	// their whole time in one pulse.
	at := base.Add(17 * time.Second)
	f.queue.Activate("lawn", 900, "", at)
	f.queue.Periodic(at)

	starts := f.starts()
	if len(starts) != 1 {
		t.Fatalf("starts = %d, want 1", len(starts))
	}
	if starts[0].Get("pulse") != "900" {
		t.Errorf("pulse = %s, want 900", starts[0].Get("pulse"))
	}
}

func TestStopMidPulse(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"lawn","pulse":300,"pause":600}]}`,
		`{"lawn":{}}`)

	f.queue.Activate("lawn", 900, "PROGRAM P", base)
	f.queue.Periodic(base)
	if len(f.starts()) != 1 {
		t.Fatal("zone not started")
	}

	f.queue.Stop()
	f.queue.Periodic(base.Add(10 * time.Second))

	if got := len(f.offs()); got != 1 {
		t.Errorf("off commands = %d, want exactly 1", got)
	}
	status := f.queue.Status(base.Add(11 * time.Second))
	if len(status["queue"].([]any)) != 0 {
		t.Error("queue not empty after Stop")
	}
	if !f.queue.Idle(base.Add(11 * time.Second)) {
		t.Error("not idle after Stop")
	}
}

func TestFeedActivatedBeforeZone(t *testing.T) {
	f := newFixture(t,
		`{"zones":[{"name":"lawn","feed":"pump","pulse":0,"pause":0}],
		  "feeds":[{"name":"pump","linger":4}]}`,
		`{"lawn":{},"pump":{}}`)

	f.queue.Activate("lawn", 300, "PROGRAM P", base)
	f.queue.Periodic(base)

	starts := f.starts()
	if len(starts) != 2 {
		t.Fatalf("starts = %d, want feed then zone", len(starts))
	}
	if starts[0].Get("point") != "pump" || starts[0].Get("pulse") != "304" {
		t.Errorf("feed start = %v", starts[0])
	}
	if starts[1].Get("point") != "lawn" || starts[1].Get("pulse") != "300" {
		t.Errorf("zone start = %v", starts[1])
	}
}

func TestAtMostOneZoneActive(t *testing.T) {
	f := newFixture(t,
		`{"zones":[
			{"name":"A","pulse":300,"pause":10},
			{"name":"B","pulse":300,"pause":10}
		]}`,
		`{"A":{},"B":{}}`)

	f.queue.Activate("A", 600, "PROGRAM P", base)
	f.queue.Activate("B", 600, "PROGRAM P", base)

	for tick := 0; tick <= 1500; tick++ {
		now := base.Add(time.Duration(tick) * time.Second)
		f.ctrl.Periodic(now)
		f.queue.Periodic(now)
		active := 0
		for _, name := range []string{"A", "B"} {
			if f.ctrl.State(name) == control.StatusActive {
				active++
			}
		}
		if active > 1 {
			t.Fatalf("two zones active at t=%d", tick)
		}
	}
}
