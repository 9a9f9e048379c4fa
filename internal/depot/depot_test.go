package depot

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
)

// fakeDepot is a minimal in-memory depot provider.
type fakeDepot struct {
	mu    sync.Mutex
	blobs map[string][]byte
	times map[string]int64
}

func (d *fakeDepot) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/depot/check", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		sep := ""
		fmt.Fprint(w, `{"updates":[`)
		for name, ts := range d.times {
			fmt.Fprintf(w, `%s{"name":"%s","time":%d}`, sep, name, ts)
			sep = ","
		}
		fmt.Fprint(w, `]}`)
	})
	mux.HandleFunc("/depot/get", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		blob, ok := d.blobs[r.URL.Query().Get("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(blob)
	})
	mux.HandleFunc("/depot/put", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		defer d.mu.Unlock()
		name := r.URL.Query().Get("name")
		d.blobs[name] = body
		d.times[name] = time.Now().Unix()
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeDepot) {
	t.Helper()
	fake := &fakeDepot{blobs: map[string][]byte{}, times: map[string]int64{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	rec := events.New(nil, false)
	disc := discovery.New(nil, map[string][]string{"depot": {srv.URL}}, rec)
	c := New(disc, rec)
	c.inline = true
	return c, fake
}

func TestSubscribeReceivesPublication(t *testing.T) {
	c, fake := newTestClient(t)
	fake.blobs["state/sprinkler.json"] = []byte(`{"host":"peer","on":true}`)
	fake.times["state/sprinkler.json"] = time.Now().Unix()

	var got []byte
	c.Subscribe("state", "sprinkler.json", func(name string, ts time.Time, data []byte) {
		got = append([]byte(nil), data...)
	})
	c.Periodic(time.Now())

	if string(got) != `{"host":"peer","on":true}` {
		t.Errorf("listener data = %q", got)
	}
}

func TestUnchangedRevisionNotRedelivered(t *testing.T) {
	c, fake := newTestClient(t)
	fake.blobs["state/sprinkler.json"] = []byte(`{}`)
	fake.times["state/sprinkler.json"] = time.Now().Unix()

	calls := 0
	c.Subscribe("state", "sprinkler.json", func(string, time.Time, []byte) { calls++ })
	now := time.Now()
	c.Periodic(now)
	c.Periodic(now.Add(2 * checkInterval))

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

func TestPutStoresOnProvider(t *testing.T) {
	c, fake := newTestClient(t)
	c.Put("state", "sprinkler.json", []byte(`{"host":"me"}`))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if string(fake.blobs["state/sprinkler.json"]) != `{"host":"me"}` {
		t.Errorf("stored blob = %q", fake.blobs["state/sprinkler.json"])
	}
}

func TestOwnPutNotEchoedBack(t *testing.T) {
	c, _ := newTestClient(t)
	calls := 0
	c.Subscribe("state", "sprinkler.json", func(string, time.Time, []byte) { calls++ })
	c.Put("state", "sprinkler.json", []byte(`{"host":"me"}`))
	c.Periodic(time.Now())

	if calls != 0 {
		t.Errorf("own publication delivered back %d times", calls)
	}
}
