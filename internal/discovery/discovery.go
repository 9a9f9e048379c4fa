// Package discovery maintains the set of known providers for each service
// of the house fabric (control, waterindex, depot). Providers come from
// periodic polls of the configured portal servers, plus any statically
// configured entries. Consumers only ever see the contract "for each
// currently-known provider of service S, call f(url)".
package discovery

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/metrics"
)

const scanInterval = 60 * time.Second

// Registry tracks providers per service.
type Registry struct {
	mu sync.RWMutex

	portals []string
	static  map[string][]string

	providers map[string][]string
	updated   map[string]time.Time

	lastScan time.Time
	client   *http.Client
	rec      *events.Recorder

	// When set, portal polls run inline instead of in a goroutine.
	// Used by tests.
	inline bool
}

// New creates a registry polling the given portal servers. Static providers
// are always part of the result set for their service.
func New(portals []string, static map[string][]string, rec *events.Recorder) *Registry {
	return &Registry{
		portals:   portals,
		static:    static,
		providers: map[string][]string{},
		updated:   map[string]time.Time{},
		client:    &http.Client{Timeout: 10 * time.Second},
		rec:       rec,
	}
}

// EachProvider calls f once for every currently-known provider of service.
func (r *Registry) EachProvider(service string, f func(url string)) {
	for _, url := range r.Providers(service) {
		f(url)
	}
}

// Providers returns a copy of the current provider set for service.
func (r *Registry) Providers(service string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := append([]string(nil), r.static[service]...)
	for _, p := range r.providers[service] {
		if !contains(merged, p) {
			merged = append(merged, p)
		}
	}
	return merged
}

// Changed reports whether the provider set for service changed since the
// given time.
func (r *Registry) Changed(service string, since time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated[service].After(since)
}

// Force makes the next Periodic call rescan immediately.
func (r *Registry) Force() {
	r.mu.Lock()
	r.lastScan = time.Time{}
	r.mu.Unlock()
}

// Periodic polls the portals at most once per minute.
func (r *Registry) Periodic(now time.Time) {
	r.mu.Lock()
	if now.Before(r.lastScan.Add(scanInterval)) {
		r.mu.Unlock()
		return
	}
	r.lastScan = now
	portals := append([]string(nil), r.portals...)
	inline := r.inline
	r.mu.Unlock()

	scan := func() {
		for _, portal := range portals {
			r.scanPortal(portal)
		}
	}
	if inline {
		scan()
	} else {
		go scan()
	}
}

type serviceList struct {
	Host     string              `json:"host"`
	Services map[string][]string `json:"services"`
}

func (r *Registry) scanPortal(portal string) {
	resp, err := r.client.Get(portal + "/service/list")
	if err != nil {
		r.rec.Trace(portal, "service list: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.rec.Trace(portal, "service list: HTTP %d", resp.StatusCode)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.rec.Trace(portal, "service list: %v", err)
		return
	}
	var list serviceList
	if err := json.Unmarshal(body, &list); err != nil {
		r.rec.Trace(portal, "service list: %v", err)
		return
	}

	now := time.Now()
	r.mu.Lock()
	for service, urls := range list.Services {
		sort.Strings(urls)
		if !equal(r.providers[service], urls) {
			r.providers[service] = urls
			r.updated[service] = now
		}
		metrics.DiscoveredProviders.WithLabelValues(service).Set(float64(len(urls)))
	}
	r.mu.Unlock()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String describes the registry for diagnostics.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("discovery(%d portals, %d services)", len(r.portals), len(r.providers))
}
