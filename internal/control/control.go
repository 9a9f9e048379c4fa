// Package control is the client side of the control plane. It maps each
// declared control point (zone or feed) to the discovered server hosting
// it, dispatches on/off commands, and tracks the observable status of every
// point. Points are independent of each other: the watering logic lives in
// the zone and feed modules.
package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/clock"
	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
	"github.com/hausgrid/sprinklerd/internal/metrics"
)

const scanInterval = 60 * time.Second

// Point status characters: unknown, idle, active, error.
const (
	StatusUnknown = 'u'
	StatusIdle    = 'i'
	StatusActive  = 'a'
	StatusError   = 'e'
)

type point struct {
	name     string
	ptype    string
	status   byte
	event    bool
	once     bool
	deadline time.Time
	url      string
}

// Client tracks control points and dispatches commands to their servers.
type Client struct {
	mu sync.Mutex

	points    []*point
	providers []string

	lastScan time.Time
	forced   bool
	active   bool

	disc   *discovery.Registry
	rec    *events.Recorder
	client *http.Client

	inline bool // tests: run HTTP exchanges inline
}

// New creates a control client over the discovery registry.
func New(disc *discovery.Registry, rec *events.Recorder) *Client {
	return &Client{
		disc:   disc,
		rec:    rec,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewInline creates a client whose HTTP exchanges run inline instead of in
// background goroutines. Used by tests.
func NewInline(disc *discovery.Registry, rec *events.Recorder) *Client {
	c := New(disc, rec)
	c.inline = true
	return c
}

// Reset erases the list of known control points. Must be called before
// applying a new configuration.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = nil
	c.active = false
}

func (c *Client) find(name string) *point {
	for _, p := range c.points {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Declare registers a control point to be discovered. Repeated declarations
// of the same name are ignored.
func (c *Client) Declare(name, ptype string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.find(name) != nil {
		return
	}
	c.points = append(c.points, &point{
		name:   name,
		ptype:  ptype,
		status: StatusUnknown,
		event:  true,
	})
}

// Event enables or disables activation events for a point. With once set,
// events self-disable after one emission.
func (c *Client) Event(name string, enable, once bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.find(name); p != nil {
		p.event = enable
		p.once = once
	}
}

// State returns the current status character of a point, or 'e' for an
// unknown name.
func (c *Client) State(name string) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.find(name); p != nil {
		return p.status
	}
	return StatusError
}

// escape url-encodes a string with %20 for spaces, the way the control
// servers expect the cause parameter.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Start activates a point for the duration of pulse seconds. The context is
// typically the program name; empty means a manual activation. Returns false
// when the point is unknown or not bound to a server yet.
func (c *Client) Start(name string, pulse int, context string) bool {
	now := time.Now()

	c.mu.Lock()
	p := c.find(name)
	if p == nil {
		c.mu.Unlock()
		c.rec.Event("CONTROL", name, "UNKNOWN", "")
		return false
	}
	if p.url == "" {
		c.mu.Unlock()
		return false
	}
	if context == "" {
		context = "MANUAL"
	}
	if p.event {
		c.rec.Event(p.ptype, name, "ACTIVATED", "FOR %s USING %s (%s)",
			clock.PeriodPrintable(pulse), p.url, context)
		if p.once {
			p.event = false
			p.once = false
		}
	}
	target := fmt.Sprintf("%s/set?point=%s&state=on&pulse=%d&cause=SPRINKLER%%20%s",
		p.url, p.name, pulse, escape(context))
	p.deadline = now.Add(time.Duration(pulse) * time.Second)
	p.status = StatusActive
	c.active = true
	c.mu.Unlock()

	c.submit(p, target, "on")
	return true
}

// stop sends the off command for a point. Callers hold no lock.
func (c *Client) stop(p *point, target string) {
	c.submit(p, target, "off")
}

// submit dispatches one command and interprets the reply once redirects are
// resolved. Transport errors and non-200 replies transition the point to
// error status; the transition is logged once, repetitions are silent.
func (c *Client) submit(p *point, target, state string) {
	run := func() {
		resp, err := c.client.Get(target)
		if err != nil {
			c.mu.Lock()
			logit := p.status != StatusError
			p.status = StatusError
			p.deadline = time.Time{}
			c.mu.Unlock()
			if logit {
				c.rec.Trace(p.name, "cannot reach %s: %v", target, err)
			}
			metrics.ControlCommands.WithLabelValues(state, "error").Inc()
			return
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.mu.Lock()
			logit := p.status != StatusError
			p.status = StatusError
			p.deadline = time.Time{}
			c.mu.Unlock()
			if logit {
				c.rec.Trace(p.name, "HTTP code %d", resp.StatusCode)
			}
			metrics.ControlCommands.WithLabelValues(state, "error").Inc()
			return
		}
		metrics.ControlCommands.WithLabelValues(state, "ok").Inc()
	}
	if c.inline {
		run()
	} else {
		go run()
	}
}

// Cancel stops one point by name, or every active point when name is empty
// or "*". Cancelling all also zeroes every deadline.
func (c *Client) Cancel(name string) {
	c.mu.Lock()
	if name != "" && name != "*" {
		p := c.find(name)
		if p == nil || p.url == "" {
			c.mu.Unlock()
			return
		}
		target := fmt.Sprintf("%s/set?point=%s&state=off", p.url, p.name)
		p.deadline = time.Time{}
		p.status = StatusIdle
		c.mu.Unlock()
		c.rec.Event(p.ptype, name, "CANCEL", "MANUAL")
		c.stop(p, target)
		return
	}

	type pending struct {
		p      *point
		target string
	}
	var stops []pending
	for _, p := range c.points {
		if !p.deadline.IsZero() {
			if p.url != "" {
				stops = append(stops, pending{p,
					fmt.Sprintf("%s/set?point=%s&state=off", p.url, p.name)})
			}
			p.deadline = time.Time{}
			p.status = StatusIdle
		}
	}
	c.active = false
	c.mu.Unlock()

	for _, s := range stops {
		c.stop(s.p, s.target)
	}
}

// Periodic expires elapsed pulses and runs the discovery step. Expired
// points transition to idle without an off command: control servers honor
// the pulse duration on their own.
func (c *Client) Periodic(now time.Time) {
	c.mu.Lock()
	if len(c.points) == 0 {
		c.mu.Unlock()
		return
	}
	if c.active {
		c.active = false
		for _, p := range c.points {
			if p.deadline.IsZero() {
				continue
			}
			if p.deadline.Before(now) {
				// No request needed: the pulse expired on its own.
				p.deadline = time.Time{}
				p.status = StatusIdle
			} else {
				c.active = true
			}
		}
	}
	counts := map[string]int{}
	for _, p := range c.points {
		counts[string(p.status)]++
	}
	c.mu.Unlock()
	for _, s := range []string{"u", "i", "a", "e"} {
		metrics.ControlPoints.WithLabelValues(s).Set(float64(counts[s]))
	}

	c.discover(now)
}

// ForceScan makes the next Periodic call rescan immediately.
func (c *Client) ForceScan() {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
}

func (c *Client) discover(now time.Time) {
	c.mu.Lock()
	if !c.lastScan.IsZero() && c.disc.Changed("control", c.lastScan) {
		c.forced = true
	}
	if !c.forced && now.Before(c.lastScan.Add(scanInterval)) {
		c.mu.Unlock()
		return
	}
	c.forced = false
	c.lastScan = now

	// Rebuild the provider list before issuing any request, so the cache is
	// never walked mid-scan. Providers that disappeared are dropped here.
	providers := c.disc.Providers("control")
	c.providers = providers
	inline := c.inline
	c.mu.Unlock()

	scan := func() {
		for _, provider := range providers {
			c.scanServer(provider)
		}
	}
	if inline {
		scan()
	} else {
		go scan()
	}
}

func (c *Client) scanServer(provider string) {
	resp, err := c.client.Get(provider + "/status")
	if err != nil {
		c.rec.Trace(provider, "%v", err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.rec.Trace(provider, "HTTP error %d", resp.StatusCode)
		return
	}
	if err != nil {
		c.rec.Trace(provider, "%v", err)
		return
	}

	var doc struct {
		Control struct {
			Status map[string]json.RawMessage `json:"status"`
		} `json:"control"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		c.rec.Trace(provider, "JSON syntax error, %v", err)
		return
	}
	if len(doc.Control.Status) == 0 {
		c.rec.Trace(provider, "no control data")
		return
	}

	type routed struct{ name, ptype, url string }
	var routes []routed
	c.mu.Lock()
	for name := range doc.Control.Status {
		p := c.find(name)
		if p == nil {
			continue
		}
		if p.url != provider {
			p.url = provider
			p.status = StatusIdle
			routes = append(routes, routed{p.name, p.ptype, p.url})
		}
	}
	c.mu.Unlock()
	for _, r := range routes {
		c.rec.Event(r.ptype, r.name, "ROUTE", "TO %s", r.url)
	}
}

// Status reports the control plane state: known servers and every declared
// point with its type, status, binding and remaining pulse time.
func (c *Client) Status() map[string]any {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	servers := append([]string{}, c.providers...)
	controls := make([]any, 0, len(c.points))
	for _, p := range c.points {
		remaining := 0
		if p.status == StatusActive {
			remaining = int(p.deadline.Sub(now) / time.Second)
		}
		controls = append(controls, []any{
			p.name, p.ptype, string(p.status), p.url, remaining,
		})
	}
	return map[string]any{"servers": servers, "controls": controls}
}
