// Package feed drives the shared infrastructure opened ahead of any zone:
// water pumps, solenoid power supplies and similar devices. Feeds form
// chains through their next pointer; activating a feed activates the whole
// chain, each with the zone pulse extended by its linger time.
package feed

import (
	"sync"

	"github.com/hausgrid/sprinklerd/internal/config"
	"github.com/hausgrid/sprinklerd/internal/control"
	"github.com/hausgrid/sprinklerd/internal/events"
)

type item struct {
	name   string
	next   string
	linger int
	manual bool
}

// Chains holds the configured feeds.
type Chains struct {
	mu    sync.RWMutex
	feeds []item

	ctrl *control.Client
	rec  *events.Recorder
}

// New creates an empty feed table.
func New(ctrl *control.Client, rec *events.Recorder) *Chains {
	return &Chains{ctrl: ctrl, rec: rec}
}

func (c *Chains) find(name string) *item {
	for i := range c.feeds {
		if c.feeds[i].name == name {
			return &c.feeds[i]
		}
	}
	return nil
}

// Refresh rebuilds the feed table from the configuration, declares the
// underlying control points and validates the chains. A broken chain is
// reported but kept: activation stops at the broken link.
func (c *Chains) Refresh(cfg *config.Store) {
	var feeds []item
	for _, node := range cfg.Root().Array(".feeds") {
		f := item{
			name:   node.String(".name"),
			next:   node.String(".next"),
			linger: node.Positive(".linger"),
			manual: node.Bool(".manual"),
		}
		if f.name == "" {
			continue
		}
		feeds = append(feeds, f)
		c.ctrl.Declare(f.name, "FEED")
		c.ctrl.Event(f.name, false, false) // Feeds stay silent by default.
	}

	c.mu.Lock()
	c.feeds = feeds
	c.mu.Unlock()

	// Detect broken links and loops in the chains. Having any is bad.
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range feeds {
		previous := feeds[i].name
		name := feeds[i].next
		for hops := 0; name != ""; hops++ {
			next := c.find(name)
			if next == nil {
				c.rec.Event("FEED", previous, "INVALID", "UNKNOWN NEXT %s", name)
				break
			}
			if hops >= len(feeds) {
				c.rec.Event("FEED", feeds[i].name, "INVALID", "INFINITE LOOP IN CHAIN")
				break
			}
			previous = name
			name = next.next
		}
	}
}

// Count returns the number of configured feeds.
func (c *Chains) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.feeds)
}

// Activate opens the chain starting at name for pulse seconds plus each
// feed's linger. An empty context means a manual zone test: in that case
// each feed emits one activation event so the operator gets feedback;
// otherwise feeds stay silent to avoid log noise.
func (c *Chains) Activate(name string, pulse int, context string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	previous := ""
	for hops := 0; name != ""; hops++ {
		f := c.find(name)
		if f == nil {
			if previous != "" {
				c.rec.Event("FEED", previous, "INVALID", "UNKNOWN NEXT %s", name)
			} else {
				c.rec.Event("FEED", name, "UNKNOWN", "")
			}
			return
		}
		if !f.manual {
			if context == "" {
				c.ctrl.Event(name, true, true)
			}
			c.ctrl.Start(name, pulse+f.linger, context)
		}
		previous = name
		name = f.next

		if name != "" && hops+1 >= len(c.feeds) && c.find(name) != nil {
			// More hops than feeds: the chain loops on itself.
			c.rec.Event("FEED", name, "INVALID", "INFINITE LOOP IN CHAIN")
			break
		}
	}
}
