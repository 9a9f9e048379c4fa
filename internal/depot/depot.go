// Package depot is the client side of the content depot: small JSON blobs
// distributed across instances under group/key names. The sprinkler only
// uses it for one document, the shared operational state.
package depot

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/discovery"
	"github.com/hausgrid/sprinklerd/internal/events"
)

const checkInterval = 60 * time.Second

// Listener receives a published blob.
type Listener func(name string, timestamp time.Time, data []byte)

type subscription struct {
	group    string
	key      string
	listener Listener
}

// Client polls depot providers for subscribed keys and pushes updates.
type Client struct {
	mu sync.Mutex

	disc   *discovery.Registry
	rec    *events.Recorder
	client *http.Client

	subs      []subscription
	revisions map[string]time.Time
	lastCheck time.Time

	inline bool // tests: run exchanges inline
}

// New creates a depot client over the discovery registry.
func New(disc *discovery.Registry, rec *events.Recorder) *Client {
	return &Client{
		disc:      disc,
		rec:       rec,
		client:    &http.Client{Timeout: 10 * time.Second},
		revisions: map[string]time.Time{},
	}
}

// Subscribe registers a listener for group/key. The listener is called every
// time a newer revision is seen on any depot provider.
func (c *Client) Subscribe(group, key string, l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{group: group, key: key, listener: l})
}

// Put publishes data under group/key on every known depot provider.
func (c *Client) Put(group, key string, data []byte) {
	name := group + "/" + key
	payload := append([]byte(nil), data...)
	providers := c.disc.Providers("depot")

	push := func() {
		for _, provider := range providers {
			resp, err := c.client.Post(
				provider+"/depot/put?name="+name, "application/json",
				bytes.NewReader(payload))
			if err != nil {
				c.rec.Trace(provider, "depot put %s: %v", name, err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				c.rec.Trace(provider, "depot put %s: HTTP %d", name, resp.StatusCode)
			}
		}
	}
	c.mu.Lock()
	// Our own write is the newest revision. Stamp one second ahead so the
	// provider's coarser timestamp cannot echo the write back to us.
	c.revisions[name] = time.Now().Add(time.Second)
	inline := c.inline
	c.mu.Unlock()
	if inline {
		push()
	} else {
		go push()
	}
}

type checkReply struct {
	Updates []struct {
		Name string `json:"name"`
		Time int64  `json:"time"`
	} `json:"updates"`
}

// Periodic polls providers for newer revisions of subscribed keys.
func (c *Client) Periodic(now time.Time) {
	c.mu.Lock()
	if now.Before(c.lastCheck.Add(checkInterval)) {
		c.mu.Unlock()
		return
	}
	c.lastCheck = now
	groups := map[string]bool{}
	for _, s := range c.subs {
		groups[s.group] = true
	}
	inline := c.inline
	c.mu.Unlock()

	scan := func() {
		for group := range groups {
			c.disc.EachProvider("depot", func(url string) {
				c.checkProvider(url, group)
			})
		}
	}
	if inline {
		scan()
	} else {
		go scan()
	}
}

func (c *Client) checkProvider(provider, group string) {
	resp, err := c.client.Get(provider + "/depot/check?group=" + group)
	if err != nil {
		c.rec.Trace(provider, "depot check: %v", err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		c.rec.Trace(provider, "depot check: HTTP %d", resp.StatusCode)
		return
	}
	var reply checkReply
	if err := json.Unmarshal(body, &reply); err != nil {
		c.rec.Trace(provider, "depot check: %v", err)
		return
	}

	for _, update := range reply.Updates {
		revision := time.Unix(update.Time, 0)
		c.mu.Lock()
		known := c.revisions[update.Name]
		var matches []subscription
		for _, s := range c.subs {
			if s.group+"/"+s.key == update.Name {
				matches = append(matches, s)
			}
		}
		fresh := revision.After(known) && len(matches) > 0
		if fresh {
			c.revisions[update.Name] = revision
		}
		c.mu.Unlock()
		if !fresh {
			continue
		}
		data, ok := c.fetch(provider, update.Name)
		if !ok {
			continue
		}
		for _, s := range matches {
			s.listener(update.Name, revision, data)
		}
	}
}

func (c *Client) fetch(provider, name string) ([]byte, bool) {
	resp, err := c.client.Get(provider + "/depot/get?name=" + name)
	if err != nil {
		c.rec.Trace(provider, "depot get %s: %v", name, err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.rec.Trace(provider, "depot get %s: HTTP %d", name, resp.StatusCode)
		return nil, false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.rec.Trace(provider, "depot get %s: %v", name, err)
		return nil, false
	}
	return data, true
}
