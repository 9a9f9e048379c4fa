// Package portal registers the sprinkler service with the house portal so
// the web UI can be reached through the portal's reverse proxy. Registration
// is renewed every minute; losing the portal is not an error, the service
// keeps running standalone.
package portal

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hausgrid/sprinklerd/internal/events"
)

const renewInterval = 60 * time.Second

// Client renews the service registration against the configured portals.
type Client struct {
	mu sync.Mutex

	portals []string
	port    int
	rec     *events.Recorder
	client  *http.Client

	server    string
	lastRenew time.Time

	inline bool // tests
}

// New creates a portal client. An empty portal list disables registration.
func New(portals []string, port int, rec *events.Recorder) *Client {
	return &Client{
		portals: portals,
		port:    port,
		rec:     rec,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Server returns the host name of the portal that accepted the last
// registration, or "" when none did.
func (c *Client) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Periodic renews the registration once per minute.
func (c *Client) Periodic(now time.Time) {
	c.mu.Lock()
	if len(c.portals) == 0 || now.Before(c.lastRenew.Add(renewInterval)) {
		c.mu.Unlock()
		return
	}
	c.lastRenew = now
	portals := append([]string(nil), c.portals...)
	inline := c.inline
	c.mu.Unlock()

	register := func() {
		for _, portal := range portals {
			c.register(portal)
		}
	}
	if inline {
		register()
	} else {
		go register()
	}
}

type registration struct {
	Service string   `json:"service"`
	Port    int      `json:"port"`
	Paths   []string `json:"paths"`
}

type registrationReply struct {
	Host string `json:"host"`
}

func (c *Client) register(portal string) {
	body, _ := json.Marshal(registration{
		Service: "sprinkler",
		Port:    c.port,
		Paths:   []string{"/sprinkler"},
	})
	resp, err := c.client.Post(portal+"/portal/register", "application/json", bytes.NewReader(body))
	if err != nil {
		c.rec.Trace(portal, "register: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.rec.Trace(portal, "register: HTTP %d", resp.StatusCode)
		return
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return
	}
	var reply registrationReply
	if json.Unmarshal(data, &reply) == nil && reply.Host != "" {
		c.mu.Lock()
		c.server = reply.Host
		c.mu.Unlock()
	}
}
