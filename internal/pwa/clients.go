package pwa

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a page session seen by the proxy, identified by its cookie.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller"` // cache version serving it, "" if none
	SeenAt     time.Time `json:"seenAt"`
}

const (
	maxClients     = 10000
	clientIdleTime = time.Hour
)

type Clients struct {
	mu sync.Mutex
	m  map[string]*Client
}

func newClients() *Clients {
	return &Clients{m: map[string]*Client{}}
}

// Touch records activity of client id. A new client is controlled by
// controller from the start; a known one keeps its controller until the
// next Claim.
func (c *Clients) Touch(id, url, controller string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.m[id]; ok {
		cl.URL = url
		cl.SeenAt = now
		return
	}
	if len(c.m) >= maxClients {
		c.pruneLocked(now.Add(-clientIdleTime))
	}
	c.m[id] = &Client{ID: id, URL: url, Controller: controller, SeenAt: now}
}

// Claim hands every known session to version and returns how many changed
// hands.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.m {
		if cl.Controller != version {
			cl.Controller = version
			n++
		}
	}
	return n
}

// OpenWindow starts a new session at url controlled by controller.
func (c *Clients) OpenWindow(url, controller string) Client {
	cl := Client{ID: uuid.NewString(), URL: url, Controller: controller, SeenAt: time.Now()}
	c.mu.Lock()
	c.m[cl.ID] = &cl
	c.mu.Unlock()
	return cl
}

func (c *Clients) Get(id string) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.m[id]
	if !ok {
		return Client{}, false
	}
	return *cl, true
}

func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// List returns all sessions, most recently seen first.
func (c *Clients) List() []Client {
	c.mu.Lock()
	out := make([]Client, 0, len(c.m))
	for _, cl := range c.m {
		out = append(out, *cl)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.After(out[j].SeenAt) })
	return out
}

func (c *Clients) pruneLocked(before time.Time) {
	for id, cl := range c.m {
		if cl.SeenAt.Before(before) {
			delete(c.m, id)
		}
	}
}
