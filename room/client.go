// Package room implements the per-room dispatch engine (C6), its client
// group (C4), file API (C5), and the inactivity-reaping room manager
// (C7) that owns all live rooms.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender is implemented by the transport layer so a Client can push
// frames to its WebSocket connection without this package depending on
// gorilla/websocket directly.
type Sender interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// Client is one WebSocket-attached connection to a room.
type Client struct {
	ID             string
	sender         Sender
	synced         bool
	lastModifiedAt time.Time
}

// newClient wraps sender as a fresh, desynced client.
func newClient(sender Sender) *Client {
	return &Client{
		ID:             uuid.NewString(),
		sender:         sender,
		synced:         false,
		lastModifiedAt: time.Now(),
	}
}

// Send pushes frame to this client's connection.
func (c *Client) Send(frame []byte) error {
	return c.sender.Send(frame)
}

// Synced reports whether this client has completed the sync handshake.
func (c *Client) Synced() bool {
	return c.synced
}

// ClientGroup keys a room's connected clients by id, tracking the
// synced/desynced split and running a background reaper that evicts
// desynced clients that never complete the handshake.
//
// Invariant: synced and desynced are disjoint; IsEmpty() iff both are
// empty.
type ClientGroup struct {
	mu       sync.Mutex
	synced   map[string]*Client
	desynced map[string]*Client

	desyncedTimeout time.Duration
	pollInterval    time.Duration

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// DefaultDesyncedTimeout and DefaultClientPollInterval are the
// package-level fallbacks NewClientGroup applies when called with a
// non-positive duration. Vars rather than consts so
// config.Config.Room can override the process-wide default at
// startup without every call site needing to thread a config value
// through.
var (
	DefaultDesyncedTimeout    = 120 * time.Second
	DefaultClientPollInterval = 60 * time.Second
)

// NewClientGroup creates an empty group and starts its background
// reaper goroutine. Call Stop to shut the reaper down and close every
// connected client.
func NewClientGroup(desyncedTimeout, pollInterval time.Duration) *ClientGroup {
	if desyncedTimeout <= 0 {
		desyncedTimeout = DefaultDesyncedTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultClientPollInterval
	}
	g := &ClientGroup{
		synced:          make(map[string]*Client),
		desynced:        make(map[string]*Client),
		desyncedTimeout: desyncedTimeout,
		pollInterval:    pollInterval,
		stopReaper:      make(chan struct{}),
		reaperDone:      make(chan struct{}),
	}
	go g.reap()
	return g
}

// Add registers a pending client and returns its id. New clients always
// start desynced.
func (g *ClientGroup) Add(sender Sender) string {
	c := newClient(sender)
	g.mu.Lock()
	g.desynced[c.ID] = c
	g.mu.Unlock()
	return c.ID
}

// MarkSynced moves id from desynced to synced, idempotently.
func (g *ClientGroup) MarkSynced(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.desynced[id]
	if !ok {
		if c, ok = g.synced[id]; ok {
			c.lastModifiedAt = time.Now()
		}
		return
	}
	delete(g.desynced, id)
	c.synced = true
	c.lastModifiedAt = time.Now()
	g.synced[id] = c
}

// MarkDesynced moves id from synced to desynced, idempotently.
func (g *ClientGroup) MarkDesynced(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.synced[id]
	if !ok {
		if c, ok = g.desynced[id]; ok {
			c.lastModifiedAt = time.Now()
		}
		return
	}
	delete(g.synced, id)
	c.synced = false
	c.lastModifiedAt = time.Now()
	g.desynced[id] = c
}

// Remove deletes id from the group entirely, from whichever substate it
// is currently in.
func (g *ClientGroup) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.synced, id)
	delete(g.desynced, id)
}

// Get returns the client with id. If syncedOnly is true (the default
// usage), desynced clients are not returned.
func (g *ClientGroup) Get(id string, syncedOnly bool) (*Client, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.synced[id]; ok {
		return c, true
	}
	if syncedOnly {
		return nil, false
	}
	c, ok := g.desynced[id]
	return c, ok
}

// GetAll returns every live client. If syncedOnly is true, desynced
// clients are excluded — the common case for broadcasting SyncUpdate
// frames, since a desynced peer has no base state to apply a delta to.
func (g *ClientGroup) GetAll(syncedOnly bool) []*Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Client, 0, len(g.synced)+len(g.desynced))
	for _, c := range g.synced {
		out = append(out, c)
	}
	if !syncedOnly {
		for _, c := range g.desynced {
			out = append(out, c)
		}
	}
	return out
}

// GetOthers returns every live client except excludeID.
func (g *ClientGroup) GetOthers(excludeID string, syncedOnly bool) []*Client {
	all := g.GetAll(syncedOnly)
	out := make([]*Client, 0, len(all))
	for _, c := range all {
		if c.ID != excludeID {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the total number of clients, synced and desynced.
func (g *ClientGroup) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.synced) + len(g.desynced)
}

// IsEmpty reports whether the group has no clients at all.
func (g *ClientGroup) IsEmpty() bool {
	return g.Count() == 0
}

// Stop closes every connected client with the given close code and
// reason, clears the group, and stops the background reaper.
func (g *ClientGroup) Stop(code int, reason string) {
	close(g.stopReaper)
	<-g.reaperDone

	g.mu.Lock()
	all := make([]*Client, 0, len(g.synced)+len(g.desynced))
	for _, c := range g.synced {
		all = append(all, c)
	}
	for _, c := range g.desynced {
		all = append(all, c)
	}
	g.synced = make(map[string]*Client)
	g.desynced = make(map[string]*Client)
	g.mu.Unlock()

	for _, c := range all {
		if err := c.sender.Close(code, reason); err != nil {
			slog.Warn("client close failed", "client", c.ID, "err", err)
		}
	}
}

// reap evicts desynced clients that never completed the handshake within
// desyncedTimeout, once per pollInterval. A synced client is only
// removed by an explicit Leave; Send errors on a dead connection are the
// transport layer's signal to close and call Leave itself, not reap's.
func (g *ClientGroup) reap() {
	defer close(g.reaperDone)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopReaper:
			return
		case <-ticker.C:
			g.evictExpired()
		}
	}
}

func (g *ClientGroup) evictExpired() {
	now := time.Now()
	g.mu.Lock()
	var expired []*Client
	for id, c := range g.desynced {
		if now.Sub(c.lastModifiedAt) > g.desyncedTimeout {
			expired = append(expired, c)
			delete(g.desynced, id)
		}
	}
	g.mu.Unlock()

	for _, c := range expired {
		slog.Info("evicting desynced client that never completed handshake", "client", c.ID)
		if err := c.sender.Close(4003, "sync handshake timed out"); err != nil {
			slog.Warn("client close failed during eviction", "client", c.ID, "err", err)
		}
	}
}
