package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Polqt/crdtcollab/contents"
	"github.com/Polqt/crdtcollab/events"
	"github.com/Polqt/crdtcollab/fileid"
)

// InactivityCheckInterval is the room manager's reaper tick, per
// spec.md §4.7 (room_inactivity_seconds, default 10). A var rather
// than a const so config.Config.Room.InactivitySeconds can override
// it at process startup.
var InactivityCheckInterval = 10 * time.Second

// Manager is the C7 registry owning every live room, creating them
// lazily on first lookup and restarting ones that go two consecutive
// reaper ticks without clients or history-worth mutation, to reclaim
// CRDT/awareness memory without dropping the room id.
type Manager struct {
	indexer fileid.Indexer
	store   contents.Store
	events  events.Sink

	mu      sync.Mutex
	rooms   map[string]*Room
	pending map[string]bool // rooms inactive on the most recent tick

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager creates an empty Manager and starts its background
// inactivity reaper.
func NewManager(indexer fileid.Indexer, store contents.Store, sink events.Sink) *Manager {
	m := &Manager{
		indexer:    indexer,
		store:      store,
		events:     sink,
		rooms:      make(map[string]*Room),
		pending:    make(map[string]bool),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.watch()
	return m
}

// GetRoom returns the room for id, constructing it on first lookup.
// Any lookup clears id from the inactivity-pending set, refreshing its
// grace period.
func (m *Manager) GetRoom(id string) (*Room, error) {
	roomID, err := ParseRoomID(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)

	if r, ok := m.rooms[id]; ok {
		return r, nil
	}

	r := NewRoom(roomID, m.indexer, m.store, m.events)
	m.rooms[id] = r
	return r, nil
}

// HasRoom reports whether id has a live room, without creating one.
func (m *Manager) HasRoom(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[id]
	return ok
}

// DeleteRoom stops and removes the room for id, if any. Returns false
// if no such room existed.
func (m *Manager) DeleteRoom(id string) bool {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if ok {
		delete(m.rooms, id)
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.Stop()
	return true
}

// Stop cancels the reaper, then stops and deletes every room, logging
// an aggregate failure count rather than failing the whole shutdown on
// one room's error.
func (m *Manager) Stop() {
	close(m.stopReaper)
	<-m.reaperDone

	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	failures := 0
	for _, id := range ids {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					failures++
					slog.Error("manager: panic stopping room", "room", id, "recovered", rec)
				}
			}()
			if !m.DeleteRoom(id) {
				failures++
			}
		}()
	}
	if failures > 0 {
		slog.Warn("manager: shutdown completed with failures", "failed_rooms", failures)
	}
}

func (m *Manager) watch() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(InactivityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopReaper:
			return
		case <-ticker.C:
			m.checkRooms()
		}
	}
}

func (m *Manager) checkRooms() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		if id == GlobalAwarenessRoomID {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.checkRoom(id)
	}
}

// checkRoom applies the 2-consecutive-tick hysteresis rule: a room
// found inactive twice in a row is restarted (not deleted), and any
// intervening GetRoom lookup clears it from pending.
func (m *Manager) checkRoom(id string) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if !m.isInactive(r) {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	wasPending := m.pending[id]
	m.pending[id] = true
	m.mu.Unlock()

	if wasPending {
		slog.Info("manager: restarting inactive room to reclaim history", "room", id)
		r.Restart()
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}
}

func (m *Manager) isInactive(r *Room) bool {
	if r.ClientCount() != 0 {
		return false
	}
	if !r.Updated() {
		return false
	}
	return kernelStateIdle(r)
}

// kernelStateIdle reports whether the room's awareness-reported kernel
// execution state is idle, dead, none, or absent — any other state
// (such as "busy" or "starting") keeps the room alive. Text rooms carry
// no kernel state at all, so they are always eligible once updated.
//
// The execution state lives in awareness, not the notebook's
// document-level state map: SetKernelExecutionState publishes it to
// client id KernelAwarenessClientID's "kernel.execution_state" field,
// mirroring yroom_manager.py's own
// `awareness.get("kernel", {}).get("execution_state", None)` read.
func kernelStateIdle(r *Room) bool {
	if r.awareness == nil {
		return true
	}
	local := r.awareness.GetLocalState(KernelAwarenessClientID)
	kernel, _ := local["kernel"].(map[string]any)
	state, ok := kernel["execution_state"].(string)
	if !ok {
		return true
	}
	switch state {
	case "idle", "dead", "none", "":
		return true
	default:
		return false
	}
}
