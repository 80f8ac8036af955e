package crdt

import (
	"encoding/json"
	"sync"
)

// AwarenessChange describes which client states were added, updated, or
// removed by an applied awareness update, mirroring pycrdt's
// `changes: tuple[dict[str, Any], Any]` observer argument closely enough
// for the room engine to act on.
type AwarenessChange struct {
	Type      string // "update" | "remove"
	ClientIDs []uint64
	Origin    string
}

// Awareness holds per-client ephemeral state (cursors, selections,
// kernel execution status) keyed by numeric client id, replicated
// independently of document content.
type Awareness struct {
	mu        sync.Mutex
	states    map[uint64]json.RawMessage
	observers []func(AwarenessChange)
}

// NewAwareness creates an empty awareness replica.
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[uint64]json.RawMessage)}
}

// SetLocalState sets this replica's own state for clientID and notifies
// observers with origin "local", matching the room engine's rule that
// only locally-originated updates get rebroadcast.
func (a *Awareness) SetLocalState(clientID uint64, state any) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.states[clientID] = encoded
	a.mu.Unlock()
	a.notify(AwarenessChange{Type: "update", ClientIDs: []uint64{clientID}, Origin: "local"})
	return nil
}

// GetLocalState returns the last state set for clientID via SetLocalState
// or merged in from a remote update, or nil if unknown.
func (a *Awareness) GetLocalState(clientID uint64) map[string]any {
	a.mu.Lock()
	raw, ok := a.states[clientID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// RemoveState removes clientID's state entirely (used when a client
// disconnects without sending an explicit awareness removal).
func (a *Awareness) RemoveState(clientID uint64) {
	a.mu.Lock()
	_, existed := a.states[clientID]
	delete(a.states, clientID)
	a.mu.Unlock()
	if existed {
		a.notify(AwarenessChange{Type: "remove", ClientIDs: []uint64{clientID}, Origin: "local"})
	}
}

// ApplyAwarenessUpdate merges a remote-encoded awareness update (as
// produced by EncodeAwarenessUpdate) into this replica.
func (a *Awareness) ApplyAwarenessUpdate(payload []byte, origin string) error {
	var update map[uint64]json.RawMessage
	if err := json.Unmarshal(payload, &update); err != nil {
		return err
	}
	ids := make([]uint64, 0, len(update))
	a.mu.Lock()
	for clientID, state := range update {
		a.states[clientID] = state
		ids = append(ids, clientID)
	}
	a.mu.Unlock()
	a.notify(AwarenessChange{Type: "update", ClientIDs: ids, Origin: origin})
	return nil
}

// EncodeAwarenessUpdate encodes the given clients' current states for
// transmission to peers.
func (a *Awareness) EncodeAwarenessUpdate(clientIDs []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	update := make(map[uint64]json.RawMessage, len(clientIDs))
	for _, id := range clientIDs {
		if state, ok := a.states[id]; ok {
			update[id] = state
		}
	}
	payload, _ := json.Marshal(update)
	return payload
}

// CreateAwarenessFrame wraps an encoded awareness update as a complete
// wire frame (type=AWARENESS, no subtype byte).
func CreateAwarenessFrame(state []byte) []byte {
	return frame(MsgTypeAwareness, 0, state)
}

// ObserveAwareness registers callback to fire on every applied update or
// removal.
func (a *Awareness) ObserveAwareness(callback func(AwarenessChange)) UnsubscribeFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := len(a.observers)
	a.observers = append(a.observers, callback)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.observers) {
			a.observers[idx] = nil
		}
	}
}

func (a *Awareness) notify(change AwarenessChange) {
	a.mu.Lock()
	observers := make([]func(AwarenessChange), len(a.observers))
	copy(observers, a.observers)
	a.mu.Unlock()
	for _, obs := range observers {
		if obs != nil {
			obs(change)
		}
	}
}
