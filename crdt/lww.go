package crdt

import (
	"sync"
	"time"
)

// LWWRegister is a Last-Write-Wins register.
// On a timestamp tie, the higher NodeID wins (lexicographic).
type LWWRegister[T any] struct {
	mu        sync.RWMutex
	value     T
	timestamp time.Time
	nodeID    string
}

// Set updates the register if ts > current timestamp (or tie-break on nodeID).
func (r *LWWRegister[T]) Set(val T, ts time.Time, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts.After(r.timestamp) || (ts.Equal(r.timestamp) && nodeID > r.nodeID) {
		r.value = val
		r.timestamp = ts
		r.nodeID = nodeID
	}
}

// Get returns the current value and its timestamp.
func (r *LWWRegister[T]) Get() (T, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.timestamp
}

// Merge pulls in a remote register's state.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	val, ts := other.Get()
	other.mu.RLock()
	nodeID := other.nodeID
	other.mu.RUnlock()
	r.Set(val, ts, nodeID)
}
