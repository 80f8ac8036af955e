package crdt

import "sync"

// PNCounter is a Positive-Negative counter CRDT.
// Supports both increment and decrement without conflicts.
type PNCounter struct {
	mu       sync.RWMutex
	positive map[string]int64 // nodeID → positive increments
	negative map[string]int64 // nodeID → negative decrements
}

// NewPNCounter creates a zeroed PN counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{
		positive: make(map[string]int64),
		negative: make(map[string]int64),
	}
}

// Increment adds delta to this node's positive counter.
func (c *PNCounter) Increment(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positive[nodeID] += delta
}

// Decrement adds delta to this node's negative counter.
func (c *PNCounter) Decrement(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[nodeID] += delta
}

// Value returns the current counter value (sum of positives - sum of negatives).
func (c *PNCounter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, v := range c.positive {
		total += v
	}
	for _, v := range c.negative {
		total -= v
	}
	return total
}

// Merge merges another counter into this one (take max per component).
func (c *PNCounter) Merge(other *PNCounter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	for node, v := range other.positive {
		if v > c.positive[node] {
			c.positive[node] = v
		}
	}
	for node, v := range other.negative {
		if v > c.negative[node] {
			c.negative[node] = v
		}
	}
}
