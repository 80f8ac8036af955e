package crdt

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ORSet is an Observed-Remove Set CRDT.
// Add wins over concurrent Remove because removes only target specific add-tags.
type ORSet struct {
	mu       sync.RWMutex
	elements map[string]map[string]struct{} // value → set of add-tags
}

// NewORSet creates an empty OR-Set.
func NewORSet() *ORSet {
	return &ORSet{elements: make(map[string]map[string]struct{})}
}

// Add adds value to the set with a unique tag derived from nodeID and a
// fresh UUID. Returns the tag (so callers can gossip it to peers).
func (s *ORSet) Add(value, nodeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := nodeID + ":" + uuid.NewString()
	if s.elements[value] == nil {
		s.elements[value] = make(map[string]struct{})
	}
	s.elements[value][tag] = struct{}{}
	return tag
}

// AddTag adds an externally-generated tag for value (used when applying a
// remote add so the tag is preserved rather than re-minted).
func (s *ORSet) AddTag(value, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.elements[value] == nil {
		s.elements[value] = make(map[string]struct{})
	}
	s.elements[value][tag] = struct{}{}
}

// Remove removes all current tags for value. Concurrent adds are unaffected.
func (s *ORSet) Remove(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, value)
}

// Contains returns true if value has at least one active add-tag.
func (s *ORSet) Contains(value string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags, ok := s.elements[value]
	return ok && len(tags) > 0
}

// Values returns a sorted list of all values in the set.
func (s *ORSet) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.elements))
	for v, tags := range s.elements {
		if len(tags) > 0 {
			result = append(result, v)
		}
	}
	sort.Strings(result)
	return result
}

// Merge merges another OR-Set's elements in (union of add-tags).
func (s *ORSet) Merge(other *ORSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	for value, tags := range other.elements {
		if s.elements[value] == nil {
			s.elements[value] = make(map[string]struct{})
		}
		for tag := range tags {
			s.elements[value][tag] = struct{}{}
		}
	}
}
