// Package outputs implements the per-cell output index allocator (C2) and
// the content-addressed output artifact store (C3).
package outputs

import "sync"

// IndexTracker assigns stable, monotonically increasing indices to a
// cell's outputs, keeping a display_id's index stable across the
// update_display_data messages that can arrive after the output that
// first introduced it. One tracker is owned per room.
type IndexTracker struct {
	mu sync.Mutex

	lastOutputIndex  map[string]int
	displayIDToIndex map[string]int
	cellDisplayIDs   map[string]map[string]struct{}
}

// NewIndexTracker creates an empty tracker.
func NewIndexTracker() *IndexTracker {
	return &IndexTracker{
		lastOutputIndex:  make(map[string]int),
		displayIDToIndex: make(map[string]int),
		cellDisplayIDs:   make(map[string]map[string]struct{}),
	}
}

// AllocateOutputIndex returns the index a new output for cellID should be
// written at. If displayID is non-empty and already has an index
// allocated (i.e. this is an update_display_data for an earlier
// display_data), that existing index is returned and cellID's
// last-output-index counter is left untouched, so the next non-display
// output still continues the sequence from where it left off rather
// than colliding with an index a reused display_id already occupies.
// displayID may be empty for outputs that don't participate in display
// updates (stream, execute_result, error).
func (t *IndexTracker) AllocateOutputIndex(cellID, displayID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	lastIndex, ok := t.lastOutputIndex[cellID]
	if !ok {
		lastIndex = -1
	}

	var newIndex int
	if displayID != "" {
		if existing, ok := t.displayIDToIndex[displayID]; ok {
			return existing
		}
		newIndex = lastIndex + 1
		t.displayIDToIndex[displayID] = newIndex
		if t.cellDisplayIDs[cellID] == nil {
			t.cellDisplayIDs[cellID] = make(map[string]struct{})
		}
		t.cellDisplayIDs[cellID][displayID] = struct{}{}
	} else {
		newIndex = lastIndex + 1
	}

	t.lastOutputIndex[cellID] = newIndex
	return newIndex
}

// GetOutputIndex returns the index previously allocated for displayID, and
// whether one has been allocated at all.
func (t *IndexTracker) GetOutputIndex(displayID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.displayIDToIndex[displayID]
	return idx, ok
}

// ClearCellIndices forgets all index bookkeeping for cellID, called when a
// cell is re-executed and its prior outputs are about to be cleared.
func (t *IndexTracker) ClearCellIndices(cellID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastOutputIndex, cellID)
	for displayID := range t.cellDisplayIDs[cellID] {
		delete(t.displayIDToIndex, displayID)
	}
	delete(t.cellDisplayIDs, cellID)
}
