package crdt

import (
	"sync"
)

// Cell is one notebook cell, replicated the way pycrdt's JupyterYDoc
// represents a cell: a small set of LWW fields plus a dedicated RGA for
// `source`, so concurrent character-level edits to a cell converge the
// same way text-room content does.
type Cell struct {
	ID             string
	CellType       string // "code" | "markdown" | "raw"
	ExecutionCount *int

	mu       sync.Mutex
	source   *RGA
	outputs  []map[string]any
	metadata map[string]any
}

func newCell(id, cellType, source, nodeID string) *Cell {
	rga := NewRGA()
	var after RGANodeID
	for _, ch := range source {
		node := rga.Insert(after, ch, nodeID)
		after = node.ID
	}
	return &Cell{
		ID:       id,
		CellType: cellType,
		source:   rga,
		metadata: make(map[string]any),
	}
}

// Source returns the cell's current text content.
func (c *Cell) Source() string {
	return c.source.Text()
}

// Outputs returns a snapshot of the cell's output list.
func (c *Cell) Outputs() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// SetOutput sets the output at index, growing the slice with empty
// placeholders if necessary. Used by the kernel bridge's output
// processor, which addresses outputs by a stable index allocated by
// outputs.IndexTracker.
func (c *Cell) SetOutput(index int, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.outputs) <= index {
		c.outputs = append(c.outputs, nil)
	}
	c.outputs[index] = value
}

// ClearOutputs empties the cell's output list.
func (c *Cell) ClearOutputs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = nil
}

// Metadata returns a snapshot of the cell's metadata map.
func (c *Cell) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata sets a single metadata key.
func (c *Cell) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// NotebookView is the C1 notebook-shaped view over a Doc: an ordered
// sequence of cells plus `meta` and `state` maps, matching pycrdt's
// JupyterYDoc surface (`cells`, `meta`, `state`).
type NotebookView struct {
	mu       sync.Mutex
	order    *Array[string]
	cells    map[string]*Cell
	meta     map[string]any
	state    map[string]any
	nodeID   string
}

func newNotebookView(nodeID string) *NotebookView {
	return &NotebookView{
		order:  NewArray[string](),
		cells:  make(map[string]*Cell),
		meta:   make(map[string]any),
		state:  make(map[string]any),
		nodeID: nodeID,
	}
}

// Cells returns the ordered list of live cells.
func (n *NotebookView) Cells() []*Cell {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := n.order.Values()
	out := make([]*Cell, 0, len(ids))
	for _, id := range ids {
		if c, ok := n.cells[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// FindCell returns the cell with the given id, or nil.
func (n *NotebookView) FindCell(id string) *Cell {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cells[id]
}

// InsertCell inserts an already-constructed cell at position i.
func (n *NotebookView) InsertCell(i int, cell *Cell) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cells[cell.ID] = cell
	n.order.InsertAt(i, cell.ID, n.nodeID)
}

// CreateCell builds and appends a new cell of the given kind with the
// given initial source, returning it.
func (n *NotebookView) CreateCell(id, kind, source string) *Cell {
	cell := newCell(id, kind, source, n.nodeID)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cells[id] = cell
	n.order.InsertAt(len(n.order.Values()), id, n.nodeID)
	return cell
}

// DeleteCell removes the cell at position i.
func (n *NotebookView) DeleteCell(i int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := n.order.Values()
	if i < 0 || i >= len(ids) {
		return
	}
	delete(n.cells, ids[i])
	n.order.DeleteAt(i)
}

// Meta returns a snapshot of the notebook-level `meta` map (e.g.
// `language_info`, kernelspec).
func (n *NotebookView) Meta() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]any, len(n.meta))
	for k, v := range n.meta {
		out[k] = v
	}
	return out
}

// SetMeta sets a single key in the `meta` map.
func (n *NotebookView) SetMeta(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meta[key] = value
}

// State returns a snapshot of the `state` map (dirty flag, etc).
func (n *NotebookView) State() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]any, len(n.state))
	for k, v := range n.state {
		out[k] = v
	}
	return out
}

// SetState sets a single key in the `state` map, returning whether the
// value actually changed. Callers use this to detect the zero-effect
// updates that the room engine's document observer does not save for.
func (n *NotebookView) SetState(key string, value any) (changed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	old, existed := n.state[key]
	n.state[key] = value
	return !existed || old != value
}

// NotebookSnapshot is the nbformat-shaped rendering of a NotebookView
// used when the file API persists notebook content to disk.
type NotebookSnapshot struct {
	Cells    []CellSnapshot `json:"cells"`
	Metadata map[string]any `json:"metadata"`
	NbFormat int            `json:"nbformat"`
	NbMinor  int            `json:"nbformat_minor"`
}

// CellSnapshot is one cell's nbformat-shaped rendering.
type CellSnapshot struct {
	ID             string           `json:"id"`
	CellType       string           `json:"cell_type"`
	Source         string           `json:"source"`
	Outputs        []map[string]any `json:"outputs,omitempty"`
	ExecutionCount *int             `json:"execution_count"`
	Metadata       map[string]any   `json:"metadata"`
}

// Snapshot renders the current notebook state in nbformat shape, for
// the file API to serialize to disk.
func (n *NotebookView) Snapshot() NotebookSnapshot {
	cells := n.Cells()
	out := make([]CellSnapshot, 0, len(cells))
	for _, c := range cells {
		out = append(out, CellSnapshot{
			ID:             c.ID,
			CellType:       c.CellType,
			Source:         c.Source(),
			Outputs:        c.Outputs(),
			ExecutionCount: c.ExecutionCount,
			Metadata:       c.Metadata(),
		})
	}
	return NotebookSnapshot{Cells: out, Metadata: n.Meta(), NbFormat: 4, NbMinor: 5}
}
