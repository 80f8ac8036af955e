package crdt

import (
	"encoding/json"
	"reflect"
)

// Message framing constants, per the wire format assumed by the room
// engine (SPEC_FULL.md §6 / spec.md §6): byte 0 is the message type, and
// for SYNC messages byte 1 is the subtype.
const (
	MsgTypeSync      byte = 0
	MsgTypeAwareness byte = 1

	SyncStep1  byte = 0
	SyncStep2  byte = 1
	SyncUpdate byte = 2
)

// StateChange describes one key changing in the notebook `state` map
// during a transaction, mirroring pycrdt's MapEvent.keys entries closely
// enough for the room engine's should_ignore_state_update filter
// (SPEC_FULL.md §4.6) to inspect without reaching into this package's
// wire format.
type StateChange struct {
	Key      string
	OldValue any
	NewValue any
}

// Changed reports whether this entry reflects an actual value change, as
// opposed to a same-value overwrite. The room engine's should_ignore_state_update
// filter in SPEC_FULL.md §4.6 treats a transaction where every StateChange
// reports Changed()==false as spurious and skips scheduling a save for
// it; the update is still broadcast to clients.
func (c StateChange) Changed() bool {
	return !reflect.DeepEqual(c.OldValue, c.NewValue)
}

// envelope is the wire unit exchanged in SyncStep2/SyncUpdate payloads:
// an operation tagged with the id of the transaction that produced it.
type envelope struct {
	ID RGANodeID
	Op op
}

// op is this module's internal CRDT operation representation. Exactly one
// field is populated per instance, discriminated by Kind. This is the
// module's own wire format — no equivalent Go library exists in the
// retrieved corpus to delegate to (SPEC_FULL.md §4.1) — encoded with
// encoding/json for introspectability, in keeping with the notebook
// format itself being JSON.
type op struct {
	Kind string `json:"kind"`

	TextInsert *textInsertOp `json:"text_insert,omitempty"`
	TextDelete *idOp         `json:"text_delete,omitempty"`

	CellInsert *cellInsertOp `json:"cell_insert,omitempty"`
	CellDelete *idOp         `json:"cell_delete,omitempty"`

	CellSourceInsert *cellSourceInsertOp `json:"cell_source_insert,omitempty"`
	CellSourceDelete *cellSourceDeleteOp `json:"cell_source_delete,omitempty"`

	SetCellExecutionCount *setCellExecutionCountOp `json:"set_cell_execution_count,omitempty"`
	SetCellMetadata       *setCellMetadataOp       `json:"set_cell_metadata,omitempty"`
	SetCellOutput         *setCellOutputOp         `json:"set_cell_output,omitempty"`
	ClearCellOutputs      *clearCellOutputsOp      `json:"clear_cell_outputs,omitempty"`

	SetMeta  *setKVOp `json:"set_meta,omitempty"`
	SetState *setKVOp `json:"set_state,omitempty"`
}

type idOp struct{ ID RGANodeID }

type textInsertOp struct {
	ID    RGANodeID
	After RGANodeID
	Char  rune
}

type cellInsertOp struct {
	ArrayID       RGANodeID
	After         RGANodeID
	CellID        string
	CellType      string
	InitialSource string
}

type cellSourceInsertOp struct {
	CellID string
	ID     RGANodeID
	After  RGANodeID
	Char   rune
}

type cellSourceDeleteOp struct {
	CellID string
	ID     RGANodeID
}

type setCellExecutionCountOp struct {
	CellID string
	Count  *int
}

type setCellMetadataOp struct {
	CellID string
	Key    string
	Value  any
}

type setCellOutputOp struct {
	CellID string
	Index  int
	Value  map[string]any
}

type clearCellOutputsOp struct {
	CellID string
}

type setKVOp struct {
	Key      string
	Value    any
	OldValue any
}

// Txn accumulates operations for a single transaction. Every mutation
// method applies its effect immediately to the underlying structures (so
// the Doc's readers see the change right away) and records the op so
// Doc.Transact can assign it a log position, update the vector clock, and
// notify observers once the whole transaction is done.
type Txn struct {
	doc *Doc
	ops []op
}

func (t *Txn) record(o op) { t.ops = append(t.ops, o) }

// InsertText inserts ch into the text-room RGA after `after`.
func (t *Txn) InsertText(after RGANodeID, ch rune) RGANodeID {
	node := t.doc.text.Insert(after, ch, t.doc.NodeID)
	t.record(op{Kind: "text_insert", TextInsert: &textInsertOp{ID: node.ID, After: after, Char: ch}})
	return node.ID
}

// DeleteText tombstones id in the text-room RGA.
func (t *Txn) DeleteText(id RGANodeID) {
	t.doc.text.Delete(id)
	t.record(op{Kind: "text_delete", TextDelete: &idOp{ID: id}})
}

// InsertCell creates a new notebook cell positioned after arrayAfter.
func (t *Txn) InsertCell(arrayAfter RGANodeID, cellID, cellType, source string) RGANodeID {
	nb := t.doc.notebook
	cell := newCell(cellID, cellType, source, t.doc.NodeID)
	nb.mu.Lock()
	nb.cells[cellID] = cell
	arrayNode := nb.order.Insert(arrayAfter, cellID, t.doc.NodeID)
	nb.mu.Unlock()
	t.record(op{Kind: "cell_insert", CellInsert: &cellInsertOp{
		ArrayID: arrayNode.ID, After: arrayAfter, CellID: cellID, CellType: cellType, InitialSource: source,
	}})
	return arrayNode.ID
}

// DeleteCellByArrayID tombstones the cell order entry with the given
// array node id (not the cell id), matching how Array.Delete addresses
// entries by their own node identity rather than position.
func (t *Txn) DeleteCellByArrayID(arrayID RGANodeID) {
	t.doc.notebook.order.Delete(arrayID)
	t.record(op{Kind: "cell_delete", CellDelete: &idOp{ID: arrayID}})
}

// InsertCellSource inserts ch into a cell's source RGA after `after`.
func (t *Txn) InsertCellSource(cellID string, after RGANodeID, ch rune) RGANodeID {
	cell := t.doc.notebook.FindCell(cellID)
	if cell == nil {
		return RGANodeID{}
	}
	node := cell.source.Insert(after, ch, t.doc.NodeID)
	t.record(op{Kind: "cell_source_insert", CellSourceInsert: &cellSourceInsertOp{CellID: cellID, ID: node.ID, After: after, Char: ch}})
	return node.ID
}

// DeleteCellSource tombstones id in a cell's source RGA.
func (t *Txn) DeleteCellSource(cellID string, id RGANodeID) {
	if cell := t.doc.notebook.FindCell(cellID); cell != nil {
		cell.source.Delete(id)
	}
	t.record(op{Kind: "cell_source_delete", CellSourceDelete: &cellSourceDeleteOp{CellID: cellID, ID: id}})
}

// SetCellExecutionCount sets a cell's execution_count field.
func (t *Txn) SetCellExecutionCount(cellID string, count *int) {
	if cell := t.doc.notebook.FindCell(cellID); cell != nil {
		cell.ExecutionCount = count
	}
	t.record(op{Kind: "set_cell_execution_count", SetCellExecutionCount: &setCellExecutionCountOp{CellID: cellID, Count: count}})
}

// SetCellMetadata sets one metadata key on a cell.
func (t *Txn) SetCellMetadata(cellID, key string, value any) {
	if cell := t.doc.notebook.FindCell(cellID); cell != nil {
		cell.SetMetadata(key, value)
	}
	t.record(op{Kind: "set_cell_metadata", SetCellMetadata: &setCellMetadataOp{CellID: cellID, Key: key, Value: value}})
}

// SetCellOutput sets a cell's output at the given index.
func (t *Txn) SetCellOutput(cellID string, index int, value map[string]any) {
	if cell := t.doc.notebook.FindCell(cellID); cell != nil {
		cell.SetOutput(index, value)
	}
	t.record(op{Kind: "set_cell_output", SetCellOutput: &setCellOutputOp{CellID: cellID, Index: index, Value: value}})
}

// ClearCellOutputs empties a cell's output list.
func (t *Txn) ClearCellOutputs(cellID string) {
	if cell := t.doc.notebook.FindCell(cellID); cell != nil {
		cell.ClearOutputs()
	}
	t.record(op{Kind: "clear_cell_outputs", ClearCellOutputs: &clearCellOutputsOp{CellID: cellID}})
}

// SetMeta sets one key in the notebook's `meta` map.
func (t *Txn) SetMeta(key string, value any) {
	old := t.doc.notebook.Meta()[key]
	t.doc.notebook.SetMeta(key, value)
	t.record(op{Kind: "set_meta", SetMeta: &setKVOp{Key: key, Value: value, OldValue: old}})
}

// SetState sets one key in the notebook's `state` map and returns
// whether the value actually changed (used by callers wishing to match
// pycrdt's should_ignore_state_update check proactively).
func (t *Txn) SetState(key string, value any) bool {
	old, existed := t.doc.notebook.State()[key], true
	changed := t.doc.notebook.SetState(key, value)
	if !existed {
		old = nil
	}
	t.record(op{Kind: "set_state", SetState: &setKVOp{Key: key, Value: value, OldValue: old}})
	return changed
}

// Transact runs mutate against a new transaction, then assigns each
// recorded op a log position under origin, updates the vector clock, and
// fires observers exactly once with the encoded update — the Go
// equivalent of pycrdt's `with doc.transaction():` block firing one
// TransactionEvent.
func (d *Doc) Transact(origin string, mutate func(tx *Txn)) {
	txn := &Txn{doc: d}
	mutate(txn)
	if len(txn.ops) == 0 {
		return
	}

	d.mu.Lock()
	envs := make([]envelope, 0, len(txn.ops))
	var stateChanges []StateChange
	for _, o := range txn.ops {
		d.clock = d.clock.Clone()
		d.clock[d.NodeID]++
		id := RGANodeID{Seq: d.clock[d.NodeID], NodeID: d.NodeID}
		d.log = append(d.log, loggedOp{id: id, op: o})
		envs = append(envs, envelope{ID: id, Op: o})
		if o.Kind == "set_state" {
			stateChanges = append(stateChanges, StateChange{Key: o.SetState.Key, OldValue: o.SetState.OldValue, NewValue: o.SetState.Value})
		}
	}
	d.mu.Unlock()

	payload, _ := json.Marshal(envs)
	d.fireObservers(TransactionEvent{Update: payload, Origin: origin, StateChanges: stateChanges})
}

// CreateSyncStep1 encodes this replica's vector clock as a SyncStep1
// frame to send to a peer, asking it to reply with whatever this replica
// is missing.
func (d *Doc) CreateSyncStep1() []byte {
	d.mu.Lock()
	clock := d.clock.Clone()
	d.mu.Unlock()
	payload, _ := json.Marshal(clock)
	return frame(MsgTypeSync, SyncStep1, payload)
}

// CreateSyncUpdateFrame wraps an already-encoded transaction update
// (as produced by an observer callback) as a SyncUpdate frame.
func CreateSyncUpdateFrame(update []byte) []byte {
	return frame(MsgTypeSync, SyncUpdate, update)
}

// ApplySync applies an incoming sync message to the document.
// On a SyncStep1 payload it returns a SyncStep2 reply containing every
// op the sender's vector clock doesn't yet cover. On a SyncStep2 or
// SyncUpdate payload it merges the carried ops into the document and
// returns no reply, per SPEC_FULL.md §4.1 / spec.md §4.1.
func (d *Doc) ApplySync(subtype byte, payload []byte) ([]byte, error) {
	switch subtype {
	case SyncStep1:
		var senderClock VClock
		if err := json.Unmarshal(payload, &senderClock); err != nil {
			return nil, err
		}
		return d.diffAgainst(senderClock), nil
	case SyncStep2, SyncUpdate:
		var envs []envelope
		if err := json.Unmarshal(payload, &envs); err != nil {
			return nil, err
		}
		d.mergeRemote(envs)
		return nil, nil
	default:
		return nil, ErrUnknownSyncSubtype
	}
}

func (d *Doc) diffAgainst(senderClock VClock) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	missing := make([]envelope, 0)
	for _, logged := range d.log {
		if logged.id.Seq > senderClock[logged.id.NodeID] {
			missing = append(missing, envelope{ID: logged.id, Op: logged.op})
		}
	}
	payload, _ := json.Marshal(missing)
	return frame(MsgTypeSync, SyncStep2, payload)
}

func (d *Doc) mergeRemote(envs []envelope) {
	d.mu.Lock()
	known := make(map[RGANodeID]bool, len(d.log))
	for _, logged := range d.log {
		known[logged.id] = true
	}
	var applied []envelope
	var stateChanges []StateChange
	for _, e := range envs {
		if known[e.ID] {
			continue
		}
		d.applyOpLocked(e.Op)
		d.log = append(d.log, loggedOp{id: e.ID, op: e.Op})
		if e.ID.Seq > d.clock[e.ID.NodeID] {
			if d.clock == nil {
				d.clock = VClock{}
			}
			d.clock[e.ID.NodeID] = e.ID.Seq
		}
		applied = append(applied, e)
		if e.Op.Kind == "set_state" {
			stateChanges = append(stateChanges, StateChange{Key: e.Op.SetState.Key, OldValue: e.Op.SetState.OldValue, NewValue: e.Op.SetState.Value})
		}
	}
	d.mu.Unlock()

	if len(applied) == 0 {
		return
	}
	payload, _ := json.Marshal(applied)
	d.fireObservers(TransactionEvent{Update: payload, Origin: "remote", StateChanges: stateChanges})
}

// applyOpLocked mutates the document structures for a remote op. Callers
// must hold d.mu.
func (d *Doc) applyOpLocked(o op) {
	switch o.Kind {
	case "text_insert":
		_ = d.text.Apply(RGANode{ID: o.TextInsert.ID, InsertAfter: o.TextInsert.After, Char: o.TextInsert.Char})
	case "text_delete":
		_ = d.text.Apply(RGANode{ID: o.TextDelete.ID, Deleted: true})
	case "cell_insert":
		if d.notebook == nil {
			return
		}
		c := o.CellInsert
		cell := newCell(c.CellID, c.CellType, c.InitialSource, c.ArrayID.NodeID)
		d.notebook.cells[c.CellID] = cell
		d.notebook.order.Apply(ArrayNode[string]{ID: c.ArrayID, InsertAfter: c.After, Value: c.CellID})
	case "cell_delete":
		if d.notebook == nil {
			return
		}
		d.notebook.order.Apply(ArrayNode[string]{ID: o.CellDelete.ID, Deleted: true})
	case "cell_source_insert":
		if d.notebook == nil {
			return
		}
		c := o.CellSourceInsert
		if cell := d.notebook.cells[c.CellID]; cell != nil {
			_ = cell.source.Apply(RGANode{ID: c.ID, InsertAfter: c.After, Char: c.Char})
		}
	case "cell_source_delete":
		if d.notebook == nil {
			return
		}
		c := o.CellSourceDelete
		if cell := d.notebook.cells[c.CellID]; cell != nil {
			_ = cell.source.Apply(RGANode{ID: c.ID, Deleted: true})
		}
	case "set_cell_execution_count":
		if d.notebook == nil {
			return
		}
		c := o.SetCellExecutionCount
		if cell := d.notebook.cells[c.CellID]; cell != nil {
			cell.ExecutionCount = c.Count
		}
	case "set_cell_metadata":
		if d.notebook == nil {
			return
		}
		c := o.SetCellMetadata
		if cell := d.notebook.cells[c.CellID]; cell != nil {
			cell.SetMetadata(c.Key, c.Value)
		}
	case "set_cell_output":
		if d.notebook == nil {
			return
		}
		c := o.SetCellOutput
		if cell := d.notebook.cells[c.CellID]; cell != nil {
			cell.SetOutput(c.Index, c.Value)
		}
	case "clear_cell_outputs":
		if d.notebook == nil {
			return
		}
		if cell := d.notebook.cells[o.ClearCellOutputs.CellID]; cell != nil {
			cell.ClearOutputs()
		}
	case "set_meta":
		if d.notebook == nil {
			return
		}
		d.notebook.SetMeta(o.SetMeta.Key, o.SetMeta.Value)
	case "set_state":
		if d.notebook == nil {
			return
		}
		d.notebook.SetState(o.SetState.Key, o.SetState.Value)
	}
}

func frame(msgType, subtype byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, msgType)
	if msgType == MsgTypeSync {
		out = append(out, subtype)
	}
	out = append(out, payload...)
	return out
}
