package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/segmentio/ksuid"

	"github.com/Polqt/crdtcollab/crdt"
	"github.com/Polqt/crdtcollab/outputs"
	"github.com/Polqt/crdtcollab/room"
)

// cachedExec is what the bridge remembers about an in-flight execute
// request, keyed by its msg_id, so a later iopub reply whose
// parent_header.msg_id matches can be resolved back to a cell and the
// channel the request came in on — the same problem
// NextGenAsyncKernelClient's message_source_cache solves for channel
// disambiguation, generalized here to also carry the cell id.
type cachedExec struct {
	CellID  string
	Channel string
}

// Bridge is the C8 kernel↔document bridge: it consumes one kernel
// Client's message stream and routes iopub/shell messages to every
// room.Room it is bound to, per spec.md §4.8.
type Bridge struct {
	client          Client
	store           *outputs.Store
	excludeMsgTypes map[string]bool

	mu    sync.Mutex
	rooms map[*room.Room]struct{}

	msgToCell *lru.Cache[string, cachedExec]
	cellToMsg map[string]string
}

// NewBridge constructs a Bridge over client, offloading externalized
// outputs to store (nil disables externalization — outputs are always
// embedded inline). excludeMsgTypes suppresses the named message types
// from being processed at all, per spec.md §9's `exclude_msg_types`
// configuration knob.
func NewBridge(client Client, store *outputs.Store, excludeMsgTypes []string) *Bridge {
	cache, _ := lru.New[string, cachedExec](1000)
	excl := make(map[string]bool, len(excludeMsgTypes))
	for _, t := range excludeMsgTypes {
		excl[t] = true
	}
	return &Bridge{
		client:          client,
		store:           store,
		excludeMsgTypes: excl,
		rooms:           make(map[*room.Room]struct{}),
		msgToCell:       cache,
		cellToMsg:       make(map[string]string),
	}
}

// AddRoom binds r to this kernel's message stream, mirroring
// `add_yroom` in the source this bridges.
func (b *Bridge) AddRoom(r *room.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[r] = struct{}{}
}

// RemoveRoom unbinds r, mirroring `remove_yroom`.
func (b *Bridge) RemoveRoom(r *room.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, r)
}

// Bound reports whether r is currently bound to this bridge.
func (b *Bridge) Bound(r *room.Room) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rooms[r]
	return ok
}

func (b *Bridge) boundRooms() []*room.Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*room.Room, 0, len(b.rooms))
	for r := range b.rooms {
		out = append(out, r)
	}
	return out
}

func (b *Bridge) roomForCell(cellID string) *room.Room {
	for _, r := range b.boundRooms() {
		if nb := r.Notebook(); nb != nil && nb.FindCell(cellID) != nil {
			return r
		}
	}
	return nil
}

// RegisterExecution records that msgID began executing cellID in r, so a
// later iopub reply can be traced back to it. If cellID was already
// executing under a different msg_id (a re-execution queued before the
// prior run's outputs finished arriving), its outputs are cleared. In
// every case the cell's awareness state is set to "busy" immediately,
// ahead of the kernel's own status round-trip — mirroring `handle_incoming_message`
// in the source this bridges. Call this when forwarding an
// execute_request to the kernel.
func (b *Bridge) RegisterExecution(r *room.Room, cellID, msgID string) {
	b.mu.Lock()
	previous, seen := b.cellToMsg[cellID]
	b.cellToMsg[cellID] = msgID
	b.mu.Unlock()
	b.msgToCell.Add(msgID, cachedExec{CellID: cellID, Channel: ChannelShell})

	if seen && previous != msgID {
		if tracker := r.OutputTracker(); tracker != nil {
			tracker.ClearCellIndices(cellID)
		}
		r.Transact("kernel", func(tx *crdt.Txn) { tx.ClearCellOutputs(cellID) })
		if b.store != nil {
			if err := b.store.Clear(r.ID.FileID, cellID); err != nil {
				slog.Warn("kernel: failed to clear output artifacts on re-execution", "cell", cellID, "err", err)
			}
		}
	}
	r.SetCellAwarenessState(cellID, "busy")
}

// Run consumes the client's message stream until it closes or ctx is
// canceled. Intended to run on its own goroutine per bound kernel.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.client.Messages():
			if !ok {
				return
			}
			b.handle(msg)
		}
	}
}

// handle routes one message to its handler, matching
// `_handle_document_messages`'s msg_type switch in the source this
// bridges. Handlers never block on room dispatch — document mutation
// goes through Room.Transact, which serializes internally via the doc's
// own lock rather than the room's queue, so a slow kernel stream never
// backs up behind a busy room.
func (b *Bridge) handle(msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("kernel: panic handling message", "msg_type", msg.Header.MsgType, "recovered", rec)
		}
	}()

	if b.excludeMsgTypes[msg.Header.MsgType] {
		return
	}

	var cell cachedExec
	hasParent := msg.ParentHeader.MsgID != ""
	if hasParent {
		if v, ok := b.msgToCell.Get(msg.ParentHeader.MsgID); ok {
			cell = v
		}
	}

	switch msg.Header.MsgType {
	case MsgKernelInfoReply:
		b.handleKernelInfoReply(msg)
	case MsgStatus:
		b.handleStatus(msg, cell, hasParent)
	case MsgExecuteInput:
		b.handleExecuteInput(msg, cell)
	default:
		if OutputMsgTypes[msg.Header.MsgType] {
			b.handleOutput(msg, cell)
		}
	}
}

func (b *Bridge) handleKernelInfoReply(msg Message) {
	var content struct {
		LanguageInfo map[string]any `json:"language_info"`
	}
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		slog.Debug("kernel: could not parse kernel_info_reply", "err", err)
		return
	}
	if content.LanguageInfo == nil {
		return
	}
	for _, r := range b.boundRooms() {
		r.SetLanguageInfo(content.LanguageInfo)
	}
}

// handleStatus updates document-level and cell-level execution state
// from an iopub status message, mirroring `_handle_status_message`.
func (b *Bridge) handleStatus(msg Message, cell cachedExec, hasParent bool) {
	var content struct {
		ExecutionState string `json:"execution_state"`
	}
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		slog.Debug("kernel: could not parse status message", "err", err)
		return
	}

	if cell.CellID == "" {
		if hasParent && cell.Channel == ChannelShell {
			for _, r := range b.boundRooms() {
				r.SetKernelExecutionState(content.ExecutionState)
			}
		}
		return
	}

	r := b.roomForCell(cell.CellID)
	if r == nil {
		return
	}
	if hasParent && cell.Channel == ChannelShell {
		r.SetKernelExecutionState(content.ExecutionState)
	}
	r.SetCellExecutionState(cell.CellID, content.ExecutionState)
	r.SetCellAwarenessState(cell.CellID, content.ExecutionState)
}

func (b *Bridge) handleExecuteInput(msg Message, cell cachedExec) {
	if cell.CellID == "" {
		return
	}
	var content struct {
		ExecutionCount *int `json:"execution_count"`
	}
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		slog.Debug("kernel: could not parse execute_input", "err", err)
		return
	}
	if content.ExecutionCount == nil {
		return
	}
	r := b.roomForCell(cell.CellID)
	if r == nil {
		return
	}
	r.Transact("kernel", func(tx *crdt.Txn) {
		tx.SetCellExecutionCount(cell.CellID, content.ExecutionCount)
	})
}

// handleOutput processes one iopub output message, per spec.md §4.8's
// "Output processing" steps: resolve the cell and room, clear on
// clear_output, otherwise convert to nbformat shape, allocate (or reuse)
// an index, externalize large/binary payloads, and write the result
// into the cell's outputs.
func (b *Bridge) handleOutput(msg Message, cell cachedExec) {
	if cell.CellID == "" {
		return
	}
	r := b.roomForCell(cell.CellID)
	if r == nil {
		return
	}
	tracker := r.OutputTracker()
	if tracker == nil {
		return
	}

	if msg.Header.MsgType == MsgClearOutput {
		tracker.ClearCellIndices(cell.CellID)
		r.Transact("kernel", func(tx *crdt.Txn) { tx.ClearCellOutputs(cell.CellID) })
		if b.store != nil {
			if err := b.store.Clear(r.ID.FileID, cell.CellID); err != nil {
				slog.Warn("kernel: failed to clear output artifacts", "cell", cell.CellID, "err", err)
			}
		}
		return
	}

	out, displayID, err := toOutputShape(msg.Header.MsgType, msg.Content)
	if err != nil {
		slog.Debug("kernel: could not parse output content", "msg_type", msg.Header.MsgType, "err", err)
		return
	}
	if displayID == "" && msg.Header.MsgType == MsgDisplayData {
		displayID = ksuid.New().String()
		out["transient"] = map[string]any{"display_id": displayID}
	}

	index := tracker.AllocateOutputIndex(cell.CellID, displayID)

	if b.store != nil {
		payload, marshalErr := json.Marshal(out)
		if marshalErr == nil && outputs.ShouldExternalize(primaryMIME(out), len(payload)) {
			url, writeErr := b.store.Write(r.ID.FileID, cell.CellID, index, out)
			if writeErr != nil {
				slog.Error("kernel: failed to externalize output", "cell", cell.CellID, "err", writeErr)
			} else {
				out = map[string]any{
					"output_type": "display_data",
					"data":        map[string]any{"text/html": fmt.Sprintf(`<a href="%s">output</a>`, url)},
					"metadata":    map[string]any{"outputs_service": true},
				}
			}
		}
	}

	r.Transact("kernel", func(tx *crdt.Txn) {
		tx.SetCellOutput(cell.CellID, index, out)
	})
}

// toOutputShape converts a kernel iopub message's content into the
// nbformat-shaped output dict the notebook cell stores, per spec.md
// §4.8 step 3. update_display_data is rendered as a display_data output
// in place, since it always replaces a prior display_data at the same
// index rather than appending a new output_type of its own.
func toOutputShape(msgType string, raw json.RawMessage) (map[string]any, string, error) {
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, "", err
	}
	displayID := extractDisplayID(content)

	switch msgType {
	case MsgStream:
		return map[string]any{
			"output_type": "stream",
			"name":        content["name"],
			"text":        content["text"],
		}, displayID, nil
	case MsgDisplayData, MsgUpdateDisplayData:
		return map[string]any{
			"output_type": "display_data",
			"data":        content["data"],
			"metadata":    content["metadata"],
		}, displayID, nil
	case MsgExecuteResult:
		return map[string]any{
			"output_type":     "execute_result",
			"data":            content["data"],
			"metadata":        content["metadata"],
			"execution_count": content["execution_count"],
		}, displayID, nil
	case MsgError:
		return map[string]any{
			"output_type": "error",
			"ename":       content["ename"],
			"evalue":      content["evalue"],
			"traceback":   content["traceback"],
		}, displayID, nil
	default:
		return content, displayID, nil
	}
}

func extractDisplayID(content map[string]any) string {
	transient, ok := content["transient"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := transient["display_id"].(string)
	return id
}

// primaryMIME returns the first always-externalize MIME type present in
// an output's data bundle, or "" if none is, so ShouldExternalize can
// fall back to its size check.
func primaryMIME(out map[string]any) string {
	data, ok := out["data"].(map[string]any)
	if !ok {
		return ""
	}
	for mime := range outputs.AlwaysExternalizeMIMEs {
		if _, ok := data[mime]; ok {
			return mime
		}
	}
	return ""
}
