package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Polqt/crdtcollab/contents"
	"github.com/Polqt/crdtcollab/crdt"
	"github.com/Polqt/crdtcollab/events"
	"github.com/Polqt/crdtcollab/fileid"
	"github.com/Polqt/crdtcollab/outputs"
)

// KernelAwarenessClientID is the reserved awareness client id the kernel
// bridge publishes document-level and per-cell execution state under.
// Browser clients mint their own ids for their own cursors/selections;
// this id never collides with one since those are generated independently
// per frontend session.
const KernelAwarenessClientID uint64 = 0

// Reserved WebSocket close codes, per spec.md §6's closing paragraph.
const (
	CloseServerShutdown    = 1001
	CloseOutOfBandChange   = 4000
	CloseOutOfBandMove     = 4001
	CloseInBandDeletion    = 4002
	CloseProtocolViolation = 4003
)

type roomState int

const (
	stateInitializing roomState = iota
	stateLoading
	stateReady
	stateStopping
	stateStopped
)

// inboundMessage is one raw frame from a client, queued for the
// dispatch goroutine to process.
type inboundMessage struct {
	clientID string
	frame    []byte
}

// Room is the C6 dispatch engine: one per live room id, owning exactly
// one CRDT doc, one awareness replica, one client group, and (for
// document rooms) one file API. Client frames are applied on the single
// dispatch goroutine reading from queue; the initial load and the kernel
// bridge's calls (Transact and the Set*State methods) mutate the doc and
// awareness from their own goroutines, not through queue.
type Room struct {
	ID      RoomID
	indexer fileid.Indexer
	store   contents.Store
	events  events.Sink

	mu    sync.Mutex
	state roomState

	doc           *crdt.Doc
	awareness     *crdt.Awareness
	clients       *ClientGroup
	fileAPI       *FileAPI
	outputTracker *outputs.IndexTracker

	kernelState map[string]any

	unsubDoc       crdt.UnsubscribeFunc
	unsubAwareness crdt.UnsubscribeFunc

	queue chan inboundMessage
	done  chan struct{}
}

// NewRoom constructs and starts a room for id. Construction is cheap
// and synchronous; content loading (for document rooms) happens
// asynchronously — callers await Loaded() before assuming content is
// present.
func NewRoom(id RoomID, indexer fileid.Indexer, store contents.Store, sink events.Sink) *Room {
	if sink == nil {
		sink = events.NopSink{}
	}
	r := &Room{
		ID:      id,
		indexer: indexer,
		store:   store,
		events:  sink,
		state:   stateInitializing,
		queue:   make(chan inboundMessage),
	}
	r.init()
	return r
}

func (r *Room) init() {
	r.mu.Lock()
	r.state = stateInitializing
	r.clients = NewClientGroup(0, 0)

	if r.ID.GlobalAwareness {
		r.awareness = crdt.NewAwareness()
	} else {
		if r.ID.FileType == "notebook" {
			r.doc = crdt.NewNotebookDoc(r.ID.Raw)
			r.outputTracker = outputs.NewIndexTracker()
		} else {
			r.doc = crdt.NewDoc(r.ID.Raw)
		}
		r.awareness = crdt.NewAwareness()
		r.fileAPI = NewFileAPI(r.ID, r.indexer, r.store, r.handleOutOfBandChange,
			func() string { return r.serializeContent() },
			func(c string) { r.loadContent(c) },
			func(bool) {},
		)
	}

	r.unsubAwareness = r.awareness.ObserveAwareness(r.onAwarenessChange)
	if r.doc != nil {
		r.unsubDoc = r.doc.ObserveDoc(r.onDocUpdate)
	}

	r.done = make(chan struct{})
	r.state = stateLoading
	r.mu.Unlock()

	go r.run()

	_ = r.events.Publish(context.Background(), "room.initialize", r.ID.Raw, nil)

	if r.fileAPI != nil {
		r.fileAPI.LoadContent()
		go func() {
			<-r.fileAPI.Loaded()
			r.mu.Lock()
			r.state = stateReady
			r.mu.Unlock()
			r.fileAPI.Start()
			_ = r.events.Publish(context.Background(), "room.load", r.ID.Raw, nil)
		}()
	} else {
		r.mu.Lock()
		r.state = stateReady
		r.mu.Unlock()
	}
}

// serializeContent renders the document's current content as the
// saveable string for this room's file_format: flat text for a "text"
// room, JSON-serialized notebook for a "notebook" room.
func (r *Room) serializeContent() string {
	if r.doc == nil {
		return ""
	}
	if nb := r.doc.Notebook(); nb != nil {
		payload, _ := json.Marshal(nb.Snapshot())
		return string(payload)
	}
	return r.doc.Text()
}

// loadContent populates a freshly-constructed doc from the content
// store's initial read: parsed as a notebook snapshot for "notebook"
// rooms, or inserted character-by-character into the flat RGA
// otherwise. Runs as a single transaction so observers see one
// "load" update rather than one per character/cell.
func (r *Room) loadContent(content string) {
	if r.doc == nil || content == "" {
		return
	}

	if nb := r.doc.Notebook(); nb != nil {
		var snapshot crdt.NotebookSnapshot
		if err := json.Unmarshal([]byte(content), &snapshot); err != nil {
			slog.Error("room: failed to parse notebook content", "room", r.ID.Raw, "err", err)
			return
		}
		r.doc.Transact("load", func(tx *crdt.Txn) {
			var after crdt.RGANodeID
			for key, value := range snapshot.Metadata {
				tx.SetMeta(key, value)
			}
			for _, cell := range snapshot.Cells {
				after = tx.InsertCell(after, cell.ID, cell.CellType, "")
				var srcAfter crdt.RGANodeID
				for _, ch := range cell.Source {
					srcAfter = tx.InsertCellSource(cell.ID, srcAfter, ch)
				}
				if cell.ExecutionCount != nil {
					tx.SetCellExecutionCount(cell.ID, cell.ExecutionCount)
				}
				for i, output := range cell.Outputs {
					tx.SetCellOutput(cell.ID, i, output)
				}
				for key, value := range cell.Metadata {
					tx.SetCellMetadata(cell.ID, key, value)
				}
			}
		})
		return
	}

	r.doc.Transact("load", func(tx *crdt.Txn) {
		var after crdt.RGANodeID
		for _, ch := range content {
			after = tx.InsertText(after, ch)
		}
	})
}

// Dispatch enqueues an inbound frame from clientID for processing on
// the room's dispatch goroutine. Never blocks the caller's read-pump
// goroutine longer than a channel send.
func (r *Room) Dispatch(clientID string, frame []byte) {
	r.mu.Lock()
	stopped := r.state == stateStopped || r.state == stateStopping
	queue := r.queue
	r.mu.Unlock()
	if stopped {
		return
	}
	queue <- inboundMessage{clientID: clientID, frame: frame}
}

// Join registers a new client connection and returns its id.
func (r *Room) Join(sender Sender) string {
	return r.clients.Add(sender)
}

// Leave removes a client connection from the room's client group.
func (r *Room) Leave(clientID string) {
	r.clients.Remove(clientID)
}

func (r *Room) run() {
	defer close(r.done)
	for msg := range r.queue {
		if msg.frame == nil && msg.clientID == "" {
			return // poison sentinel
		}
		r.handle(msg.clientID, msg.frame)
	}
}

func (r *Room) handle(clientID string, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("room: panic in dispatch handler", "room", r.ID.Raw, "client", clientID, "recovered", rec)
		}
	}()

	msgType, ok := MessageType(frame)
	if !ok {
		slog.Warn("room: empty frame", "room", r.ID.Raw, "client", clientID)
		return
	}

	switch msgType {
	case crdt.MsgTypeSync:
		subtype, ok := SyncSubtype(frame)
		if !ok {
			slog.Warn("room: truncated sync frame", "room", r.ID.Raw, "client", clientID)
			return
		}
		r.handleSync(clientID, subtype, frame[2:])
	case crdt.MsgTypeAwareness:
		r.handleAwareness(clientID, frame[1:])
	default:
		slog.Warn("room: unknown message type", "room", r.ID.Raw, "client", clientID, "type", msgType)
	}
}

func (r *Room) handleSync(clientID string, subtype byte, payload []byte) {
	if r.doc == nil {
		slog.Warn("room: sync message for awareness-only room", "room", r.ID.Raw, "client", clientID)
		return
	}
	switch subtype {
	case crdt.SyncStep1:
		r.clients.MarkDesynced(clientID)
		client, ok := r.clients.Get(clientID, false)
		if !ok {
			return
		}
		reply, err := r.doc.ApplySync(crdt.SyncStep1, payload)
		if err != nil {
			slog.Error("room: sync step1 failed", "room", r.ID.Raw, "client", clientID, "err", err)
			return
		}
		if err := client.Send(reply); err != nil {
			slog.Warn("room: send sync step2 failed", "room", r.ID.Raw, "client", clientID, "err", err)
			return
		}
		r.clients.MarkSynced(clientID)
		if err := client.Send(r.doc.CreateSyncStep1()); err != nil {
			slog.Warn("room: send reciprocal sync step1 failed", "room", r.ID.Raw, "client", clientID, "err", err)
		}

	case crdt.SyncStep2:
		if _, err := r.doc.ApplySync(crdt.SyncStep2, payload); err != nil {
			slog.Error("room: sync step2 apply failed", "room", r.ID.Raw, "client", clientID, "err", err)
		}

	case crdt.SyncUpdate:
		_, synced := r.clients.Get(clientID, true)
		if !synced {
			slog.Warn("room: sync update from desynced client, closing", "room", r.ID.Raw, "client", clientID)
			if c, ok := r.clients.Get(clientID, false); ok {
				_ = c.sender.Close(CloseProtocolViolation, "sync update before handshake complete")
			}
			r.clients.Remove(clientID)
			return
		}
		if _, err := r.doc.ApplySync(crdt.SyncUpdate, payload); err != nil {
			slog.Error("room: sync update apply failed", "room", r.ID.Raw, "client", clientID, "err", err)
		}

	default:
		slog.Warn("room: unknown sync subtype", "room", r.ID.Raw, "client", clientID, "subtype", subtype)
	}
}

func (r *Room) handleAwareness(clientID string, payload []byte) {
	if err := r.awareness.ApplyAwarenessUpdate(payload, "remote"); err != nil {
		slog.Error("room: awareness update apply failed", "room", r.ID.Raw, "client", clientID, "err", err)
		return
	}
	frame := crdt.CreateAwarenessFrame(payload)
	for _, c := range r.clients.GetOthers(clientID, false) {
		if err := c.Send(frame); err != nil {
			slog.Warn("room: awareness broadcast failed", "room", r.ID.Raw, "client", c.ID, "err", err)
		}
	}
}

// onDocUpdate is the CRDT-update observer: every merged transaction is
// rebroadcast as a SyncUpdate frame, and (for notebook rooms) a save is
// scheduled unless the transaction's only effect was a spurious
// same-value state rewrite.
func (r *Room) onDocUpdate(event crdt.TransactionEvent) {
	frame := crdt.CreateSyncUpdateFrame(event.Update)
	for _, c := range r.clients.GetAll(true) {
		if err := c.Send(frame); err != nil {
			slog.Warn("room: update broadcast failed", "room", r.ID.Raw, "client", c.ID, "err", err)
		}
	}

	if r.fileAPI == nil {
		return
	}
	if len(event.StateChanges) > 0 && !anyChanged(event.StateChanges) {
		// Every state key was rewritten to the value it already had —
		// spurious, emitted when a CRDT-side dirty flag resets. Ignoring
		// it avoids an infinite save loop.
		return
	}
	r.fileAPI.ScheduleSave()
}

func anyChanged(changes []crdt.StateChange) bool {
	for _, c := range changes {
		if c.Changed() {
			return true
		}
	}
	return false
}

// onAwarenessChange is the awareness observer: only locally-originated
// updates are rebroadcast, since a remote-originated update already
// came from a broadcasting peer.
func (r *Room) onAwarenessChange(change crdt.AwarenessChange) {
	if change.Type != "update" || change.Origin != "local" {
		return
	}
	payload := r.awareness.EncodeAwarenessUpdate(change.ClientIDs)
	frame := crdt.CreateAwarenessFrame(payload)
	for _, c := range r.clients.GetAll(true) {
		if err := c.Send(frame); err != nil {
			slog.Warn("room: local awareness broadcast failed", "room", r.ID.Raw, "client", c.ID, "err", err)
		}
	}
}

func (r *Room) handleOutOfBandChange() {
	slog.Warn("room: out-of-band change detected, restarting", "room", r.ID.Raw)
	r.restart(CloseOutOfBandChange, false)
}

// HandleOutOfBandMove stops the room because its backing file was
// moved or deleted out of band.
func (r *Room) HandleOutOfBandMove() {
	r.stop(CloseOutOfBandMove, true)
}

// HandleInBandDeletion stops the room because its backing file was
// deleted through this server's own content store.
func (r *Room) HandleInBandDeletion() {
	r.stop(CloseInBandDeletion, true)
}

// stop tears the room down: closes every client, detaches observers,
// drains (or discards) the queue, and stops the file API, saving first
// unless immediately is set.
func (r *Room) stop(closeCode int, immediately bool) {
	r.mu.Lock()
	if r.state == stateStopping || r.state == stateStopped {
		r.mu.Unlock()
		return
	}
	r.state = stateStopping
	r.mu.Unlock()

	r.clients.Stop(closeCode, "room stopping")

	if r.unsubDoc != nil {
		r.unsubDoc()
	}
	if r.unsubAwareness != nil {
		r.unsubAwareness()
	}

	if immediately {
		r.drainQueue()
	} else {
		r.drainAndDispatch()
	}
	r.queue <- inboundMessage{} // poison sentinel
	<-r.done

	if r.fileAPI != nil {
		if immediately {
			r.fileAPI.Stop()
		} else {
			r.fileAPI.StopThenSave()
		}
	}

	r.mu.Lock()
	r.state = stateStopped
	r.mu.Unlock()

	_ = r.events.Publish(context.Background(), "room.clean", r.ID.Raw, nil)
}

func (r *Room) drainQueue() {
	for {
		select {
		case <-r.queue:
		default:
			return
		}
	}
}

func (r *Room) drainAndDispatch() {
	for {
		select {
		case msg := <-r.queue:
			if msg.frame != nil {
				r.handle(msg.clientID, msg.frame)
			}
		default:
			return
		}
	}
}

// restart stops the room (if not already stopped) and reinitializes
// it in place, preserving the room id but discarding CRDT/awareness
// history and reloading content from the content store.
func (r *Room) restart(closeCode int, immediately bool) {
	r.mu.Lock()
	alreadyStopped := r.state == stateStopped
	r.mu.Unlock()
	if !alreadyStopped {
		r.stop(closeCode, immediately)
	}
	r.queue = make(chan inboundMessage)
	r.init()
	_ = r.events.Publish(context.Background(), "room.overwrite", r.ID.Raw, nil)
}

// Stop stops the room with the default server-shutdown close code,
// performing a final save.
func (r *Room) Stop() {
	r.stop(CloseServerShutdown, false)
}

// Restart re-initializes the room in place with the default
// server-shutdown close code.
func (r *Room) Restart() {
	r.restart(CloseServerShutdown, false)
}

// Updated reports whether this room's CRDT has received at least one
// mutation since it was (re)started — used by the room manager's
// inactivity check to avoid restarting rooms with no history worth
// freeing.
func (r *Room) Updated() bool {
	if r.doc == nil {
		return false
	}
	return r.doc.Text() != "" || (r.doc.Notebook() != nil && len(r.doc.Notebook().Cells()) > 0)
}

// ClientCount returns the number of clients currently connected.
func (r *Room) ClientCount() int {
	return r.clients.Count()
}

// Notebook returns the room's notebook view, or nil for a text room or
// the global-awareness room.
func (r *Room) Notebook() *crdt.NotebookView {
	if r.doc == nil {
		return nil
	}
	return r.doc.Notebook()
}

// OutputTracker returns the room's per-cell output index tracker, or nil
// for a room that isn't a notebook room.
func (r *Room) OutputTracker() *outputs.IndexTracker {
	return r.outputTracker
}

// Transact runs fn against the room's document in a single transaction,
// for callers outside the dispatch goroutine (the kernel bridge) that
// need to mutate CRDT state. Safe to call concurrently with Dispatch:
// crdt.Doc serializes transactions internally. A no-op for a room with
// no document (the global-awareness room).
func (r *Room) Transact(origin string, fn func(tx *crdt.Txn)) {
	if r.doc == nil {
		return
	}
	r.doc.Transact(origin, fn)
}

// cloneKernelState shallow-copies state (and its one level of nested
// "cells" map) so a snapshot handed to awareness.SetLocalState after
// r.mu is released can't race with a later caller mutating r.kernelState
// in place.
func cloneKernelState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if cells, ok := v.(map[string]any); ok {
			cellsCopy := make(map[string]any, len(cells))
			for ck, cv := range cells {
				cellsCopy[ck] = cv
			}
			out[k] = cellsCopy
			continue
		}
		out[k] = v
	}
	return out
}

// SetKernelExecutionState publishes the document-level kernel execution
// state (e.g. "busy", "idle") to awareness, mirroring
// `awareness.set_local_state_field("kernel", {...})` in the source this
// bridges. Broadcast happens via the room's existing local-awareness
// observer, the same path a browser client's own state change takes.
func (r *Room) SetKernelExecutionState(state string) {
	r.mu.Lock()
	if r.kernelState == nil {
		r.kernelState = make(map[string]any)
	}
	r.kernelState["execution_state"] = state
	snapshot := map[string]any{"kernel": cloneKernelState(r.kernelState)}
	r.mu.Unlock()

	if err := r.awareness.SetLocalState(KernelAwarenessClientID, snapshot); err != nil {
		slog.Error("room: failed to publish kernel execution state", "room", r.ID.Raw, "err", err)
	}
}

// SetCellExecutionState persists cellID's execution state in the
// notebook document (survives reconnects), mirroring
// `yroom.set_cell_execution_state` in the source this bridges.
func (r *Room) SetCellExecutionState(cellID, state string) {
	r.Transact("kernel", func(tx *crdt.Txn) {
		tx.SetCellMetadata(cellID, "execution_state", state)
	})
}

// SetCellAwarenessState publishes cellID's execution state to awareness
// only (no persistence), for immediate UI feedback ahead of — or instead
// of — the kernel's own round-trip, mirroring
// `yroom.set_cell_awareness_state` in the source this bridges.
func (r *Room) SetCellAwarenessState(cellID, state string) {
	r.mu.Lock()
	if r.kernelState == nil {
		r.kernelState = make(map[string]any)
	}
	cells, _ := r.kernelState["cells"].(map[string]any)
	if cells == nil {
		cells = make(map[string]any)
	}
	cells[cellID] = state
	r.kernelState["cells"] = cells
	snapshot := map[string]any{"kernel": cloneKernelState(r.kernelState)}
	r.mu.Unlock()

	if err := r.awareness.SetLocalState(KernelAwarenessClientID, snapshot); err != nil {
		slog.Error("room: failed to publish cell awareness state", "room", r.ID.Raw, "client", cellID, "err", err)
	}
}

// SetLanguageInfo records the kernel's reported language_info in the
// notebook's metadata, mirroring `_handle_kernel_info_reply` in the
// source this bridges.
func (r *Room) SetLanguageInfo(languageInfo any) {
	r.Transact("kernel", func(tx *crdt.Txn) {
		tx.SetMeta("language_info", languageInfo)
	})
}

// Loaded returns a channel that closes once the room's initial content
// load completes (or immediately, for the global-awareness room).
func (r *Room) Loaded() <-chan struct{} {
	if r.fileAPI == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.fileAPI.Loaded()
}
