// Package session implements the C9 session binder: it keeps a
// session's room (collaborative document state) wired to its kernel's
// message bridge, repairing the edge whenever it's missing — after a
// server restart, a kernel change, or a transient failure during setup
// — the way YDocSessionManager does for YRoom↔kernel-client edges.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Polqt/crdtcollab/kernel"
	"github.com/Polqt/crdtcollab/room"
)

// KernelBridges resolves a kernel id to the kernel.Bridge routing that
// kernel's messages, mirroring
// `serverapp.kernel_manager.get_kernel(kernel_id).kernel_client` in the
// source this binds.
type KernelBridges interface {
	BridgeFor(kernelID string) (*kernel.Bridge, bool)
}

// Rooms resolves a room id to its live room.Room, creating it lazily.
// Satisfied by *room.Manager.
type Rooms interface {
	GetRoom(id string) (*room.Room, error)
}

// Binder ties sessions to rooms and kernel bridges. A session's room
// id is derived once from its path and cached, the way
// YDocSessionManager caches room ids in `_room_ids` rather than
// recomputing the file id on every lookup.
type Binder struct {
	store   Store
	rooms   Rooms
	kernels KernelBridges
	index   func(path string) string

	mu      sync.Mutex
	roomIDs map[string]string // session id -> room id
}

// NewBinder constructs a Binder. index computes the file id for a
// notebook path, normally indexer.Index; the room id is
// `"json:notebook:" + index(path)`.
func NewBinder(store Store, rooms Rooms, kernels KernelBridges, index func(path string) string) *Binder {
	return &Binder{
		store:   store,
		rooms:   rooms,
		kernels: kernels,
		index:   index,
		roomIDs: make(map[string]string),
	}
}

func notebookRoomID(indexFn func(string) string, path string) string {
	return fmt.Sprintf("json:notebook:%s", indexFn(path))
}

// CreateSession records a new session and, for notebook sessions,
// connects its room to the kernel before returning — mirroring
// `create_session`'s "set up the YRoom and set initial status before
// starting the kernel" ordering. Non-notebook sessions (console, etc.)
// are recorded with no room.
func (b *Binder) CreateSession(id, path, docType, kernelID string) error {
	rec := Record{ID: id, Path: path, Type: docType, KernelID: kernelID}

	if docType != "notebook" || path == "" {
		if err := b.store.Create(rec); err != nil {
			return err
		}
		return nil
	}

	roomID := notebookRoomID(b.index, path)
	r, err := b.rooms.GetRoom(roomID)
	if err != nil {
		return err
	}

	r.SetKernelExecutionState("starting")

	rec.RoomID = roomID
	if err := b.store.Create(rec); err != nil {
		return err
	}

	b.mu.Lock()
	b.roomIDs[id] = roomID
	b.mu.Unlock()

	if kernelID != "" {
		b.connect(r, kernelID)
	}
	return nil
}

// GetSession retrieves a session, ensuring its room is connected to its
// kernel's bridge before returning — the override's entire purpose:
// every retrieval repairs the edge a restart or race may have dropped,
// rather than only repairing it at creation time.
func (b *Binder) GetSession(id string) (Record, error) {
	rec, err := b.store.Get(id)
	if err != nil {
		return Record{}, err
	}
	b.ensureConnected(rec)
	return rec, nil
}

// ensureConnected resolves (caching) the session's room id and, if the
// session has a room and a kernel, (re)adds the room to that kernel's
// bridge. AddRoom is idempotent — it inserts into a set — so this is
// safe to call on every GetSession without tracking whether the edge
// already existed, unlike the Python source's explicit membership
// check against `kernel_client._yrooms`.
func (b *Binder) ensureConnected(rec Record) {
	if rec.Type != "notebook" || rec.KernelID == "" {
		return
	}

	roomID := rec.RoomID
	if roomID == "" {
		b.mu.Lock()
		roomID = b.roomIDs[rec.ID]
		b.mu.Unlock()
	}
	if roomID == "" {
		if rec.Path == "" {
			slog.Debug("session: no path to derive room id", "session", rec.ID)
			return
		}
		roomID = notebookRoomID(b.index, rec.Path)
	}

	b.mu.Lock()
	b.roomIDs[rec.ID] = roomID
	b.mu.Unlock()

	r, err := b.rooms.GetRoom(roomID)
	if err != nil {
		slog.Warn("session: failed to resolve room for session", "session", rec.ID, "room", roomID, "err", err)
		return
	}
	b.connect(r, rec.KernelID)
}

func (b *Binder) connect(r *room.Room, kernelID string) {
	bridge, ok := b.kernels.BridgeFor(kernelID)
	if !ok {
		slog.Warn("session: no bridge registered for kernel", "kernel", kernelID)
		return
	}
	bridge.AddRoom(r)
}

// UpdateSession applies fields to the session record. A "kernel_id"
// field first disconnects the room from the old kernel's bridge and
// connects it to the new one, mirroring `update_session`'s
// remove-then-add ordering around the parent update.
func (b *Binder) UpdateSession(id string, fields map[string]any) error {
	newKernelID, changingKernel := fields["kernel_id"].(string)
	if !changingKernel {
		return b.store.Update(id, fields)
	}

	rec, err := b.store.Get(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	roomID := b.roomIDs[id]
	b.mu.Unlock()
	if roomID == "" {
		roomID = rec.RoomID
	}

	if roomID != "" {
		if r, err := b.rooms.GetRoom(roomID); err == nil {
			if rec.KernelID != "" {
				if oldBridge, ok := b.kernels.BridgeFor(rec.KernelID); ok {
					oldBridge.RemoveRoom(r)
				}
			}
			if newKernelID != "" {
				b.connect(r, newKernelID)
			}
		}
	}

	return b.store.Update(id, fields)
}

// DeleteSession disconnects the session's room from its kernel's
// bridge, forgets the cached room id, and deletes the record.
func (b *Binder) DeleteSession(id string) error {
	rec, err := b.store.Get(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	roomID := b.roomIDs[id]
	delete(b.roomIDs, id)
	b.mu.Unlock()
	if roomID == "" {
		roomID = rec.RoomID
	}

	if roomID != "" && rec.KernelID != "" {
		if r, err := b.rooms.GetRoom(roomID); err == nil {
			if bridge, ok := b.kernels.BridgeFor(rec.KernelID); ok {
				bridge.RemoveRoom(r)
			}
		}
	}

	return b.store.Delete(id)
}
