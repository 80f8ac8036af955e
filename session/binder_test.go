package session

import (
	"testing"

	"github.com/Polqt/crdtcollab/contents"
	"github.com/Polqt/crdtcollab/fileid"
	"github.com/Polqt/crdtcollab/kernel"
	"github.com/Polqt/crdtcollab/room"
)

type fakeStore struct {
	content string
}

func (s *fakeStore) Get(path, format, fileType string, withContent bool) (contents.FileData, error) {
	data := contents.FileData{}
	if withContent {
		data.Content = s.content
	}
	return data, nil
}

func (s *fakeStore) Save(path string, req contents.SaveRequest) (contents.FileData, error) {
	s.content = req.Content
	return contents.FileData{Content: s.content}, nil
}

// fakeBridges is a KernelBridges backed by a plain map, standing in for
// a real per-kernel message-transport registry in tests.
type fakeBridges struct {
	bridges map[string]*kernel.Bridge
}

func newFakeBridges() *fakeBridges { return &fakeBridges{bridges: make(map[string]*kernel.Bridge)} }

func (f *fakeBridges) add(id string) *kernel.Bridge {
	b := kernel.NewBridge(nil, nil, nil)
	f.bridges[id] = b
	return b
}

func (f *fakeBridges) BridgeFor(kernelID string) (*kernel.Bridge, bool) {
	b, ok := f.bridges[kernelID]
	return b, ok
}

func newTestBinder(t *testing.T) (*Binder, *fakeBridges, fileid.Indexer) {
	t.Helper()
	idx := fileid.NewMemIndexer()
	rooms := room.NewManager(idx, &fakeStore{content: `{"cells":[]}`}, nil)
	t.Cleanup(rooms.Stop)
	bridges := newFakeBridges()
	store := NewMemStore()
	binder := NewBinder(store, rooms, bridges, idx.Index)
	return binder, bridges, idx
}

func TestBinderCreateSessionConnectsNotebookToKernel(t *testing.T) {
	binder, bridges, idx := newTestBinder(t)
	bridge := bridges.add("kernel-1")

	if err := binder.CreateSession("sess-1", "nb.ipynb", "notebook", "kernel-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	fileID := idx.Index("nb.ipynb")
	roomID := "json:notebook:" + fileID

	rec, err := binder.store.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RoomID != roomID {
		t.Fatalf("expected room id %q, got %q", roomID, rec.RoomID)
	}

	r, err := binder.rooms.GetRoom(roomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !bridge.Bound(r) {
		t.Fatalf("expected room bound to kernel bridge after create")
	}
}

func TestBinderGetSessionRepairsDroppedConnection(t *testing.T) {
	binder, bridges, _ := newTestBinder(t)
	bridge := bridges.add("kernel-1")

	if err := binder.CreateSession("sess-1", "nb.ipynb", "notebook", "kernel-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Simulate a restart: fresh binder, same backing store, in-memory
	// binding forgotten (room_ids cache empty, bridge has no rooms).
	store := binder.store
	rooms := binder.rooms
	idx := binder.index
	created, err := store.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	r0, err := rooms.GetRoom(created.RoomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	bridge.RemoveRoom(r0)
	if bridge.Bound(r0) {
		t.Fatalf("setup: expected room unbound before GetSession")
	}
	fresh := NewBinder(store, rooms, bridges, idx)

	rec, err := fresh.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	r, err := rooms.GetRoom(rec.RoomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !bridge.Bound(r) {
		t.Fatalf("expected GetSession to repair the room-kernel connection")
	}
}

func TestBinderGetSessionDerivesRoomIDFromPathWhenUncached(t *testing.T) {
	binder, bridges, idx := newTestBinder(t)
	bridge := bridges.add("kernel-1")

	// A record persisted without a room id (e.g. written by another
	// process) should still resolve via path.
	if err := binder.store.Create(Record{ID: "sess-2", Path: "other.ipynb", Type: "notebook", KernelID: "kernel-1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := binder.GetSession("sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	want := "json:notebook:" + idx.Index("other.ipynb")
	if rec.RoomID != "" && rec.RoomID != want {
		t.Fatalf("unexpected room id %q", rec.RoomID)
	}

	binder.mu.Lock()
	cached := binder.roomIDs["sess-2"]
	binder.mu.Unlock()
	if cached != want {
		t.Fatalf("expected room id %q derived from path, got %q", want, cached)
	}
	r, err := binder.rooms.GetRoom(want)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !bridge.Bound(r) {
		t.Fatalf("expected derived room bound to kernel bridge")
	}
}

func TestBinderUpdateSessionMovesRoomBetweenKernels(t *testing.T) {
	binder, bridges, _ := newTestBinder(t)
	oldBridge := bridges.add("kernel-1")
	newBridge := bridges.add("kernel-2")

	if err := binder.CreateSession("sess-1", "nb.ipynb", "notebook", "kernel-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := binder.UpdateSession("sess-1", map[string]any{"kernel_id": "kernel-2"}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	rec, err := binder.store.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.KernelID != "kernel-2" {
		t.Fatalf("expected kernel_id updated, got %q", rec.KernelID)
	}

	r, err := binder.rooms.GetRoom(rec.RoomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if oldBridge.Bound(r) {
		t.Fatalf("expected room removed from old kernel bridge")
	}
	if !newBridge.Bound(r) {
		t.Fatalf("expected room bound to new kernel bridge")
	}
}

func TestBinderDeleteSessionDisconnectsAndForgets(t *testing.T) {
	binder, bridges, _ := newTestBinder(t)
	bridge := bridges.add("kernel-1")

	if err := binder.CreateSession("sess-1", "nb.ipynb", "notebook", "kernel-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rec, _ := binder.store.Get("sess-1")
	r, _ := binder.rooms.GetRoom(rec.RoomID)

	if err := binder.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if bridge.Bound(r) {
		t.Fatalf("expected room removed from bridge on delete")
	}
	if _, err := binder.store.Get("sess-1"); err == nil {
		t.Fatalf("expected session record deleted")
	}
}

func TestBinderNonNotebookSessionHasNoRoom(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	if err := binder.CreateSession("sess-console", "", "console", "kernel-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	rec, err := binder.store.Get("sess-console")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RoomID != "" {
		t.Fatalf("expected console session to have no room id, got %q", rec.RoomID)
	}
}
