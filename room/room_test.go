package room

import (
	"testing"
	"time"

	"github.com/Polqt/crdtcollab/crdt"
	"github.com/Polqt/crdtcollab/fileid"
)

func newTestRoom(t *testing.T, store *fakeStore) *Room {
	t.Helper()
	idx := fileid.NewMemIndexer()
	idx.Index("nb.ipynb")
	id, _ := idx.GetID("nb.ipynb")
	roomID, err := ParseRoomID("text:notebook:" + id)
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}
	r := NewRoom(roomID, idx, store, nil)
	select {
	case <-r.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("room never finished loading")
	}
	return r
}

func waitForFrames(t *testing.T, sender *fakeSender, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		sender.mu.Lock()
		got := len(sender.frames)
		sender.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRoomSyncStep1HandshakeMarksClientSynced(t *testing.T) {
	store := &fakeStore{content: `{"cells":[]}`, lastModified: time.Now()}
	r := newTestRoom(t, store)
	defer r.Stop()

	sender := &fakeSender{}
	clientID := r.Join(sender)

	peer := crdt.NewNotebookDoc("peer-1")
	r.Dispatch(clientID, peer.CreateSyncStep1())

	waitForFrames(t, sender, 2) // SYNC_STEP2 reply, then the room's own SYNC_STEP1

	if _, ok := r.clients.Get(clientID, true); !ok {
		t.Fatalf("expected client to be marked synced after handshake")
	}
}

func TestRoomSyncUpdateFromDesyncedClientIsProtocolViolation(t *testing.T) {
	store := &fakeStore{content: `{"cells":[]}`, lastModified: time.Now()}
	r := newTestRoom(t, store)
	defer r.Stop()

	sender := &fakeSender{}
	clientID := r.Join(sender)

	frame := crdt.CreateSyncUpdateFrame([]byte("[]"))
	r.Dispatch(clientID, frame)

	deadline := time.After(time.Second)
	for {
		sender.mu.Lock()
		closed := sender.closed
		code := sender.code
		sender.mu.Unlock()
		if closed {
			if code != CloseProtocolViolation {
				t.Fatalf("close code = %d, want %d", code, CloseProtocolViolation)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected desynced client sending SYNC_UPDATE to be closed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, ok := r.clients.Get(clientID, false); ok {
		t.Fatalf("expected client removed from group after protocol violation")
	}
}

func TestRoomAwarenessBroadcastsToOthersNotSender(t *testing.T) {
	store := &fakeStore{content: `{"cells":[]}`, lastModified: time.Now()}
	r := newTestRoom(t, store)
	defer r.Stop()

	senderA, senderB := &fakeSender{}, &fakeSender{}
	a := r.Join(senderA)
	b := r.Join(senderB)
	r.clients.MarkSynced(a)
	r.clients.MarkSynced(b)

	aw := crdt.NewAwareness()
	_ = aw.SetLocalState(42, map[string]any{"cursor": 7})
	payload := aw.EncodeAwarenessUpdate([]uint64{42})

	r.Dispatch(a, crdt.CreateAwarenessFrame(payload))

	waitForFrames(t, senderB, 1)

	senderA.mu.Lock()
	gotA := len(senderA.frames)
	senderA.mu.Unlock()
	if gotA != 0 {
		t.Fatalf("expected sender to not receive its own awareness broadcast, got %d frames", gotA)
	}
}

func TestRoomStopPerformsFinalSave(t *testing.T) {
	store := &fakeStore{content: `{"cells":[]}`, lastModified: time.Now()}
	r := newTestRoom(t, store)

	r.Stop()

	store.mu.Lock()
	saves := store.saveCount
	store.mu.Unlock()
	if saves == 0 {
		t.Fatalf("expected at least one save on graceful stop")
	}
}
