package room

import (
	"testing"
	"time"

	"github.com/Polqt/crdtcollab/crdt"
	"github.com/Polqt/crdtcollab/fileid"
)

// newTestManager builds a Manager with a fast reaper tick so tests don't
// wait out the real 10s default, restoring the package var on cleanup.
func newTestManager(t *testing.T) (*Manager, *fileid.MemIndexer) {
	t.Helper()
	prev := InactivityCheckInterval
	InactivityCheckInterval = 20 * time.Millisecond
	t.Cleanup(func() { InactivityCheckInterval = prev })

	idx := fileid.NewMemIndexer()
	m := NewManager(idx, &fakeStore{content: `{"cells":[]}`, lastModified: time.Now()}, nil)
	t.Cleanup(m.Stop)
	return m, idx
}

func notebookRoomID(t *testing.T, idx *fileid.MemIndexer, path string) string {
	t.Helper()
	idx.Index(path)
	id, _ := idx.GetID(path)
	return "json:notebook:" + id
}

func TestManagerRestartsRoomInactiveForTwoConsecutiveTicks(t *testing.T) {
	m, idx := newTestManager(t)
	roomID := notebookRoomID(t, idx, "a.ipynb")

	r, err := m.GetRoom(roomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	select {
	case <-r.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("room never finished loading")
	}
	r.Transact("test", func(tx *crdt.Txn) {
		tx.InsertCell(crdt.RGANodeID{}, "c1", "code", "1+1")
	})

	// Updated, zero clients, no kernel state reported: inactive on every
	// tick, so two consecutive ticks should restart it (scenario 5).
	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("room was never restarted")
		case <-time.After(5 * time.Millisecond):
		}
		if !m.HasRoom(roomID) {
			t.Fatalf("room disappeared instead of being restarted")
		}
		if r.Updated() {
			continue
		}
		break
	}
}

func TestManagerDoesNotRestartRoomWithBusyKernel(t *testing.T) {
	m, idx := newTestManager(t)
	roomID := notebookRoomID(t, idx, "b.ipynb")

	r, err := m.GetRoom(roomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	select {
	case <-r.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("room never finished loading")
	}
	r.Transact("test", func(tx *crdt.Txn) {
		tx.InsertCell(crdt.RGANodeID{}, "c1", "code", "1+1")
	})
	r.SetKernelExecutionState("busy")

	// Updated, zero clients, but the kernel is busy: must survive
	// several reaper ticks without being restarted.
	time.Sleep(10 * InactivityCheckInterval)

	if !m.HasRoom(roomID) {
		t.Fatalf("room was removed while its kernel was busy")
	}
	if !r.Updated() {
		t.Fatalf("expected the original room instance to still carry its content (not restarted)")
	}
}

func TestManagerDoesNotRestartRoomWithConnectedClients(t *testing.T) {
	m, idx := newTestManager(t)
	roomID := notebookRoomID(t, idx, "c.ipynb")

	r, err := m.GetRoom(roomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	select {
	case <-r.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("room never finished loading")
	}
	r.Transact("test", func(tx *crdt.Txn) {
		tx.InsertCell(crdt.RGANodeID{}, "c1", "code", "1+1")
	})

	sender := &fakeSender{}
	clientID := r.Join(sender)
	defer r.Leave(clientID)

	time.Sleep(10 * InactivityCheckInterval)

	if !m.HasRoom(roomID) {
		t.Fatalf("room was removed while a client was connected")
	}
}

func TestManagerGetRoomLookupClearsInactivityHysteresis(t *testing.T) {
	m, idx := newTestManager(t)
	roomID := notebookRoomID(t, idx, "d.ipynb")

	r, err := m.GetRoom(roomID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	select {
	case <-r.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("room never finished loading")
	}
	r.Transact("test", func(tx *crdt.Txn) {
		tx.InsertCell(crdt.RGANodeID{}, "c1", "code", "1+1")
	})

	// Let one tick mark the room pending, then look it up again before
	// the second tick — the lookup should clear the pending mark so the
	// room survives instead of being restarted on the very next tick.
	time.Sleep(InactivityCheckInterval + InactivityCheckInterval/2)
	if _, err := m.GetRoom(roomID); err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	m.mu.Lock()
	pending := m.pending[roomID]
	m.mu.Unlock()
	if pending {
		t.Fatalf("expected GetRoom lookup to clear the pending-inactive mark")
	}
}
