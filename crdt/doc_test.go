package crdt

import (
	"testing"
)

// TestTwoReplicaSyncHandshakeConverges exercises the SyncStep1/SyncStep2
// round trip described in spec.md §8 ("Round-trip / idempotence") and
// scenario 1: two independent Doc replicas converge to the same notebook
// content after exchanging sync messages.
func TestTwoReplicaSyncHandshakeConverges(t *testing.T) {
	server := NewNotebookDoc("server")
	client := NewNotebookDoc("client-a")

	server.Transact("local", func(tx *Txn) {
		tx.InsertCell(RGANodeID{}, "c1", "code", "1+1")
	})

	// Client sends SyncStep1 (its empty clock); server replies SyncStep2.
	step1 := client.CreateSyncStep1()
	subtype, payload := step1[1], step1[2:]
	if subtype != SyncStep1 {
		t.Fatalf("expected SyncStep1 frame, got subtype %d", subtype)
	}
	reply, err := server.ApplySync(subtype, payload)
	if err != nil {
		t.Fatalf("server ApplySync: %v", err)
	}
	if reply == nil {
		t.Fatalf("expected a SyncStep2 reply")
	}

	replySubtype, replyPayload := reply[1], reply[2:]
	if replySubtype != SyncStep2 {
		t.Fatalf("expected SyncStep2 reply, got subtype %d", replySubtype)
	}
	if _, err := client.ApplySync(replySubtype, replyPayload); err != nil {
		t.Fatalf("client ApplySync: %v", err)
	}

	cells := client.Notebook().Cells()
	if len(cells) != 1 {
		t.Fatalf("expected client to have 1 cell after sync, got %d", len(cells))
	}
	if cells[0].ID != "c1" || cells[0].Source() != "1+1" {
		t.Fatalf("unexpected cell after sync: id=%s source=%s", cells[0].ID, cells[0].Source())
	}
}

// TestSyncUpdateBroadcastAppliesToPeer mirrors a SyncUpdate produced by
// one client's local transaction being applied to another client's doc.
func TestSyncUpdateBroadcastAppliesToPeer(t *testing.T) {
	a := NewNotebookDoc("a")
	b := NewNotebookDoc("b")

	var lastUpdate []byte
	a.ObserveDoc(func(ev TransactionEvent) {
		lastUpdate = ev.Update
	})

	a.Transact("local", func(tx *Txn) {
		tx.InsertCell(RGANodeID{}, "c1", "code", "x = 1")
	})

	if lastUpdate == nil {
		t.Fatalf("expected observer to fire with an update")
	}

	if _, err := b.ApplySync(SyncUpdate, lastUpdate); err != nil {
		t.Fatalf("ApplySync: %v", err)
	}

	cells := b.Notebook().Cells()
	if len(cells) != 1 || cells[0].ID != "c1" {
		t.Fatalf("expected b to have received cell c1, got %+v", cells)
	}
}

func TestApplySyncUpdateIsIdempotent(t *testing.T) {
	a := NewNotebookDoc("a")
	b := NewNotebookDoc("b")

	var update []byte
	a.ObserveDoc(func(ev TransactionEvent) { update = ev.Update })
	a.Transact("local", func(tx *Txn) {
		tx.InsertCell(RGANodeID{}, "c1", "code", "1")
	})

	if _, err := b.ApplySync(SyncUpdate, update); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ApplySync(SyncUpdate, update); err != nil {
		t.Fatal(err)
	}

	if len(b.Notebook().Cells()) != 1 {
		t.Fatalf("re-applying the same update must not duplicate the cell")
	}
}

func TestTransactFiresObserverOnceForMultipleOps(t *testing.T) {
	d := NewNotebookDoc("n")
	fireCount := 0
	d.ObserveDoc(func(ev TransactionEvent) { fireCount++ })

	d.Transact("local", func(tx *Txn) {
		tx.InsertCell(RGANodeID{}, "c1", "code", "")
		tx.InsertCell(RGANodeID{}, "c2", "code", "")
		tx.SetMeta("language_info", map[string]any{"name": "python"})
	})

	if fireCount != 1 {
		t.Fatalf("expected exactly one observer fire per transaction, got %d", fireCount)
	}
}

func TestSetStateNoOpChangeIsDetectable(t *testing.T) {
	d := NewNotebookDoc("n")
	var changes []StateChange
	d.ObserveDoc(func(ev TransactionEvent) { changes = ev.StateChanges })

	d.Transact("local", func(tx *Txn) { tx.SetState("dirty", true) })
	if len(changes) != 1 || !changes[0].Changed() {
		t.Fatalf("expected a real change on first set, got %+v", changes)
	}

	d.Transact("local", func(tx *Txn) { tx.SetState("dirty", true) })
	if len(changes) != 1 || changes[0].Changed() {
		t.Fatalf("expected a no-op change to be detectable as unchanged, got %+v", changes)
	}
}
