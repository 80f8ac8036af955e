package fileid

import "testing"

func TestMemIndexerIndexIsIdempotentPerPath(t *testing.T) {
	idx := NewMemIndexer()
	id1 := idx.Index("notebooks/a.ipynb")
	id2 := idx.Index("notebooks/a.ipynb")
	if id1 != id2 {
		t.Fatalf("expected indexing the same path twice to return the same id")
	}
}

func TestMemIndexerGetPathAndGetID(t *testing.T) {
	idx := NewMemIndexer()
	id := idx.Index("notebooks/a.ipynb")

	path, ok := idx.GetPath(id)
	if !ok || path != "notebooks/a.ipynb" {
		t.Fatalf("GetPath(%q) = (%q, %v), want (notebooks/a.ipynb, true)", id, path, ok)
	}

	gotID, ok := idx.GetID("notebooks/a.ipynb")
	if !ok || gotID != id {
		t.Fatalf("GetID = (%q, %v), want (%q, true)", gotID, ok, id)
	}
}

func TestMemIndexerMoveUpdatesPath(t *testing.T) {
	idx := NewMemIndexer()
	id := idx.Index("a.ipynb")
	idx.Move(id, "b.ipynb")

	if path, _ := idx.GetPath(id); path != "b.ipynb" {
		t.Fatalf("GetPath after Move = %q, want b.ipynb", path)
	}
	if _, ok := idx.GetID("a.ipynb"); ok {
		t.Fatalf("expected old path to no longer resolve after Move")
	}
	if gotID, ok := idx.GetID("b.ipynb"); !ok || gotID != id {
		t.Fatalf("expected new path to resolve to the same id")
	}
}

func TestMemIndexerUnknownLookups(t *testing.T) {
	idx := NewMemIndexer()
	if _, ok := idx.GetPath("nope"); ok {
		t.Fatalf("expected unknown id to be absent")
	}
	if _, ok := idx.GetID("nope.txt"); ok {
		t.Fatalf("expected unknown path to be absent")
	}
}
