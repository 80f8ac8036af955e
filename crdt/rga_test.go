package crdt

import "testing"

func TestRGAInsertAndText(t *testing.T) {
	r := NewRGA()
	var after RGANodeID
	for _, ch := range "abc" {
		node := r.Insert(after, ch, "node-a")
		after = node.ID
	}
	if got := r.Text(); got != "abc" {
		t.Fatalf("Text() = %q, want %q", got, "abc")
	}
}

func TestRGADeleteIsTombstoned(t *testing.T) {
	r := NewRGA()
	n1 := r.Insert(RGANodeID{}, 'x', "node-a")
	n2 := r.Insert(n1.ID, 'y', "node-a")
	r.Delete(n1.ID)
	if got := r.Text(); got != "y" {
		t.Fatalf("Text() = %q, want %q", got, "y")
	}
	if got := r.Text(); got == "xy" {
		t.Fatalf("tombstoned node should not appear, got %q, n2=%v", got, n2)
	}
}

func TestRGAConcurrentInsertConverges(t *testing.T) {
	// Two replicas both insert immediately after the same node; applying
	// the resulting ops in either order must converge to the same text.
	base := NewRGA()
	root := base.Insert(RGANodeID{}, '0', "base")

	a := NewRGA()
	_ = a.Apply(RGANode{ID: root.ID, Char: '0'})
	nodeA := a.Insert(root.ID, 'a', "replica-a")

	b := NewRGA()
	_ = b.Apply(RGANode{ID: root.ID, Char: '0'})
	nodeB := b.Insert(root.ID, 'b', "replica-b")

	// Apply b's op into a, and a's op into b, in opposite orders.
	_ = a.Apply(nodeB)
	_ = b.Apply(nodeA)

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: a=%q b=%q", a.Text(), b.Text())
	}
}

func TestRGAApplyIsIdempotent(t *testing.T) {
	r := NewRGA()
	node := RGANode{ID: RGANodeID{Seq: 1, NodeID: "n"}, Char: 'z'}
	if err := r.Apply(node); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := r.Apply(node); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if got := r.Text(); got != "z" {
		t.Fatalf("Text() = %q, want %q (duplicate apply should not duplicate char)", got, "z")
	}
}

func TestVClockHappensBefore(t *testing.T) {
	a := VClock{"n1": 1, "n2": 0}
	b := a.Increment("n2")
	if !a.HappensBefore(b) {
		t.Fatalf("expected a to happen-before b")
	}
	if b.HappensBefore(a) {
		t.Fatalf("b should not happen-before a")
	}
}

func TestVClockConcurrent(t *testing.T) {
	a := VClock{"n1": 1}
	b := VClock{"n2": 1}
	if !a.Concurrent(b) {
		t.Fatalf("expected a and b to be concurrent")
	}
}

func TestVClockMerge(t *testing.T) {
	a := VClock{"n1": 3, "n2": 1}
	b := VClock{"n1": 1, "n2": 5}
	merged := a.Merge(b)
	if merged["n1"] != 3 || merged["n2"] != 5 {
		t.Fatalf("merge produced %v, want component-wise max", merged)
	}
}

func TestPNCounterValueAndMerge(t *testing.T) {
	c1 := NewPNCounter()
	c1.Increment("n1", 5)
	c1.Decrement("n1", 2)

	c2 := NewPNCounter()
	c2.Increment("n1", 7)

	c1.Merge(c2)
	if got := c1.Value(); got != 5 { // max(5,7) - max(2,0) = 7-2=5
		t.Fatalf("Value() = %d, want 5", got)
	}
}

func TestORSetAddRemoveConcurrent(t *testing.T) {
	s1 := NewORSet()
	tag := s1.Add("x", "n1")

	s2 := NewORSet()
	s2.AddTag("x", tag)
	s2.Add("x", "n2") // concurrent add with a different tag

	s1.Merge(s2)
	if !s1.Contains("x") {
		t.Fatalf("expected x to remain present after merge (add-wins)")
	}

	s1.Remove("x")
	if s1.Contains("x") {
		t.Fatalf("expected x removed")
	}
}
