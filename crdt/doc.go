package crdt

import "sync"

// TransactionEvent is delivered to document observers once per merged
// transaction, carrying the encoded update that should be broadcast to
// peers. This mirrors pycrdt's `TransactionEvent`, which the source this
// module ports observes via `ydoc.observe(self._on_ydoc_update)`.
type TransactionEvent struct {
	Update       []byte
	Origin       string
	StateChanges []StateChange
}

// UnsubscribeFunc detaches a previously registered observer.
type UnsubscribeFunc func()

// Doc is the C1 façade over this module's CRDT primitives: a document
// replica the room engine treats opaquely except through the sync,
// create, and observe hooks described in SPEC_FULL.md §4.1. It holds a
// flat RGA for "text"-room content and, for notebook rooms, a
// NotebookView built from the same primitives.
type Doc struct {
	NodeID string

	mu        sync.Mutex
	text      *RGA
	notebook  *NotebookView
	clock     VClock
	log       []loggedOp
	observers []func(TransactionEvent)
}

type loggedOp struct {
	id RGANodeID
	op op
}

// NewDoc creates an empty text-room document replica for nodeID.
func NewDoc(nodeID string) *Doc {
	return &Doc{
		NodeID: nodeID,
		text:   NewRGA(),
		clock:  VClock{},
	}
}

// NewNotebookDoc creates an empty notebook-room document replica.
func NewNotebookDoc(nodeID string) *Doc {
	d := NewDoc(nodeID)
	d.notebook = newNotebookView(nodeID)
	return d
}

// Text returns the flat text-room content.
func (d *Doc) Text() string {
	return d.text.Text()
}

// Notebook returns the notebook view, or nil for non-notebook documents.
func (d *Doc) Notebook() *NotebookView {
	return d.notebook
}

// ObserveDoc registers callback to fire once per merged transaction. The
// room engine's broadcast hook is wired this way, matching the `observe`
// contract in the pycrdt usage this module's façade reproduces.
func (d *Doc) ObserveDoc(callback func(TransactionEvent)) UnsubscribeFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.observers)
	d.observers = append(d.observers, callback)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.observers) {
			d.observers[idx] = nil
		}
	}
}

func (d *Doc) fireObservers(event TransactionEvent) {
	d.mu.Lock()
	observers := make([]func(TransactionEvent), len(d.observers))
	copy(observers, d.observers)
	d.mu.Unlock()
	for _, obs := range observers {
		if obs != nil {
			obs(event)
		}
	}
}
