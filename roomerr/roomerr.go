// Package roomerr defines the error taxonomy shared across the room
// engine, content store, and kernel bridge, per spec.md §7: a small,
// closed set of kinds call sites branch on with errors.As, mapped to
// WebSocket close codes and HTTP statuses at the transport boundary.
package roomerr

import "fmt"

// Kind is one of the closed set of error categories this system
// distinguishes.
type Kind string

const (
	NotFound    Kind = "not_found"
	ProtocolErr Kind = "protocol_error"
	IOErr       Kind = "io_error"
	CrdtErr     Kind = "crdt_error"
	Cancelled   Kind = "cancelled"
	ConflictErr Kind = "conflict"
)

// Error wraps an underlying cause with a Kind, so handlers can branch
// with a type switch or errors.As without string-matching messages.
type Error struct {
	kind Kind
	op   string
	err  error
}

// New wraps err as a roomerr.Error of the given kind, tagged with op
// (the operation that failed, e.g. "room.dispatch", "contents.save").
func New(kind Kind, op string, err error) *Error {
	return &Error{kind: kind, op: op, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.op, e.kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, e.kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether err is a roomerr.Error of kind k.
func Is(err error, k Kind) bool {
	re, ok := err.(*Error)
	return ok && re.kind == k
}
