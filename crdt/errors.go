package crdt

import "errors"

// ErrUnknownSyncSubtype is returned by Doc.ApplySync for a SYNC subtype
// other than SyncStep1, SyncStep2, or SyncUpdate.
var ErrUnknownSyncSubtype = errors.New("crdt: unknown sync subtype")
