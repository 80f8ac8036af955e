package room

import (
	"errors"
	"strings"
)

// GlobalAwarenessRoomID is the one reserved room id that denotes an
// awareness-only room with no backing file.
const GlobalAwarenessRoomID = "JupyterLab:globalAwareness"

// ErrInvalidRoomID is a protocol-level error: a room id that is neither
// the reserved global-awareness literal nor a well-formed
// "{file_format}:{file_type}:{file_id}" triple.
var ErrInvalidRoomID = errors.New("room: invalid room id")

var validFileFormats = map[string]bool{"json": true, "text": true, "base64": true}
var validFileTypes = map[string]bool{"file": true, "notebook": true}

// RoomID is a parsed room identifier.
type RoomID struct {
	Raw             string
	GlobalAwareness bool
	FileFormat      string
	FileType        string
	FileID          string
}

// ParseRoomID parses raw into its components, per SPEC_FULL.md §3.1's
// fixed grammar "{file_format}:{file_type}:{file_id}", special-casing
// the reserved GlobalAwarenessRoomID literal.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == GlobalAwarenessRoomID {
		return RoomID{Raw: raw, GlobalAwareness: true}, nil
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return RoomID{}, ErrInvalidRoomID
	}
	format, fileType, fileID := parts[0], parts[1], parts[2]
	if !validFileFormats[format] || !validFileTypes[fileType] || fileID == "" {
		return RoomID{}, ErrInvalidRoomID
	}
	return RoomID{Raw: raw, FileFormat: format, FileType: fileType, FileID: fileID}, nil
}

// Message framing byte offsets, mirroring crdt.MsgTypeSync/MsgTypeAwareness.
const (
	headerType    = 0
	headerSubtype = 1
)

// MessageType reads the wire message type from a raw frame. Returns
// false if the frame is empty.
func MessageType(frame []byte) (byte, bool) {
	if len(frame) < 1 {
		return 0, false
	}
	return frame[headerType], true
}

// SyncSubtype reads the sync subtype from a raw SYNC frame. Returns
// false if the frame is too short to carry one.
func SyncSubtype(frame []byte) (byte, bool) {
	if len(frame) < 2 {
		return 0, false
	}
	return frame[headerSubtype], true
}
