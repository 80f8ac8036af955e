package room

import "testing"

func TestParseRoomIDGlobalAwareness(t *testing.T) {
	id, err := ParseRoomID(GlobalAwarenessRoomID)
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}
	if !id.GlobalAwareness {
		t.Fatalf("expected GlobalAwareness=true")
	}
}

func TestParseRoomIDDocumentRoom(t *testing.T) {
	id, err := ParseRoomID("text:notebook:abc123")
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}
	if id.FileFormat != "text" || id.FileType != "notebook" || id.FileID != "abc123" {
		t.Fatalf("unexpected parse: %+v", id)
	}
}

func TestParseRoomIDRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"just-one-part",
		"too:many:parts:here",
		"xml:notebook:abc", // invalid file_format
		"text:spreadsheet:abc", // invalid file_type
		"text:notebook:",       // empty file_id
	}
	for _, c := range cases {
		if _, err := ParseRoomID(c); err != ErrInvalidRoomID {
			t.Fatalf("ParseRoomID(%q) = %v, want ErrInvalidRoomID", c, err)
		}
	}
}
