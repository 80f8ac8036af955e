// Package contents provides the filesystem-backed ContentsStore the file
// API (room.FileAPI) reads from and saves to, generalizing Jupyter
// Server's ContentsManager contract into a Go interface.
package contents

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when path does not exist.
var ErrNotFound = errors.New("contents: file not found")

// FileData is the subset of a ContentsManager `get`/`save` response this
// module needs: the file's content and the timestamp used for
// out-of-band change detection.
type FileData struct {
	Content      string
	LastModified time.Time
}

// SaveRequest is the payload passed to Store.Save.
type SaveRequest struct {
	Format  string // "text" | "base64"
	Type    string // "file" | "notebook" | "directory"
	Content string
}

// Store is implemented by any content backend the file API can read
// from and save to. The filesystem implementation is FSStore; tests may
// substitute a fake.
type Store interface {
	// Get returns the file at path. If withContent is false, Content is
	// left empty and only LastModified is populated (the cheap call used
	// by the out-of-band poll).
	Get(path, format, fileType string, withContent bool) (FileData, error)
	// Save writes req to path and returns the resulting FileData
	// (including the new LastModified).
	Save(path string, req SaveRequest) (FileData, error)
}
