// Package fileid provides the FileIdIndexer abstraction the file API
// uses to resolve a stable file_id to (and from) a relative path,
// generalizing jupyter_server_fileid's BaseFileIdManager contract.
package fileid

import (
	"sync"

	"github.com/segmentio/ksuid"
)

// Indexer maps stable file ids to relative paths and back.
type Indexer interface {
	// Index assigns (or returns the existing) file id for path.
	Index(path string) string
	// GetPath returns the path indexed under id, or "" if unknown.
	GetPath(id string) (string, bool)
	// GetID returns the id indexed for path, or "" if unknown.
	GetID(path string) (string, bool)
	// Move updates the path associated with id, e.g. after a rename.
	Move(id, newPath string)
}

// MemIndexer is an in-memory Indexer, minting ids with ksuid so they sort
// roughly by creation time — useful for debugging, never load-bearing
// for correctness since lookups are always by explicit id or path.
type MemIndexer struct {
	mu       sync.Mutex
	pathToID map[string]string
	idToPath map[string]string
}

// NewMemIndexer creates an empty indexer.
func NewMemIndexer() *MemIndexer {
	return &MemIndexer{
		pathToID: make(map[string]string),
		idToPath: make(map[string]string),
	}
}

// Index implements Indexer.
func (m *MemIndexer) Index(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.pathToID[path]; ok {
		return id
	}
	id := ksuid.New().String()
	m.pathToID[path] = id
	m.idToPath[id] = path
	return id
}

// GetPath implements Indexer.
func (m *MemIndexer) GetPath(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.idToPath[id]
	return path, ok
}

// GetID implements Indexer.
func (m *MemIndexer) GetID(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pathToID[path]
	return id, ok
}

// Move implements Indexer.
func (m *MemIndexer) Move(id, newPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if oldPath, ok := m.idToPath[id]; ok {
		delete(m.pathToID, oldPath)
	}
	m.idToPath[id] = newPath
	m.pathToID[newPath] = id
}
