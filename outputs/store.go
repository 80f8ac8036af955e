package outputs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ExternalizeThreshold is the size, in bytes of serialized JSON, above
// which an output's data is written to the Store instead of being
// embedded inline in the CRDT cell. A var rather than a const so
// config.Config.Outputs can override the default at process startup.
var ExternalizeThreshold = 64 * 1024

// AlwaysExternalizeMIMEs lists MIME types that are always written to the
// Store regardless of size, since embedding binary media inline in the
// document bloats every sync message that touches the cell.
var AlwaysExternalizeMIMEs = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"application/pdf": true,
}

// Store is a content-addressed filesystem writer/reader for large output
// artifacts, keyed by (fileID, cellID, index). Reads are fronted by a
// bounded LRU so a client reconnecting moments after execution doesn't
// force a filesystem read for output it (or another client) just wrote.
type Store struct {
	root  string
	cache *lru.Cache[string, []byte]

	mu sync.Mutex
}

// NewStore creates a Store rooted at dir, with an LRU read cache of the
// given capacity (use 0 for the default of 256 entries).
func NewStore(dir string, cacheCapacity int) (*Store, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = 256
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("outputs: create store root: %w", err)
	}
	cache, err := lru.New[string, []byte](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("outputs: create cache: %w", err)
	}
	return &Store{root: dir, cache: cache}, nil
}

// ShouldExternalize reports whether an output of the given MIME type and
// serialized size should be written to the Store rather than embedded
// inline in the cell's CRDT representation.
func ShouldExternalize(mimeType string, size int) bool {
	return AlwaysExternalizeMIMEs[mimeType] || size > ExternalizeThreshold
}

// Write persists value under (fileID, cellID, index) and returns the URL
// clients should fetch it from.
func (s *Store) Write(fileID, cellID string, index int, value map[string]any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("outputs: marshal output: %w", err)
	}

	path := s.path(fileID, cellID, index)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("outputs: create cell dir: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("outputs: write output: %w", err)
	}

	key := s.cacheKey(fileID, cellID, index)
	s.cache.Add(key, payload)
	return s.url(fileID, cellID, index), nil
}

// Read returns the raw JSON previously written for (fileID, cellID,
// index), serving from the LRU cache when possible.
func (s *Store) Read(fileID, cellID string, index int) ([]byte, error) {
	key := s.cacheKey(fileID, cellID, index)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	payload, err := os.ReadFile(s.path(fileID, cellID, index))
	if err != nil {
		return nil, fmt.Errorf("outputs: read output: %w", err)
	}
	s.cache.Add(key, payload)
	return payload, nil
}

// Clear removes every artifact written for cellID, called when a cell's
// outputs are cleared (explicit clear_output or a re-execution that
// supersedes the previous run's outputs).
func (s *Store) Clear(fileID, cellID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, sanitize(fileID), sanitize(cellID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("outputs: clear cell outputs: %w", err)
	}
	return nil
}

func (s *Store) url(fileID, cellID string, index int) string {
	return fmt.Sprintf("/api/outputs/%s/%s/%d", fileID, cellID, index)
}

func (s *Store) path(fileID, cellID string, index int) string {
	return filepath.Join(s.root, sanitize(fileID), sanitize(cellID), fmt.Sprintf("%d.output", index))
}

func (s *Store) cacheKey(fileID, cellID string, index int) string {
	return fmt.Sprintf("%s/%s/%d", fileID, cellID, index)
}

// sanitize hashes path components so an adversarial cell or file id (with
// path separators or traversal sequences) can never escape the store root.
func sanitize(component string) string {
	sum := sha256.Sum256([]byte(component))
	return hex.EncodeToString(sum[:])
}
