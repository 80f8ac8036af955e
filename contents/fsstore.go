package contents

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker"

	"github.com/Polqt/crdtcollab/roomerr"
)

// FSStore is the filesystem ContentsStore implementation, rooted at a
// single directory (the analogue of ContentsManager.root_dir). I/O is
// wrapped in a gobreaker.CircuitBreaker so a run of failures (e.g. a full
// disk) trips the breaker and subsequent calls fail fast with
// gobreaker.ErrOpenState instead of blocking every room's save loop on
// filesystem timeouts; the breaker closes again once its cooldown
// window sees a successful probe call.
type FSStore struct {
	root    string
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dirty   map[string]bool // path -> write/rename/remove event seen since last Dirty call
}

// NewFSStore creates a Store rooted at dir and starts a best-effort
// fsnotify watcher on it. The watcher only records events for Dirty to
// report; its failure to start is logged but not fatal. Out-of-band
// changes are detected by the file API's own mtime-based polling.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("contents: create root: %w", err)
	}
	s := &FSStore{
		root: dir,
		dirty: make(map[string]bool),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "contents-fsstore",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("contents: fsnotify watcher unavailable, falling back to poll-only detection", "err", err)
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		slog.Warn("contents: fsnotify could not watch root", "err", err)
		watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *FSStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				s.mu.Lock()
				s.dirty[event.Name] = true
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("contents: fsnotify watcher error", "err", err)
		}
	}
}

// Dirty reports and clears whether absPath has seen an fsnotify write,
// rename, or remove event since the last call. room.FileAPI does not
// call it; its out-of-band check compares last-modified times only.
func (s *FSStore) Dirty(absPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty[absPath] {
		delete(s.dirty, absPath)
		return true
	}
	return false
}

// Close stops the background watcher, if one was started.
func (s *FSStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *FSStore) absPath(path string) string {
	return filepath.Join(s.root, path)
}

// Get implements Store.
func (s *FSStore) Get(path, format, fileType string, withContent bool) (FileData, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.get(path, format, withContent)
	})
	if err != nil {
		if err == ErrNotFound {
			return FileData{}, roomerr.New(roomerr.NotFound, "contents.Get", err)
		}
		return FileData{}, roomerr.New(roomerr.IOErr, "contents.Get", err)
	}
	return result.(FileData), nil
}

func (s *FSStore) get(path, format string, withContent bool) (FileData, error) {
	abs := s.absPath(path)
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return FileData{}, ErrNotFound
	}
	if err != nil {
		return FileData{}, fmt.Errorf("contents: stat: %w", err)
	}

	data := FileData{LastModified: info.ModTime()}
	if !withContent {
		return data, nil
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return FileData{}, fmt.Errorf("contents: read: %w", err)
	}
	if format == "base64" {
		data.Content = base64.StdEncoding.EncodeToString(raw)
	} else {
		data.Content = string(raw)
	}
	return data, nil
}

// Save implements Store.
func (s *FSStore) Save(path string, req SaveRequest) (FileData, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.save(path, req)
	})
	if err != nil {
		return FileData{}, roomerr.New(roomerr.IOErr, "contents.Save", err)
	}
	return result.(FileData), nil
}

func (s *FSStore) save(path string, req SaveRequest) (FileData, error) {
	abs := s.absPath(path)
	if req.Type == "directory" {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return FileData{}, fmt.Errorf("contents: mkdir: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return FileData{}, fmt.Errorf("contents: mkdir parent: %w", err)
		}
		var raw []byte
		var err error
		if req.Format == "base64" {
			raw, err = base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				return FileData{}, fmt.Errorf("contents: decode base64 content: %w", err)
			}
		} else {
			raw = []byte(req.Content)
		}
		if err := os.WriteFile(abs, raw, 0o644); err != nil {
			return FileData{}, fmt.Errorf("contents: write: %w", err)
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return FileData{}, fmt.Errorf("contents: stat after save: %w", err)
	}
	return FileData{Content: req.Content, LastModified: info.ModTime()}, nil
}
