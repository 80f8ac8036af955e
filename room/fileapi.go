package room

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Polqt/crdtcollab/contents"
	"github.com/Polqt/crdtcollab/fileid"
)

// SaveDebounce is the interval between file API ticks: the
// out-of-band poll and, when one is pending, a coalesced save. A var
// rather than a const so config.Config.Room.SaveDebounceMS can
// override it at process startup.
var SaveDebounce = 500 * time.Millisecond

// FileAPI provides one room's CRDT content a path to a single backing
// file: one-time initial load, coalesced saves, and out-of-band change
// detection, ported behaviorally from yroom_file_api.py's flag-based
// scheduling and shielded save.
type FileAPI struct {
	RoomID RoomID

	indexer fileid.Indexer
	store   contents.Store

	onOutOfBandChange func()

	loadOnce sync.Once
	loaded   chan struct{}

	saveScheduled atomic.Bool
	started       atomic.Bool
	lastModified  time.Time
	lastModValid  bool
	mu            sync.Mutex

	stop chan struct{}
	done chan struct{}

	getContent func() string
	setContent func(string)
	setDirty   func(bool)
}

// saveableFileTypes mirrors SAVEABLE_FILE_TYPES: a room's file_type is
// coerced to "file" for the purposes of content-store calls when it
// isn't one of these literals.
var saveableFileTypes = map[string]bool{
	"directory": true,
	"file":      true,
	"notebook":  true,
}

// NewFileAPI constructs a FileAPI for roomID and starts its background
// watch loop once Start is called. getContent/setContent/setDirty bind
// this file API to the room's document content (flat text or serialized
// notebook JSON, depending on room kind).
func NewFileAPI(roomID RoomID, indexer fileid.Indexer, store contents.Store, onOutOfBandChange func(), getContent func() string, setContent func(string), setDirty func(bool)) *FileAPI {
	return &FileAPI{
		RoomID:            roomID,
		indexer:           indexer,
		store:             store,
		onOutOfBandChange: onOutOfBandChange,
		loaded:            make(chan struct{}),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		getContent:        getContent,
		setContent:        setContent,
		setDirty:          setDirty,
	}
}

// GetPath resolves this file API's file id to a path via the indexer.
func (f *FileAPI) GetPath() (string, bool) {
	return f.indexer.GetPath(f.RoomID.FileID)
}

func (f *FileAPI) saveableType() string {
	if saveableFileTypes[f.RoomID.FileType] {
		return f.RoomID.FileType
	}
	return "file"
}

// LoadContent loads the backing file's content into the document exactly
// once; a second call while loading (or after loading) is a no-op. The
// load happens on its own goroutine; callers await Loaded() before
// performing operations on the document.
func (f *FileAPI) LoadContent() {
	f.loadOnce.Do(func() {
		go f.load()
	})
}

// Loaded returns a channel that closes once initial content has loaded.
func (f *FileAPI) Loaded() <-chan struct{} {
	return f.loaded
}

func (f *FileAPI) load() {
	path, ok := f.GetPath()
	if !ok {
		slog.Error("file api: cannot resolve path for file id", "room", f.RoomID.Raw, "file_id", f.RoomID.FileID)
		close(f.loaded)
		return
	}

	data, err := f.store.Get(path, f.RoomID.FileFormat, f.saveableType(), true)
	if err != nil {
		slog.Error("file api: failed to load content", "room", f.RoomID.Raw, "err", err)
		close(f.loaded)
		return
	}

	f.setContent(data.Content)
	f.mu.Lock()
	f.lastModified = data.LastModified
	f.lastModValid = true
	f.mu.Unlock()

	close(f.loaded)
	slog.Info("file api: loaded content", "room", f.RoomID.Raw)
}

// ScheduleSave arms the next tick's save. Any number of calls between
// ticks coalesce into a single save.
func (f *FileAPI) ScheduleSave() {
	f.saveScheduled.Store(true)
}

// Start begins the background watch loop: an out-of-band poll and,
// when one is scheduled, a coalesced save, every SaveDebounce. Call
// once the room's content has begun loading; Start itself waits for
// Loaded() before its first tick. A second call is a no-op.
func (f *FileAPI) Start() {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go f.watch()
}

func (f *FileAPI) watch() {
	defer close(f.done)

	select {
	case <-f.loaded:
	case <-f.stop:
		return
	}

	ticker := time.NewTicker(SaveDebounce)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.tick()
		}
	}
}

func (f *FileAPI) tick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("file api: panic in watch tick", "room", f.RoomID.Raw, "recovered", r)
		}
	}()

	f.checkOutOfBandChange()
	if f.saveScheduled.Load() {
		f.save()
	}
}

func (f *FileAPI) checkOutOfBandChange() {
	path, ok := f.GetPath()
	if !ok {
		return
	}
	data, err := f.store.Get(path, f.RoomID.FileFormat, f.saveableType(), false)
	if err != nil {
		slog.Error("file api: out-of-band check failed", "room", f.RoomID.Raw, "err", err)
		return
	}

	f.mu.Lock()
	last := f.lastModified
	valid := f.lastModValid
	f.mu.Unlock()

	if valid && !data.LastModified.Equal(last) {
		slog.Warn("file api: out-of-band file change detected", "room", f.RoomID.Raw, "previous", last, "current", data.LastModified)
		if f.onOutOfBandChange != nil {
			f.onOutOfBandChange()
		}
	}
}

// save persists the current content immediately. saveScheduled is
// cleared before the store call begins (not after) so an edit that
// arrives while the save is in flight re-arms the next tick's save
// instead of being silently absorbed.
func (f *FileAPI) save() {
	path, ok := f.GetPath()
	if !ok {
		slog.Error("file api: cannot resolve path for save", "room", f.RoomID.Raw)
		return
	}
	content := f.getContent()
	f.saveScheduled.Store(false)

	data, err := f.store.Save(path, contents.SaveRequest{
		Format:  f.RoomID.FileFormat,
		Type:    f.saveableType(),
		Content: content,
	})
	if err != nil {
		slog.Error("file api: save failed", "room", f.RoomID.Raw, "err", err)
		return
	}

	f.mu.Lock()
	f.lastModified = data.LastModified
	f.lastModValid = true
	f.mu.Unlock()

	if f.setDirty != nil {
		f.setDirty(false)
	}
}

// Stop halts the watch loop without saving. Safe to call even if
// Start was never invoked (Stop does not block waiting for a watch
// goroutine that does not exist).
func (f *FileAPI) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	if f.started.Load() {
		<-f.done
	}
}

// StopThenSave stops the watch loop, then performs one final save.
func (f *FileAPI) StopThenSave() {
	f.Stop()
	f.save()
}
