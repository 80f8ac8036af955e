package room

import (
	"sync"
	"testing"
	"time"

	"github.com/Polqt/crdtcollab/contents"
	"github.com/Polqt/crdtcollab/fileid"
)

type fakeStore struct {
	mu           sync.Mutex
	content      string
	lastModified time.Time
	saveCount    int
	getErr       error
}

func (s *fakeStore) Get(path, format, fileType string, withContent bool) (contents.FileData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return contents.FileData{}, s.getErr
	}
	data := contents.FileData{LastModified: s.lastModified}
	if withContent {
		data.Content = s.content
	}
	return data, nil
}

func (s *fakeStore) Save(path string, req contents.SaveRequest) (contents.FileData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = req.Content
	s.lastModified = s.lastModified.Add(time.Second)
	s.saveCount++
	return contents.FileData{Content: s.content, LastModified: s.lastModified}, nil
}

func newTestFileAPI(t *testing.T, store *fakeStore) (*FileAPI, *string, *bool) {
	t.Helper()
	idx := fileid.NewMemIndexer()
	idx.Index("notebook.ipynb")
	// re-point id "notebook.ipynb" isn't the file id; use the id minted by Index.
	id, _ := idx.GetID("notebook.ipynb")

	roomID, err := ParseRoomID("text:notebook:" + id)
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}

	var content string
	var dirty bool
	api := NewFileAPI(roomID, idx, store, nil,
		func() string { return content },
		func(c string) { content = c },
		func(d bool) { dirty = d },
	)
	return api, &content, &dirty
}

func TestFileAPILoadContentIsIdempotent(t *testing.T) {
	store := &fakeStore{content: "hello", lastModified: time.Now()}
	api, content, _ := newTestFileAPI(t, store)

	api.LoadContent()
	api.LoadContent() // second call must be a no-op, not a second goroutine

	select {
	case <-api.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for load")
	}

	if *content != "hello" {
		t.Fatalf("content = %q, want hello", *content)
	}
}

func TestFileAPIScheduleSaveCoalesces(t *testing.T) {
	store := &fakeStore{content: "v0", lastModified: time.Now()}
	api, content, dirty := newTestFileAPI(t, store)
	*dirty = true

	api.LoadContent()
	<-api.Loaded()

	*content = "v1"
	api.ScheduleSave()
	api.ScheduleSave()
	api.ScheduleSave()

	api.save() // simulate a tick firing directly rather than waiting 500ms

	store.mu.Lock()
	saves := store.saveCount
	store.mu.Unlock()
	if saves != 1 {
		t.Fatalf("expected exactly one save for three coalesced schedules, got %d", saves)
	}
	if *dirty {
		t.Fatalf("expected dirty to be cleared after save")
	}
}

func TestFileAPIOutOfBandChangeInvokesCallback(t *testing.T) {
	store := &fakeStore{content: "v0", lastModified: time.Now()}
	var fired bool
	idx := fileid.NewMemIndexer()
	idx.Index("a.ipynb")
	id, _ := idx.GetID("a.ipynb")

	roomID, err := ParseRoomID("text:notebook:" + id)
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}

	var content string
	api := NewFileAPI(roomID, idx, store,
		func() { fired = true },
		func() string { return content },
		func(c string) { content = c },
		func(bool) {},
	)

	api.LoadContent()
	<-api.Loaded()

	store.mu.Lock()
	store.lastModified = store.lastModified.Add(time.Hour)
	store.mu.Unlock()

	api.checkOutOfBandChange()

	if !fired {
		t.Fatalf("expected out-of-band callback to fire after last_modified advanced externally")
	}
}

func TestFileAPIStopThenSavePersistsFinalState(t *testing.T) {
	store := &fakeStore{content: "v0", lastModified: time.Now()}
	api, content, _ := newTestFileAPI(t, store)

	api.LoadContent()
	<-api.Loaded()
	api.Start()

	*content = "final"
	api.StopThenSave()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.content != "final" {
		t.Fatalf("store content = %q, want final", store.content)
	}
}
