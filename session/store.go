package session

import (
	"sync"

	"github.com/Polqt/crdtcollab/roomerr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one row of session state: which path/type a session was
// opened against, which kernel (if any) it is bound to, and the room id
// that path resolves to. Mirrors the columns YDocSessionManager reads
// off the parent SessionManager's sessions table plus the room id it
// otherwise keeps only in its in-memory `_room_ids` cache.
type Record struct {
	ID       string
	Path     string
	Type     string
	KernelID string
	RoomID   string
}

// Store is the external session persistence contract spec.md's Design
// Notes direct the core to consume rather than extend. Implementations
// must be safe for concurrent use.
type Store interface {
	Create(rec Record) error
	Get(id string) (Record, error)
	Update(id string, fields map[string]any) error
	Delete(id string) error
}

// applyFields applies a partial update to a Record in place. Both
// Store implementations below share this so "kernel_id" is the one
// column name callers need to know, matching `update_session(session_id,
// **update)`'s keyword-argument update style.
func applyFields(rec *Record, fields map[string]any) {
	if v, ok := fields["path"].(string); ok {
		rec.Path = v
	}
	if v, ok := fields["type"].(string); ok {
		rec.Type = v
	}
	if v, ok := fields["kernel_id"].(string); ok {
		rec.KernelID = v
	}
	if v, ok := fields["room_id"].(string); ok {
		rec.RoomID = v
	}
}

// ─────────────────────────────────────────────────────────────
// MemStore
// ─────────────────────────────────────────────────────────────

// MemStore is an in-memory Store, suitable for the demo binary and
// tests — no external dependency is in scope for it.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

func (s *MemStore) Create(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemStore) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, roomerr.New(roomerr.NotFound, "session.MemStore.Get", nil)
	}
	return rec, nil
}

func (s *MemStore) Update(id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return roomerr.New(roomerr.NotFound, "session.MemStore.Update", nil)
	}
	applyFields(&rec, fields)
	s.records[id] = rec
	return nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// ─────────────────────────────────────────────────────────────
// PostgresStore
// ─────────────────────────────────────────────────────────────

// sessionRow is the gorm model backing the sessions table, per
// SPEC_FULL.md §4.9's `(id, path, type, kernel_id, room_id)` column set.
type sessionRow struct {
	ID       string `gorm:"primaryKey"`
	Path     string
	Type     string
	KernelID string
	RoomID   string
}

func (sessionRow) TableName() string { return "sessions" }

// PostgresStore is a gorm-backed Store, grounded on ai-kms's
// gorm+gorm.io/driver/postgres+lib/pq stack (lib/pq pulled in
// transitively as gorm's postgres driver dependency).
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens dsn and migrates the sessions table.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, roomerr.New(roomerr.IOErr, "session.NewPostgresStore", err)
	}
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, roomerr.New(roomerr.IOErr, "session.NewPostgresStore.migrate", err)
	}
	return &PostgresStore{db: db}, nil
}

func toRecord(row sessionRow) Record {
	return Record{ID: row.ID, Path: row.Path, Type: row.Type, KernelID: row.KernelID, RoomID: row.RoomID}
}

func (s *PostgresStore) Create(rec Record) error {
	row := sessionRow{ID: rec.ID, Path: rec.Path, Type: rec.Type, KernelID: rec.KernelID, RoomID: rec.RoomID}
	if err := s.db.Create(&row).Error; err != nil {
		return roomerr.New(roomerr.IOErr, "session.PostgresStore.Create", err)
	}
	return nil
}

func (s *PostgresStore) Get(id string) (Record, error) {
	var row sessionRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Record{}, roomerr.New(roomerr.NotFound, "session.PostgresStore.Get", err)
		}
		return Record{}, roomerr.New(roomerr.IOErr, "session.PostgresStore.Get", err)
	}
	return toRecord(row), nil
}

func (s *PostgresStore) Update(id string, fields map[string]any) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	applyFields(&rec, fields)
	row := sessionRow{ID: rec.ID, Path: rec.Path, Type: rec.Type, KernelID: rec.KernelID, RoomID: rec.RoomID}
	if err := s.db.Save(&row).Error; err != nil {
		return roomerr.New(roomerr.IOErr, "session.PostgresStore.Update", err)
	}
	return nil
}

func (s *PostgresStore) Delete(id string) error {
	if err := s.db.Delete(&sessionRow{}, "id = ?", id).Error; err != nil {
		return roomerr.New(roomerr.IOErr, "session.PostgresStore.Delete", err)
	}
	return nil
}
