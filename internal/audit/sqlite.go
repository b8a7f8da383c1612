package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type entryRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Timestamp string `gorm:"not null"`
	EventType string `gorm:"not null;index"`
	Payload   string `gorm:"not null"`
	PrevHash  string `gorm:"not null"`
	Hash      string `gorm:"not null;uniqueIndex"`
	Signature string
}

func (entryRow) TableName() string { return "audit_entries" }

type checkpointRow struct {
	Number    uint64 `gorm:"primaryKey;autoIncrement:false"`
	FromSeq   uint64 `gorm:"not null"`
	ToSeq     uint64 `gorm:"not null"`
	Root      string `gorm:"not null"`
	CreatedAt string `gorm:"not null"`
	Signature string
}

func (checkpointRow) TableName() string { return "audit_checkpoints" }

type quarantineRow struct {
	ID         uint `gorm:"primaryKey"`
	FromSeq    uint64
	ToSeq      uint64
	Reason     string
	DetectedAt string
}

func (quarantineRow) TableName() string { return "audit_quarantine" }

func rowFromEntry(e Entry) entryRow {
	return entryRow{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		EventType: string(e.EventType),
		Payload:   string(e.Payload),
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
		Signature: e.Signature,
	}
}

func (r entryRow) entry() Entry {
	return Entry{
		Seq:       r.Seq,
		Timestamp: r.Timestamp,
		EventType: EventType(r.EventType),
		Payload:   json.RawMessage(r.Payload),
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
		Signature: r.Signature,
	}
}

// SQLStore keeps the audit log in a SQLite database.
type SQLStore struct {
	db *gorm.DB
}

const scanBatch = 500

// OpenSQLStore opens (or creates) a SQLite audit database in WAL mode.
func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
		}
	}

	if path != ":memory:" {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: create database: %w", err)
		}
		f.Close()
		if err := os.Chmod(path, 0600); err != nil {
			return nil, fmt.Errorf("audit: restrict database: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("audit: get sql.DB: %w", err)
	}
	// One connection: the Writer is the only writer and SQLite serialises
	// writes anyway.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA synchronous=FULL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("audit: set synchronous: %w", err)
	}

	if err := db.AutoMigrate(&entryRow{}, &checkpointRow{}, &quarantineRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("audit: auto-migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Append inserts e. A single INSERT either commits or leaves no row.
func (s *SQLStore) Append(e Entry) error {
	row := rowFromEntry(e)
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("audit: insert entry %d: %w", e.Seq, err)
	}
	return nil
}

// Last returns the entry with the highest seq.
func (s *SQLStore) Last() (Entry, bool, error) {
	var row entryRow
	err := s.db.Order("seq DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: last entry: %w", err)
	}
	return row.entry(), true, nil
}

// Scan walks entries in seq order in batches.
func (s *SQLStore) Scan(from uint64, fn func(Entry) error) error {
	next := from
	for {
		var rows []entryRow
		if err := s.db.Where("seq >= ?", next).Order("seq ASC").Limit(scanBatch).Find(&rows).Error; err != nil {
			return fmt.Errorf("audit: scan from %d: %w", next, err)
		}
		for _, r := range rows {
			if err := fn(r.entry()); err != nil {
				return err
			}
		}
		if len(rows) < scanBatch {
			return nil
		}
		next = rows[len(rows)-1].Seq + 1
	}
}

// Get returns the entry with the given seq.
func (s *SQLStore) Get(seq uint64) (Entry, error) {
	var row entryRow
	err := s.db.Where("seq = ?", seq).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("audit: get %d: %w", seq, err)
	}
	return row.entry(), nil
}

// SaveCheckpoint stores c.
func (s *SQLStore) SaveCheckpoint(c Checkpoint) error {
	row := checkpointRow{
		Number:    c.Index,
		FromSeq:   c.FromSeq,
		ToSeq:     c.ToSeq,
		Root:      c.Root,
		CreatedAt: c.CreatedAt,
		Signature: c.Signature,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("audit: insert checkpoint %d: %w", c.Index, err)
	}
	return nil
}

// Checkpoints returns all checkpoints in index order.
func (s *SQLStore) Checkpoints() ([]Checkpoint, error) {
	var rows []checkpointRow
	if err := s.db.Order("number ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: list checkpoints: %w", err)
	}
	out := make([]Checkpoint, len(rows))
	for i, r := range rows {
		out[i] = Checkpoint{
			Index:     r.Number,
			FromSeq:   r.FromSeq,
			ToSeq:     r.ToSeq,
			Root:      r.Root,
			CreatedAt: r.CreatedAt,
			Signature: r.Signature,
		}
	}
	return out, nil
}

// SaveQuarantine stores q.
func (s *SQLStore) SaveQuarantine(q Quarantine) error {
	row := quarantineRow{FromSeq: q.FromSeq, ToSeq: q.ToSeq, Reason: q.Reason, DetectedAt: q.DetectedAt}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("audit: insert quarantine: %w", err)
	}
	return nil
}

// Quarantines returns all quarantine records.
func (s *SQLStore) Quarantines() ([]Quarantine, error) {
	var rows []quarantineRow
	if err := s.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: list quarantine: %w", err)
	}
	out := make([]Quarantine, len(rows))
	for i, r := range rows {
		out[i] = Quarantine{FromSeq: r.FromSeq, ToSeq: r.ToSeq, Reason: r.Reason, DetectedAt: r.DetectedAt}
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open opens the store for the given backend ("file" or "sqlite").
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return OpenFileStore(path)
	case "sqlite":
		return OpenSQLStore(path)
	default:
		return nil, fmt.Errorf("audit: unknown backend %q", backend)
	}
}
