package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("release not found")

type PersistentStore struct {
	db      *sql.DB
	blobDir string
	schema  uint
}

func NewPersistentStore(dbPath, blobDir string) (*PersistentStore, error) {

	dbDir := filepath.Dir(dbPath)

	// Ensure the database directory exists
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Ensure the blob directory exist
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Open the metadata db
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	store := &PersistentStore{db: db, blobDir: blobDir}

	if store.schema, err = store.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return store, nil
}

// SchemaVersion is the migration the database was left at.
func (s *PersistentStore) SchemaVersion() uint { return s.schema }

// Ping checks the database is still reachable.
func (s *PersistentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PersistentStore) blobPath(id string) string {
	return filepath.Join(s.blobDir, id+".nzb")
}

func (s *PersistentStore) GetNZBReader(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no nzb for %s", ErrNotFound, id)
	}
	return f, err
}

func (s *PersistentStore) CreateNZBWriter(id string) (io.WriteCloser, error) {
	return os.Create(s.blobPath(id))
}

func (s *PersistentStore) Exists(id string) bool {
	_, err := os.Stat(s.blobPath(id))
	return err == nil
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
