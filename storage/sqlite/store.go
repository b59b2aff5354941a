// Package sqlite implements the storage cursor contract on a single SQLite
// file through gorm and the pure-Go glebarez driver.
//
// A Store holds two handles on the same file: a read pool used for
// transaction-free reads and ReadOnly transactions, and a single-connection
// writer used for every write transaction. SQLite admits one writer at a
// time, so serializing writers in the pool means a write transaction never
// fails on a stale snapshot.
package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/IvanBrykalov/diskcache/storage"
)

// ErrClosed is returned by OpenCursor after Close.
var ErrClosed = errors.New("sqlite: store closed")

// Store is a cache table in one SQLite file.
type Store struct {
	cfg    Config
	reader *gorm.DB
	writer *gorm.DB

	mu     sync.Mutex
	closed bool
}

var _ storage.Opener = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path and migrates the
// schema.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}
	if cfg.Truncate {
		if err := removeDatabase(cfg.Path); err != nil {
			return nil, err
		}
	}

	gcfg := &gorm.Config{
		Logger:                 newGormLogger(cfg),
		SkipDefaultTransaction: true,
	}

	writer, err := gorm.Open(sqlite.Open(cfg.dsn(false)), gcfg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	wdb, err := writer.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: writer pool: %w", err)
	}
	wdb.SetMaxOpenConns(1)
	wdb.SetMaxIdleConns(1)

	if err := writer.AutoMigrate(&cacheRow{}, &dependencyRow{}); err != nil {
		_ = wdb.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	reader, err := gorm.Open(sqlite.Open(cfg.dsn(true)), gcfg)
	if err != nil {
		_ = wdb.Close()
		return nil, fmt.Errorf("sqlite: open reader: %w", err)
	}
	rdb, err := reader.DB()
	if err != nil {
		_ = wdb.Close()
		return nil, fmt.Errorf("sqlite: reader pool: %w", err)
	}
	rdb.SetMaxOpenConns(cfg.MaxReadConns)
	rdb.SetMaxIdleConns(cfg.MaxReadConns)

	cfg.Logger.Debug("sqlite store opened", "path", cfg.Path, "read_conns", cfg.MaxReadConns)
	return &Store{cfg: cfg, reader: reader, writer: writer}, nil
}

// OpenCursor returns a new cursor positioned before the first record of the
// primary index.
func (s *Store) OpenCursor() (storage.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return newCursor(s), nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.cfg.Path }

// Checkpoint copies the WAL into the main database file and fsyncs it.
func (s *Store) Checkpoint() error {
	return s.writer.Exec("PRAGMA wal_checkpoint(FULL)").Error
}

// Close checkpoints and closes both handles. Cursors still open fail on their
// next statement.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
	if rdb, e := s.reader.DB(); e == nil {
		err = errors.Join(err, rdb.Close())
	}
	if wdb, e := s.writer.DB(); e == nil {
		err = errors.Join(err, wdb.Close())
	}
	return err
}

func removeDatabase(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sqlite: truncate %s: %w", p, err)
		}
	}
	return nil
}
