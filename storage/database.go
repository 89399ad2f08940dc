package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DBFileName is the SQLite file created by OpenInDir.
const DBFileName = "filedrop.db"

// ErrNotFound is returned when no transfer state matches a lookup.
var ErrNotFound = errors.New("storage: record not found")

type migration struct {
	name string
	sql  string
}

// schema is append-only. PRAGMA user_version records how many entries a
// database has applied.
var schema = []migration{
	{"transfer states", `
CREATE TABLE IF NOT EXISTS transfer_states (
  transfer_id        TEXT PRIMARY KEY,
  file_name          TEXT NOT NULL,
  file_size          INTEGER NOT NULL CHECK(file_size >= 0),
  mime_type          TEXT NOT NULL DEFAULT '',
  bytes_transferred  INTEGER NOT NULL DEFAULT 0 CHECK(bytes_transferred >= 0),
  peer_id            TEXT NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  encrypted          INTEGER NOT NULL DEFAULT 0,
  updated_at         INTEGER NOT NULL
)`},
	{"resume match index", `
CREATE INDEX IF NOT EXISTS idx_transfer_states_match
ON transfer_states (file_name, file_size, peer_id, direction)`},
	{"retention index", `
CREATE INDEX IF NOT EXISTS idx_transfer_states_updated_at
ON transfer_states (updated_at)`},
	{"received chunks", `
CREATE TABLE IF NOT EXISTS transfer_chunks (
  transfer_id  TEXT NOT NULL REFERENCES transfer_states(transfer_id) ON DELETE CASCADE,
  chunk_index  INTEGER NOT NULL CHECK(chunk_index >= 0),
  PRIMARY KEY (transfer_id, chunk_index)
)`},
}

// Options tunes a Store.
type Options struct {
	// CheckpointInterval is how often the WAL is truncated. Zero means
	// hourly, negative disables the background checkpoint.
	CheckpointInterval time.Duration
	Logger             *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = time.Hour
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Store persists resumable transfer state in SQLite.
type Store struct {
	db     *sql.DB
	logger *logrus.Entry

	stopCheckpoints context.CancelFunc
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
	closeErr        error
}

// OpenInDir creates dataDir if needed and opens DBFileName inside it.
func OpenInDir(dataDir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenWithOptions(filepath.Join(dataDir, DBFileName), opts)
}

// OpenPath opens the database at dbPath with default options.
func OpenPath(dbPath string) (*Store, error) {
	return OpenWithOptions(dbPath, Options{})
}

// OpenWithOptions opens dbPath, switches it to WAL and brings the schema
// up to date.
func OpenWithOptions(dbPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dsn := "file:" + filepath.ToSlash(dbPath) + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{db: db, logger: opts.Logger.WithField("db", dbPath)}
	for _, step := range []func() error{db.Ping, s.useWAL, s.migrate, s.checkpoint} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if opts.CheckpointInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopCheckpoints = cancel
		s.checkpoints.Add(1)
		go s.checkpointEvery(ctx, opts.CheckpointInterval)
	}
	return s, nil
}

// Close stops the checkpoint loop and closes the database. Safe to call
// more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
			s.checkpoints.Wait()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// SchemaVersion reports how many migrations the database has applied.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate() error {
	applied, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if applied >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for n, m := range schema[applied:] {
		version := applied + n + 1
		if _, err := tx.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"from": applied, "to": len(schema)}).Debug("schema migrated")
	return nil
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	return nil
}

func (s *Store) checkpointEvery(ctx context.Context, interval time.Duration) {
	defer s.checkpoints.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				s.logger.WithError(err).Warn("periodic WAL checkpoint failed")
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqlBool(v bool) int {
	if v {
		return 1
	}
	return 0
}
