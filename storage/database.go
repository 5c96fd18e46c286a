package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "peershare.db"
	// BlobDirName holds blob bytes next to the database.
	BlobDirName = "files"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

type migration struct {
	name       string
	statements []string
}

// Each entry bumps PRAGMA user_version by one. Append only.
var migrations = []migration{
	{
		name: "blobs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS blobs (
  blob_id     TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  size        INTEGER NOT NULL,
  checksum    TEXT NOT NULL,
  stored_path TEXT NOT NULL,
  created_at  INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_blobs_created_at ON blobs (created_at DESC, blob_id)`,
		},
	},
	{
		name: "share_grants",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS share_grants (
  resource_id  TEXT NOT NULL,
  issuer_peer  TEXT NOT NULL,
  issued_at    INTEGER NOT NULL,
  expires_at   INTEGER NOT NULL,
  received_at  INTEGER NOT NULL,
  PRIMARY KEY (resource_id, issuer_peer)
)`,
			`CREATE INDEX IF NOT EXISTS idx_share_grants_expires_at ON share_grants (expires_at DESC)`,
		},
	},
	{
		name: "security_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS security_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  peer_address TEXT,
  details      TEXT NOT NULL,
  severity     TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp    INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events (timestamp DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (event_type, timestamp DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_security_events_peer ON security_events (peer_address, timestamp DESC, id DESC)`,
		},
	},
}

// Store keeps blob metadata, share grants and security events in SQLite and
// blob bytes on disk.
type Store struct {
	db       *sql.DB
	blobsDir string

	securityEventRetention time.Duration

	stopCheckpoints context.CancelFunc
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) peershare.db under dataDir.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, migrates it and starts the WAL
// checkpoint loop. Blob bytes go in a files directory beside the database.
func OpenPath(dbPath string) (*Store, error) {
	blobsDir := filepath.Join(filepath.Dir(dbPath), BlobDirName)
	if err := os.MkdirAll(blobsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	store := &Store{
		db:                     db,
		blobsDir:               blobsDir,
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.runCheckpoints(DefaultWALCheckpointInterval)
	return store, nil
}

func sqliteDSN(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	return "file:" + filepath.ToSlash(path) + "?" + params.Encode()
}

func (s *Store) prepare() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}

	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	for next := version; next < len(migrations); next++ {
		if err := s.migrate(next); err != nil {
			return err
		}
	}
	return s.checkpoint()
}

// SchemaVersion reports how many migrations have been applied.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate(index int) error {
	m := migrations[index]
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", index+1)); err != nil {
		return fmt.Errorf("migration %s: bump version: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", m.name, err)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) runCheckpoints(every time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheckpoints = cancel
	if every <= 0 {
		return
	}

	s.checkpoints.Add(1)
	go func() {
		defer s.checkpoints.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkpoint()
			}
		}
	}()
}

// BlobsDir returns the directory holding blob bytes.
func (s *Store) BlobsDir() string {
	return s.blobsDir
}

// Close stops background checkpoints and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
		}
		s.checkpoints.Wait()
		err = s.db.Close()
	})
	return err
}
