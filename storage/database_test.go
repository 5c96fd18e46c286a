package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	expectedTables := []string{
		"blobs",
		"share_grants",
		"security_events",
	}
	for _, table := range expectedTables {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenCreatesBlobDirectory(t *testing.T) {
	store := newTestStore(t)

	info, err := os.Stat(store.BlobsDir())
	if err != nil {
		t.Fatalf("blob directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %q to be a directory", store.BlobsDir())
	}
	if filepath.Base(store.BlobsDir()) != BlobDirName {
		t.Fatalf("unexpected blob directory name: %q", store.BlobsDir())
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := mustPut(t, store, "kept.txt", []byte("kept"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if version, err := reopened.SchemaVersion(); err != nil || version != len(migrations) {
		t.Fatalf("expected schema version %d after reopen, got %d (%v)", len(migrations), version, err)
	}

	data, err := reopened.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(data) != "kept" {
		t.Fatalf("unexpected blob bytes after reopen: %q", data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestSqliteDSNEnablesWAL(t *testing.T) {
	dsn := sqliteDSN(filepath.Join("data", "peershare.db"))
	for _, want := range []string{"_journal_mode=WAL", "_busy_timeout=5000", "_foreign_keys=on"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
}
