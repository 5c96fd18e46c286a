package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"peershare/models"
)

// Put stores data under a fresh blob ID and returns the ID.
func (s *Store) Put(name string, data []byte) (string, error) {
	name = sanitizeBlobName(name)
	if name == "" {
		return "", errors.New("blob name is required")
	}

	id := uuid.NewString()
	storedPath := filepath.Join(s.blobsDir, id)
	if err := writeFileAtomic(storedPath, data); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	_, err := s.db.Exec(
		`INSERT INTO blobs (
			blob_id,
			name,
			size,
			checksum,
			stored_path,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		id,
		name,
		len(data),
		hex.EncodeToString(sum[:]),
		storedPath,
		nowUnixMilli(),
	)
	if err != nil {
		_ = os.Remove(storedPath)
		return "", fmt.Errorf("insert blob %q: %w", id, err)
	}

	return id, nil
}

// Get returns the bytes of one blob.
func (s *Store) Get(id string) ([]byte, error) {
	blob, err := s.Stat(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(blob.StoredPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %q: %w", id, err)
	}
	return data, nil
}

// List returns every blob ID, newest first.
func (s *Store) List() ([]string, error) {
	blobs, err := s.ListBlobs()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(blobs))
	for _, blob := range blobs {
		ids = append(ids, blob.ID)
	}
	return ids, nil
}

// Stat returns metadata for one blob.
func (s *Store) Stat(id string) (*models.Blob, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(
		`SELECT
			blob_id,
			name,
			size,
			checksum,
			stored_path,
			created_at
		FROM blobs
		WHERE blob_id = ?`,
		id,
	)

	blob, err := scanBlob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get blob %q: %w", id, err)
	}
	return blob, nil
}

// ListBlobs returns blob metadata, newest first.
func (s *Store) ListBlobs() ([]models.Blob, error) {
	rows, err := s.db.Query(
		`SELECT
			blob_id,
			name,
			size,
			checksum,
			stored_path,
			created_at
		FROM blobs
		ORDER BY created_at DESC, blob_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	blobs := make([]models.Blob, 0)
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blob row: %w", err)
		}
		blobs = append(blobs, *blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob rows: %w", err)
	}
	return blobs, nil
}

func scanBlob(row rowScanner) (*models.Blob, error) {
	var (
		blob      models.Blob
		createdAt int64
	)
	if err := row.Scan(
		&blob.ID,
		&blob.Name,
		&blob.Size,
		&blob.Checksum,
		&blob.StoredPath,
		&createdAt,
	); err != nil {
		return nil, err
	}
	blob.CreatedAt = time.UnixMilli(createdAt)
	return &blob, nil
}

func sanitizeBlobName(name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.Clean("/" + name)))
	if name == "/" || name == "." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == 0 {
			return -1
		}
		return r
	}, name)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp blob: %w", err)
	}
	return nil
}
