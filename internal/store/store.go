package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiesman99/gapstitch/pkg/tile"

	_ "modernc.org/sqlite"
)

// Store keeps decrypted tiles on disk so an interrupted stitch can resume
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the tile cache at path
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty cache path")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragma := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, stmt := range pragma {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tiles (
	image_path TEXT NOT NULL,
	z INTEGER NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	data BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(image_path, z, x, y)
);
`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrating cache: %w", err)
	}
	return nil
}

// Get returns the cached tile at addr, if any
func (s *Store) Get(ctx context.Context, imagePath string, addr tile.Address) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
SELECT data FROM tiles WHERE image_path = ? AND z = ? AND x = ? AND y = ?
`, imagePath, int64(addr.Z), int64(addr.X), int64(addr.Y)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading tile %s: %w", addr, err)
	}
	return data, true, nil
}

// Put stores the tile at addr, replacing any previous copy
func (s *Store) Put(ctx context.Context, imagePath string, addr tile.Address, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tiles (image_path, z, x, y, data)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(image_path, z, x, y) DO UPDATE SET data = excluded.data
`, imagePath, int64(addr.Z), int64(addr.X), int64(addr.Y), data)
	if err != nil {
		return fmt.Errorf("writing tile %s: %w", addr, err)
	}
	return nil
}

// Count returns how many tiles of imagePath are cached
func (s *Store) Count(ctx context.Context, imagePath string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles WHERE image_path = ?`, imagePath).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tiles: %w", err)
	}
	return n, nil
}
