// ABOUTME: SQLite-backed metadata store for uploaded files using modernc.org/sqlite
// ABOUTME: Tracks name, content type, size, and expiry so cleanup survives restarts

package filebed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileRecord is one stored upload. A zero ExpiresAt means the file never
// expires.
type FileRecord struct {
	Name        string
	ContentType string
	Size        int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists upload metadata in SQLite. Unlike tracking uploads in
// process memory, rows outlive a restart, so the janitor can finish
// deleting files it never saw uploaded.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the metadata database at the given path.
// Parent directories are created if needed.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS uploads (
			name         TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			size         INTEGER NOT NULL,
			created_at   TEXT NOT NULL,
			expires_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_expires ON uploads(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "filebed-store")}
	s.logger.Info("upload metadata store initialized", "path", path)
	return s, nil
}

// Insert records one upload.
func (s *Store) Insert(ctx context.Context, rec FileRecord) error {
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (name, content_type, size, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Name, rec.ContentType, rec.Size, rec.CreatedAt.UTC().Format(time.RFC3339), expires)
	if err != nil {
		return fmt.Errorf("inserting upload record: %w", err)
	}

	s.logger.Debug("recorded upload", "name", rec.Name, "size", rec.Size)
	return nil
}

// Count returns the number of tracked uploads.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting uploads: %w", err)
	}
	return n, nil
}

// Expired returns the names of uploads whose expiry has passed. Files
// without an expiry are never returned.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM uploads
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}
	return names, nil
}

// Remove deletes one upload record. Removing an unknown name is a no-op.
func (s *Store) Remove(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
