// Package snapshotstore records per-file content history so fs_create,
// fs_patch, and fs_remove can be undone by fs_undo. Grounded on the
// teacher's internal/delta.Tracker (SQLite-backed file_deltas table), but
// re-keyed by absolute file path rather than (session, turn), since spec's
// fs_undo restores "the most recent snapshot" for a path with no turn
// concept in its Tool Executor contract.
package snapshotstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// ErrNoSnapshot is returned by Undo when a path has no recorded history.
var ErrNoSnapshot = errors.New("no snapshot available for path")

// Store persists file content snapshots to SQLite, one row per recorded
// change, most-recent-first per path.
type Store struct {
	db *sql.DB
}

// Open wraps an already-open database handle as a snapshot Store and ensures
// its schema exists.
func Open(db *sql.DB) (*Store, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS file_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	op TEXT NOT NULL,
	old_content BLOB,
	created INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_file_snapshots_path ON file_snapshots(file_path, id DESC);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("snapshotstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordModify stores content as the pre-edit state of path, so Undo can
// restore it.
func (s *Store) RecordModify(path string, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO file_snapshots (file_path, op, old_content) VALUES (?, 'modify', ?)`,
		path, content,
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: record modify for %q: %w", path, err)
	}
	return nil
}

// RecordCreate notes that path did not exist before this turn's create, so
// Undo removes it rather than restoring content.
func (s *Store) RecordCreate(path string) error {
	_, err := s.db.Exec(
		`INSERT INTO file_snapshots (file_path, op, old_content) VALUES (?, 'create', NULL)`,
		path,
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: record create for %q: %w", path, err)
	}
	return nil
}

// Undo restores the most recent recorded snapshot for path: a modify
// snapshot rewrites the file to old_content, a create snapshot removes the
// file. Returns the file's content before and after the undo.
func (s *Store) Undo(path string) (before, after string, err error) {
	row := s.db.QueryRow(
		`SELECT id, op, old_content FROM file_snapshots WHERE file_path = ? ORDER BY id DESC LIMIT 1`,
		path,
	)
	var id int64
	var op string
	var oldContent sql.NullString
	if err := row.Scan(&id, &op, &oldContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNoSnapshot
		}
		return "", "", fmt.Errorf("snapshotstore: lookup snapshot for %q: %w", path, err)
	}

	currentBytes, readErr := os.ReadFile(path)
	if readErr == nil {
		before = string(currentBytes)
	}

	switch op {
	case "modify":
		after = oldContent.String
		if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
			return before, "", fmt.Errorf("snapshotstore: restore %q: %w", path, err)
		}
	case "create":
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return before, "", fmt.Errorf("snapshotstore: remove %q: %w", path, err)
		}
		after = ""
	default:
		return before, "", fmt.Errorf("snapshotstore: unknown op %q for %q", op, path)
	}

	if _, err := s.db.Exec(`DELETE FROM file_snapshots WHERE id = ?`, id); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("failed to clear consumed snapshot")
	}
	return before, after, nil
}
