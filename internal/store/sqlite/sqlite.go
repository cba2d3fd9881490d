// Package sqlite is an embedded document store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/autoapply/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    body       TEXT NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(collection, updated_at);
`

// Store implements store.Store on a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a document.
func (s *Store) Save(ctx context.Context, collection, id string, record any) error {
	if err := store.ValidateKey(collection, id); err != nil {
		return err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return store.Failure("marshal", collection, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, id, string(body), time.Now().UTC(),
	)
	if err != nil {
		return store.Failure("save", collection, err)
	}
	return nil
}

// Get decodes one document.
func (s *Store) Get(ctx context.Context, collection, id string, out any) error {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound(collection, id)
	}
	if err != nil {
		return store.Failure("get", collection, err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return store.Failure("decode", collection, err)
	}
	return nil
}

// Query returns matching documents ordered by id.
func (s *Store) Query(ctx context.Context, collection string, pred store.Predicate) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE collection = ? ORDER BY id ASC`, collection)
	if err != nil {
		return nil, store.Failure("query", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, store.Failure("scan", collection, err)
		}
		raw := json.RawMessage(body)
		if pred == nil || pred(raw) {
			out = append(out, raw)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.Failure("query", collection, err)
	}
	return out, nil
}

// Backup writes a consistent copy of the database into dir and returns its
// path. The file name carries a UTC timestamp.
func (s *Store) Backup(ctx context.Context, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("autoapply-%s.db", now.UTC().Format("20060102T150405Z")))
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return "", fmt.Errorf("backup to %s: %w", dest, err)
	}
	return dest, nil
}
