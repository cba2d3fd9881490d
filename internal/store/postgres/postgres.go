// Package postgres is a document store on Postgres jsonb.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements store.Store on a single jsonb table.
type Store struct {
	pool  pool
	table string
	clock jobs.Clock
}

// New connects a pgx pool and ensures the table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, nil)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, clock jobs.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{pool: p, table: table, clock: clock}, nil
}

// Migrate creates the documents table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
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
	query := fmt.Sprintf(`
INSERT INTO %s (collection, id, body, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, collection, id, body, s.clock.Now()); err != nil {
		return store.Failure("save", collection, err)
	}
	return nil
}

// Get decodes one document.
func (s *Store) Get(ctx context.Context, collection, id string, out any) error {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE collection = $1 AND id = $2`, s.table)
	var body []byte
	err := s.pool.QueryRow(ctx, query, collection, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NotFound(collection, id)
	}
	if err != nil {
		return store.Failure("get", collection, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return store.Failure("decode", collection, err)
	}
	return nil
}

// Query returns matching documents ordered by id.
func (s *Store) Query(ctx context.Context, collection string, pred store.Predicate) ([]json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE collection = $1 ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query, collection)
	if err != nil {
		return nil, store.Failure("query", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body []byte
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
