package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/poiesic/docflow/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db       *sql.DB
	docs     *DocumentRepository
	jobs     *JobRepository
	entities *EntityRepository
}

var _ storage.Store = (*Store)(nil)

// Open opens a SQLite database with WAL mode and foreign keys enabled and
// creates the schema if needed. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes transactions and keeps an in-memory
	// database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		docs:     &DocumentRepository{db: db},
		jobs:     &JobRepository{db: db},
		entities: &EntityRepository{db: db},
	}, nil
}

func (s *Store) Documents() storage.DocumentRepository { return s.docs }
func (s *Store) Jobs() storage.JobRepository           { return s.jobs }
func (s *Store) Entities() storage.EntityRepository    { return s.entities }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	name TEXT NOT NULL,
	source TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_dataset ON documents(dataset_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	last_heartbeat INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_open ON jobs(document_id, stage)
	WHERE status IN ('waiting', 'active');
CREATE INDEX IF NOT EXISTS jobs_queue ON jobs(status, available_at, id);
CREATE INDEX IF NOT EXISTS jobs_document ON jobs(document_id);

CREATE TABLE IF NOT EXISTS canonical_entities (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	match_key TEXT,
	confidence REAL NOT NULL,
	source TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	owner TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(dataset_id, entity_type, normalized_name),
	UNIQUE(dataset_id, entity_type, match_key)
);

CREATE TABLE IF NOT EXISTS aliases (
	id TEXT PRIMARY KEY,
	owner_entity_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	alias_text TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	similarity REAL NOT NULL,
	match_count INTEGER NOT NULL DEFAULT 0,
	last_matched_at INTEGER NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT '',
	script TEXT NOT NULL DEFAULT '',
	alias_type TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(owner_entity_id, normalized_text),
	FOREIGN KEY(owner_entity_id) REFERENCES canonical_entities(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS aliases_form ON aliases(dataset_id, entity_type, normalized_text);

CREATE TABLE IF NOT EXISTS normalization_log (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	original_entity TEXT NOT NULL,
	normalized_to TEXT NOT NULL,
	method TEXT NOT NULL,
	confidence REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS normalization_log_dataset ON normalization_log(dataset_id, id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn in a transaction and commits it when fn succeeds.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// mapError translates driver errors into storage sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return fmt.Errorf("%w: %w", storage.ErrStorageClosed, err)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", storage.ErrDuplicateKey, err)
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	return string(data), nil
}

func fromJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString stores an empty string as NULL so UNIQUE ignores it.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
