package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (snapshots table + cached_at index)
const currentSchemaVersion = 1

// SQLiteBackend persists snapshots in a local SQLite database.
// Uses WAL mode for concurrent read access during saves.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite creates or opens the snapshot database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to snapshot database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Load reads and decodes the snapshot for a store fingerprint.
// Returns (nil, nil) when no snapshot exists.
func (b *SQLiteBackend) Load(ctx context.Context, id string) (*Snapshot, error) {
	var payload string
	err := b.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots WHERE id = ?
	`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", id, err)
	}

	return decodeSnapshot(id, []byte(payload))
}

// Save upserts the snapshot. A stale version never overwrites a newer one,
// which keeps the version monotonic even if two store instances race on the
// same fingerprint.
func (b *SQLiteBackend) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot %q: marshal: %w", snap.ID, err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, payload, version, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload   = excluded.payload,
			version   = excluded.version,
			cached_at = excluded.cached_at
		WHERE excluded.version >= snapshots.version
	`,
		snap.ID,
		string(payload),
		snap.Version,
		snap.CachedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", snap.ID, err)
	}
	return nil
}

// Delete removes the snapshot for a store fingerprint.
// Deleting a missing snapshot is a no-op.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot %q: %w", id, err)
	}
	return nil
}

// List returns metadata for every stored snapshot, newest first.
func (b *SQLiteBackend) List(ctx context.Context) ([]Meta, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, version, cached_at, LENGTH(payload)
		FROM snapshots
		ORDER BY cached_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		var cachedAt string
		if err := rows.Scan(&m.ID, &m.Version, &cachedAt, &m.Bytes); err != nil {
			return nil, fmt.Errorf("scan snapshot meta: %w", err)
		}
		if m.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt); err != nil {
			return nil, fmt.Errorf("parse cached_at for %q: %w", m.ID, err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot metas: %w", err)
	}

	if metas == nil {
		metas = []Meta{}
	}
	return metas, nil
}

// Vacuum reclaims space after large deletes. Exposed for the maintenance CLI.
func (b *SQLiteBackend) Vacuum(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum snapshot database: %w", err)
	}
	return nil
}

// decodeSnapshot decodes a stored payload, rejecting corruption atomically:
// either the whole snapshot decodes or the caller gets a *CorruptError and
// no partial data.
func decodeSnapshot(id string, payload []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, &CorruptError{ID: id, Err: err}
	}
	if snap.ID != id {
		return nil, &CorruptError{ID: id, Err: fmt.Errorf("snapshot id mismatch: payload says %q", snap.ID)}
	}
	return &snap, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// No incremental migrations yet; v1 is the initial schema.

	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
