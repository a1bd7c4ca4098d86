package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps encoded trees as rows of a SQLite database, one per
// cache name. Several engines can share one database file.
type SQLiteBackend struct {
	db   *sql.DB
	path string
	name string
}

// OpenSQLite opens (or creates) the database at dbPath.
func OpenSQLite(dbPath, name string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS layer_cache (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		written INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteBackend{db: db, path: dbPath, name: name}, nil
}

func (b *SQLiteBackend) Location() string { return b.path + "#" + b.name }

func (b *SQLiteBackend) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT data FROM layer_cache WHERE name = ?", b.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCache
	}
	if err != nil {
		return nil, fmt.Errorf("query cache %q: %w", b.name, err)
	}
	return data, nil
}

func (b *SQLiteBackend) Store(ctx context.Context, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO layer_cache (name, version, data, written)
		VALUES (?, ?, ?, ?)
	`, b.name, FormatVersion, data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store cache %q: %w", b.name, err)
	}
	return nil
}

// Written returns when the cache row was last replaced.
func (b *SQLiteBackend) Written(ctx context.Context) (time.Time, error) {
	var nanos int64
	err := b.db.QueryRowContext(ctx, "SELECT written FROM layer_cache WHERE name = ?", b.name).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoCache
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
