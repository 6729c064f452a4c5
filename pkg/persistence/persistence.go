// Package persistence provides the relational backing store behind the
// grid's write-behind maps: a sqlite database holding the durable event
// journal and a generic map table, exposed through grid.BackingStore
// adapters. The database is shared across services; the event table is
// discriminated by aggregate type, the map table by map name.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// pingTimeout bounds the availability check in Open.
const pingTimeout = 3 * time.Second

// timeFormat is how timestamps are rendered into TEXT columns. RFC 3339
// strings compare in time order, so the created_at index supports range
// queries directly.
const timeFormat = time.RFC3339Nano

// DB is an open handle on the backing database.
type DB struct {
	db *sql.DB
}

// Open opens the sqlite database at dsn. Pragmas ride the DSN, the
// default configuration enables WAL and a busy timeout. The pool is
// pinned to one connection: sqlite serializes writers anyway, and
// in-memory databases exist per connection.
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("persistence: dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: ping %q: %w", dsn, err)
	}
	return &DB{db: db}, nil
}

// schema holds the DDL applied by Migrate. Events carry the columns the
// admin queries index on; map entries are an opaque keyspace per map.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT NOT NULL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        BLOB NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		saga_id        TEXT NOT NULL DEFAULT '',
		sequence       INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		UNIQUE (aggregate_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_saga_id ON events (saga_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at)`,
	`CREATE TABLE IF NOT EXISTS map_entries (
		map_name   TEXT NOT NULL,
		map_key    TEXT NOT NULL,
		payload    BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (map_name, map_key)
	)`,
}

// Migrate applies the schema. Safe to call on every startup.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, and whether such a bound exists.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
