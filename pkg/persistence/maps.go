package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/grid"
)

// MapStore persists arbitrary grid maps in the shared map table, one
// row per (map name, key), latest value wins. It backs the view and
// saga maps, where only the current state matters.
type MapStore struct {
	db *DB
}

var _ grid.BackingStore = (*MapStore)(nil)

// NewMapStore creates the generic map adapter. One instance serves any
// number of maps.
func NewMapStore(db *DB) (*MapStore, error) {
	if db == nil {
		return nil, fmt.Errorf("persistence: db is required")
	}
	return &MapStore{db: db}, nil
}

const upsertMapEntrySQL = `INSERT INTO map_entries (map_name, map_key, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (map_name, map_key) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at`

const deleteMapEntrySQL = `DELETE FROM map_entries WHERE map_name = ? AND map_key = ?`

// Store upserts one entry.
func (s *MapStore) Store(ctx context.Context, mapName, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.db.ExecContext(ctx, upsertMapEntrySQL,
		mapName, key, value, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("persistence: store %s/%s: %w", mapName, key, err)
	}
	return nil
}

// StoreBatch applies a flush batch in one transaction, upserting values
// and removing nil-value entries.
func (s *MapStore) StoreBatch(ctx context.Context, mapName string, entries []grid.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin map batch: %w", err)
	}
	defer tx.Rollback()
	if err := persistMapEntries(ctx, tx, mapName, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit map batch: %w", err)
	}
	return nil
}

func persistMapEntries(ctx context.Context, tx *sql.Tx, mapName string, entries []grid.Entry) error {
	upsert, err := tx.PrepareContext(ctx, upsertMapEntrySQL)
	if err != nil {
		return fmt.Errorf("persistence: prepare map upsert: %w", err)
	}
	defer upsert.Close()

	now := time.Now().UTC().Format(timeFormat)
	for _, e := range entries {
		if e.Value == nil {
			if _, err := tx.ExecContext(ctx, deleteMapEntrySQL, mapName, e.Key); err != nil {
				return fmt.Errorf("persistence: delete %s/%s: %w", mapName, e.Key, err)
			}
			continue
		}
		if _, err := upsert.ExecContext(ctx, mapName, e.Key, e.Value, now); err != nil {
			return fmt.Errorf("persistence: store %s/%s: %w", mapName, e.Key, err)
		}
	}
	return nil
}

// Load reads one entry.
func (s *MapStore) Load(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.db.QueryRowContext(ctx,
		`SELECT payload FROM map_entries WHERE map_name = ? AND map_key = ?`,
		mapName, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load %s/%s: %w", mapName, key, err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, true, nil
}

// LoadPrefix streams entries in ascending key order.
func (s *MapStore) LoadPrefix(ctx context.Context, mapName, prefix string, fn func(key string, value []byte) bool) error {
	query := `SELECT map_key, payload FROM map_entries WHERE map_name = ?`
	args := []any{mapName}
	if prefix != "" {
		query += ` AND map_key >= ?`
		args = append(args, prefix)
		if high, ok := prefixUpperBound(prefix); ok {
			query += ` AND map_key < ?`
			args = append(args, high)
		}
	}
	query += ` ORDER BY map_key`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("persistence: scan %s: %w", mapName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return fmt.Errorf("persistence: scan %s: %w", mapName, err)
		}
		if payload == nil {
			payload = []byte{}
		}
		if !fn(key, payload) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("persistence: scan %s: %w", mapName, err)
	}
	return nil
}

// Delete removes one entry.
func (s *MapStore) Delete(ctx context.Context, mapName, key string) error {
	if _, err := s.db.db.ExecContext(ctx, deleteMapEntrySQL, mapName, key); err != nil {
		return fmt.Errorf("persistence: delete %s/%s: %w", mapName, key, err)
	}
	return nil
}

// Count returns the number of stored entries for the map.
func (s *MapStore) Count(ctx context.Context, mapName string) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM map_entries WHERE map_name = ?`, mapName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("persistence: count %s: %w", mapName, err)
	}
	return n, nil
}
