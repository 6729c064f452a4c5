package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
)

// EventStore persists one service's journal map in the shared events
// table. Values are marshaled events; the indexed columns are extracted
// on write so the admin queries stay off the payload blob. The adapter
// serves exactly one map, the per-call map name is ignored and rows are
// discriminated by the aggregate type fixed at construction.
//
// Journal keys are never reused, so a replayed flush after a retry hits
// the unique constraints and is dropped as a no-op.
type EventStore struct {
	db  *DB
	agg string
}

var _ grid.BackingStore = (*EventStore)(nil)

// NewEventStore creates the journal adapter for one aggregate type,
// typically the owning service name.
func NewEventStore(db *DB, aggregateType string) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("persistence: db is required")
	}
	if aggregateType == "" {
		return nil, fmt.Errorf("persistence: aggregate type is required")
	}
	return &EventStore{db: db, agg: aggregateType}, nil
}

const insertEventSQL = `INSERT INTO events
	(event_id, aggregate_id, aggregate_type, event_type, payload, correlation_id, saga_id, sequence, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

const deleteEventSQL = `DELETE FROM events
	WHERE aggregate_type = ? AND aggregate_id = ? AND sequence = ?`

// eventRow is one journal entry decoded into its column values.
type eventRow struct {
	eventID       string
	aggregateID   string
	eventType     string
	payload       []byte
	correlationID string
	sagaID        string
	sequence      int64
	createdAt     string
}

// decodeEntry splits a journal key and its marshaled event into the row
// shape the insert expects.
func decodeEntry(key string, value []byte) (eventRow, error) {
	psk, err := event.ParseJournalKey(key)
	if err != nil {
		return eventRow{}, fmt.Errorf("persistence: %w", err)
	}
	ev, err := event.Unmarshal(value)
	if err != nil {
		return eventRow{}, fmt.Errorf("persistence: entry %s: %w", key, err)
	}
	if ev.EventID == "" {
		return eventRow{}, fmt.Errorf("persistence: entry %s has no event id", key)
	}
	return eventRow{
		eventID:       ev.EventID,
		aggregateID:   psk.EntityKey,
		eventType:     ev.EventType,
		payload:       value,
		correlationID: ev.CorrelationID,
		sagaID:        ev.SagaID,
		sequence:      int64(psk.Sequence),
		createdAt:     ev.Timestamp.UTC().Format(timeFormat),
	}, nil
}

// Store writes one journal entry.
func (s *EventStore) Store(ctx context.Context, mapName, key string, value []byte) error {
	row, err := decodeEntry(key, value)
	if err != nil {
		return err
	}
	_, err = s.db.db.ExecContext(ctx, insertEventSQL,
		row.eventID, row.aggregateID, s.agg, row.eventType, row.payload,
		row.correlationID, row.sagaID, row.sequence, row.createdAt)
	if err != nil {
		return fmt.Errorf("persistence: store event %s: %w", key, err)
	}
	return nil
}

// StoreBatch writes a flush batch in one transaction.
func (s *EventStore) StoreBatch(ctx context.Context, mapName string, entries []grid.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]eventRow, 0, len(entries))
	deletes := make([]string, 0)
	for _, e := range entries {
		if e.Value == nil {
			deletes = append(deletes, e.Key)
			continue
		}
		row, err := decodeEntry(e.Key, e.Value)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin event batch: %w", err)
	}
	defer tx.Rollback()
	if err := s.persistEvents(ctx, tx, rows, deletes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit event batch: %w", err)
	}
	return nil
}

func (s *EventStore) persistEvents(ctx context.Context, tx *sql.Tx, rows []eventRow, deletes []string) error {
	if len(rows) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return fmt.Errorf("persistence: prepare event insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range rows {
			_, err := stmt.ExecContext(ctx,
				row.eventID, row.aggregateID, s.agg, row.eventType, row.payload,
				row.correlationID, row.sagaID, row.sequence, row.createdAt)
			if err != nil {
				return fmt.Errorf("persistence: insert event %s: %w", row.eventID, err)
			}
		}
	}
	for _, key := range deletes {
		psk, err := event.ParseJournalKey(key)
		if err != nil {
			return fmt.Errorf("persistence: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteEventSQL, s.agg, psk.EntityKey, int64(psk.Sequence)); err != nil {
			return fmt.Errorf("persistence: delete event %s: %w", key, err)
		}
	}
	return nil
}

// Load reads one journal entry by key.
func (s *EventStore) Load(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	psk, err := event.ParseJournalKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("persistence: %w", err)
	}
	var payload []byte
	err = s.db.db.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND sequence = ?`,
		s.agg, psk.EntityKey, int64(psk.Sequence)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load event %s: %w", key, err)
	}
	return payload, true, nil
}

// LoadPrefix streams journal entries in key order. Keys render the
// sequence zero-padded, so ordering by aggregate and sequence matches
// key order; the exact prefix filter runs on the rebuilt key.
func (s *EventStore) LoadPrefix(ctx context.Context, mapName, prefix string, fn func(key string, value []byte) bool) error {
	query := `SELECT aggregate_id, sequence, payload FROM events WHERE aggregate_type = ?`
	args := []any{s.agg}
	if prefix != "" {
		// Aggregate ids of matching keys sort at or after the prefix
		// cut at its first separator, and before the prefix successor.
		low := prefix
		if i := strings.Index(prefix, "#"); i >= 0 {
			low = prefix[:i]
		}
		query += ` AND aggregate_id >= ?`
		args = append(args, low)
		if high, ok := prefixUpperBound(prefix); ok {
			query += ` AND aggregate_id < ?`
			args = append(args, high)
		}
	}
	query += ` ORDER BY aggregate_id, sequence`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("persistence: scan events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var aggregateID string
		var sequence int64
		var payload []byte
		if err := rows.Scan(&aggregateID, &sequence, &payload); err != nil {
			return fmt.Errorf("persistence: scan events: %w", err)
		}
		key := event.NewKey(uint64(sequence), aggregateID).JournalKey()
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !fn(key, payload) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("persistence: scan events: %w", err)
	}
	return nil
}

// Delete removes one journal entry.
func (s *EventStore) Delete(ctx context.Context, mapName, key string) error {
	psk, err := event.ParseJournalKey(key)
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if _, err := s.db.db.ExecContext(ctx, deleteEventSQL, s.agg, psk.EntityKey, int64(psk.Sequence)); err != nil {
		return fmt.Errorf("persistence: delete event %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored journal entries for the aggregate
// type.
func (s *EventStore) Count(ctx context.Context, mapName string) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE aggregate_type = ?`, s.agg).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("persistence: count events: %w", err)
	}
	return n, nil
}
