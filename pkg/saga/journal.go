package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	journalKeyPrefix = "journal:"
	journalSeqPrefix = "journal-seq:"
)

// Journal entry kinds, one per saga milestone.
const (
	JournalSagaStarted         = "saga_started"
	JournalStepStarted         = "step_started"
	JournalStepCompleted       = "step_completed"
	JournalStepFailed          = "step_failed"
	JournalStepParked          = "step_parked"
	JournalCompensationStarted = "compensation_started"
	JournalStepCompensated     = "step_compensated"
	JournalCompensationFailed  = "compensation_failed"
	JournalSagaCompleted       = "saga_completed"
	JournalSagaCompensated     = "saga_compensated"
	JournalSagaFailed          = "saga_failed"
	JournalSagaTimedOut        = "saga_timed_out"
)

// JournalEntry is one durable record of saga progress.
type JournalEntry struct {
	Sequence uint64    `json:"sequence"`
	SagaID   string    `json:"saga_id"`
	SagaType string    `json:"saga_type,omitempty"`
	Kind     string    `json:"kind"`
	Step     string    `json:"step,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Journal is an append-only execution history, kept separately from
// the shared state map so a coordinator restart can reconstruct what
// each saga did and when.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) (uint64, error)
	History(ctx context.Context, sagaID string) ([]JournalEntry, error)
	Purge(ctx context.Context, sagaID string) error
	Close() error
}

// JournalWriteMode controls whether appends flush before returning.
type JournalWriteMode string

const (
	// JournalWriteSync flushes each append before return.
	JournalWriteSync JournalWriteMode = "sync"
	// JournalWriteAsync enqueues appends and flushes in background.
	JournalWriteAsync JournalWriteMode = "async"
)

// JournalOptions configures a Badger-backed journal.
type JournalOptions struct {
	WriteMode      JournalWriteMode
	AsyncQueueSize int
}

type journalAppend struct {
	ctx   context.Context
	entry JournalEntry
}

// BadgerJournal implements Journal on top of Badger.
type BadgerJournal struct {
	db        *badger.DB
	ownsDB    bool
	writeMode JournalWriteMode

	appendCh  chan journalAppend
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenBadgerJournal opens a dedicated Badger DB for journal usage.
func OpenBadgerJournal(path string, options JournalOptions) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("saga: open journal: %w", err)
	}
	j, err := NewBadgerJournal(db, options)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.ownsDB = true
	return j, nil
}

// NewBadgerJournal creates a journal over an existing Badger DB.
func NewBadgerJournal(db *badger.DB, options JournalOptions) (*BadgerJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("saga: journal db cannot be nil")
	}
	if options.WriteMode == "" {
		options.WriteMode = JournalWriteSync
	}
	if options.AsyncQueueSize <= 0 {
		options.AsyncQueueSize = 1024
	}
	if options.WriteMode != JournalWriteSync && options.WriteMode != JournalWriteAsync {
		return nil, fmt.Errorf("saga: unsupported journal write mode: %s", options.WriteMode)
	}

	j := &BadgerJournal{
		db:        db,
		writeMode: options.WriteMode,
		stopCh:    make(chan struct{}),
	}

	if options.WriteMode == JournalWriteAsync {
		j.appendCh = make(chan journalAppend, options.AsyncQueueSize)
		j.wg.Add(1)
		go j.runAsyncWriter()
	}

	return j, nil
}

// Append writes one entry and returns its per-saga sequence number.
func (j *BadgerJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
	if entry.SagaID == "" {
		return 0, fmt.Errorf("saga: journal entry saga_id cannot be empty")
	}
	if entry.Kind == "" {
		return 0, fmt.Errorf("saga: journal entry kind cannot be empty")
	}
	select {
	case <-j.stopCh:
		return 0, fmt.Errorf("saga: journal is closed")
	default:
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	seq, err := j.nextSequence(entry.SagaID)
	if err != nil {
		return 0, err
	}
	entry.Sequence = seq

	if j.writeMode == JournalWriteAsync {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case j.appendCh <- journalAppend{ctx: ctx, entry: entry}:
			return seq, nil
		default:
			// Queue full, fall back to a synchronous write.
			if err := j.writeEntry(ctx, entry); err != nil {
				return 0, err
			}
			return seq, nil
		}
	}

	if err := j.writeEntry(ctx, entry); err != nil {
		return 0, err
	}
	return seq, nil
}

// History returns all entries for a saga in sequence order.
func (j *BadgerJournal) History(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	prefix := []byte(journalPrefixForSaga(sagaID))
	entries := make([]JournalEntry, 0)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var entry JournalEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("saga: decode journal entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Purge removes all entries for a saga.
func (j *BadgerJournal) Purge(ctx context.Context, sagaID string) error {
	prefix := []byte(journalPrefixForSaga(sagaID))
	seqKey := []byte(journalSeqKey(sagaID))
	keys := make([][]byte, 0)

	if err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		return err
	}

	return j.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		_ = txn.Delete(seqKey)
		return nil
	})
}

// Close stops the async writer, drains its queue and closes the db if
// this journal opened it. Safe to call more than once.
func (j *BadgerJournal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		if j.ownsDB {
			err = j.db.Close()
		}
	})
	return err
}

func (j *BadgerJournal) runAsyncWriter() {
	defer j.wg.Done()
	for {
		select {
		case req := <-j.appendCh:
			_ = j.writeEntry(req.ctx, req.entry)
		case <-j.stopCh:
			for {
				select {
				case req := <-j.appendCh:
					_ = j.writeEntry(req.ctx, req.entry)
				default:
					return
				}
			}
		}
	}
}

func (j *BadgerJournal) writeEntry(ctx context.Context, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("saga: marshal journal entry: %w", err)
	}
	key := []byte(journalEntryKey(entry.SagaID, entry.Sequence))

	return j.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(key, data)
	})
}

func (j *BadgerJournal) nextSequence(sagaID string) (uint64, error) {
	key := []byte(journalSeqKey(sagaID))
	var next uint64
	err := j.db.Update(func(txn *badger.Txn) error {
		current := uint64(0)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				parsed, parseErr := strconv.ParseUint(string(v), 10, 64)
				if parseErr != nil {
					return parseErr
				}
				current = parsed
				return nil
			}); err != nil {
				return err
			}
		case err == badger.ErrKeyNotFound:
			current = 0
		default:
			return err
		}

		next = current + 1
		return txn.Set(key, []byte(strconv.FormatUint(next, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("saga: next journal sequence: %w", err)
	}
	return next, nil
}

func journalPrefixForSaga(sagaID string) string {
	return fmt.Sprintf("%s%s:", journalKeyPrefix, sagaID)
}

func journalSeqKey(sagaID string) string {
	return fmt.Sprintf("%s%s", journalSeqPrefix, sagaID)
}

func journalEntryKey(sagaID string, sequence uint64) string {
	return fmt.Sprintf("%s%s:%020d", journalKeyPrefix, sagaID, sequence)
}
