package saga

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func openTestBadger(t testing.TB) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerJournal_AppendAndHistory(t *testing.T) {
	db := openTestBadger(t)
	j, err := NewBadgerJournal(db, JournalOptions{})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	ctx := context.Background()

	if _, err := j.Append(ctx, JournalEntry{Kind: JournalSagaStarted}); err == nil {
		t.Error("expected error for missing saga id")
	}
	if _, err := j.Append(ctx, JournalEntry{SagaID: "saga-a"}); err == nil {
		t.Error("expected error for missing kind")
	}

	appends := []JournalEntry{
		{SagaID: "saga-a", SagaType: "OrderFulfillment", Kind: JournalSagaStarted},
		{SagaID: "saga-a", SagaType: "OrderFulfillment", Kind: JournalStepStarted, Step: "reserve_stock"},
		{SagaID: "saga-a", SagaType: "OrderFulfillment", Kind: JournalStepFailed, Step: "reserve_stock", Detail: "sku out of stock"},
	}
	for i, entry := range appends {
		seq, err := j.Append(ctx, entry)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if seq != uint64(i+1) {
			t.Errorf("Append %d sequence = %d", i, seq)
		}
	}
	// Sequences are tracked per saga.
	if seq, err := j.Append(ctx, JournalEntry{SagaID: "saga-b", Kind: JournalSagaStarted}); err != nil || seq != 1 {
		t.Fatalf("saga-b append = %d, %v", seq, err)
	}

	history, err := j.History(ctx, "saga-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	for i, entry := range history {
		if entry.Sequence != uint64(i+1) {
			t.Errorf("entry %d sequence = %d", i, entry.Sequence)
		}
		if entry.SagaID != "saga-a" || entry.SagaType != "OrderFulfillment" || entry.At.IsZero() {
			t.Errorf("entry %d = %+v", i, entry)
		}
	}
	if history[2].Kind != JournalStepFailed || history[2].Detail != "sku out of stock" {
		t.Errorf("last entry = %+v", history[2])
	}

	other, err := j.History(ctx, "saga-b")
	if err != nil || len(other) != 1 {
		t.Fatalf("saga-b history = %+v, %v", other, err)
	}
	if none, err := j.History(ctx, "saga-missing"); err != nil || len(none) != 0 {
		t.Errorf("missing saga history = %+v, %v", none, err)
	}
}

func TestBadgerJournal_PurgeResetsSequence(t *testing.T) {
	db := openTestBadger(t)
	j, err := NewBadgerJournal(db, JournalOptions{})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := j.Append(ctx, JournalEntry{SagaID: "saga-a", Kind: JournalStepCompleted}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := j.Append(ctx, JournalEntry{SagaID: "saga-b", Kind: JournalSagaStarted}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := j.Purge(ctx, "saga-a"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if history, _ := j.History(ctx, "saga-a"); len(history) != 0 {
		t.Errorf("history after purge = %+v", history)
	}
	if history, _ := j.History(ctx, "saga-b"); len(history) != 1 {
		t.Errorf("other saga history = %+v", history)
	}
	// The sequence counter goes with the entries.
	if seq, err := j.Append(ctx, JournalEntry{SagaID: "saga-a", Kind: JournalSagaStarted}); err != nil || seq != 1 {
		t.Errorf("append after purge = %d, %v", seq, err)
	}
}

func TestBadgerJournal_AsyncDrainsOnClose(t *testing.T) {
	db := openTestBadger(t)
	j, err := NewBadgerJournal(db, JournalOptions{WriteMode: JournalWriteAsync, AsyncQueueSize: 64})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := j.Append(ctx, JournalEntry{SagaID: "saga-a", Kind: JournalStepCompleted}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reader, err := NewBadgerJournal(db, JournalOptions{})
	if err != nil {
		t.Fatalf("reader journal: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	history, err := reader.History(ctx, "saga-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != n {
		t.Fatalf("history length = %d, want %d", len(history), n)
	}
	for i, entry := range history {
		if entry.Sequence != uint64(i+1) {
			t.Errorf("entry %d sequence = %d", i, entry.Sequence)
		}
	}
}

func TestBadgerJournal_AppendAfterCloseFails(t *testing.T) {
	db := openTestBadger(t)
	j, err := NewBadgerJournal(db, JournalOptions{WriteMode: JournalWriteAsync})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, err = j.Append(context.Background(), JournalEntry{SagaID: "saga-a", Kind: JournalSagaStarted})
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("append after close err = %v", err)
	}
}

func TestBadgerJournal_Validation(t *testing.T) {
	if _, err := NewBadgerJournal(nil, JournalOptions{}); err == nil {
		t.Error("expected error for nil db")
	}
	db := openTestBadger(t)
	if _, err := NewBadgerJournal(db, JournalOptions{WriteMode: "eventual"}); err == nil {
		t.Error("expected error for unknown write mode")
	}
}

func TestOpenBadgerJournal_OwnsDatabase(t *testing.T) {
	j, err := OpenBadgerJournal(t.TempDir(), JournalOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := j.Append(ctx, JournalEntry{SagaID: "saga-a", Kind: JournalSagaStarted, At: time.Now().UTC()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
