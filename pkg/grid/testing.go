package grid

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

// EngineTestSuite defines a test suite that can be run against any Engine
// implementation.
type EngineTestSuite struct {
	NewEngine func(t *testing.T) Engine
}

// RunAllTests runs all engine tests against the provided implementation.
func (s *EngineTestSuite) RunAllTests(t *testing.T) {
	t.Run("PutGet", s.TestPutGet)
	t.Run("GetMissing", s.TestGetMissing)
	t.Run("Overwrite", s.TestOverwrite)
	t.Run("PutIfAbsent", s.TestPutIfAbsent)
	t.Run("PutIfAbsentTTL", s.TestPutIfAbsentTTL)
	t.Run("Delete", s.TestDelete)
	t.Run("DeleteMissing", s.TestDeleteMissing)
	t.Run("Apply", s.TestApply)
	t.Run("ApplyDelete", s.TestApplyDelete)
	t.Run("ApplyError", s.TestApplyError)
	t.Run("ApplyConcurrent", s.TestApplyConcurrent)
	t.Run("ScanOrder", s.TestScanOrder)
	t.Run("ScanPrefix", s.TestScanPrefix)
	t.Run("ScanEarlyStop", s.TestScanEarlyStop)
	t.Run("Size", s.TestSize)
	t.Run("ValueIsolation", s.TestValueIsolation)
	t.Run("SeparateMaps", s.TestSeparateMaps)
	t.Run("Counter", s.TestCounter)
	t.Run("CounterConcurrent", s.TestCounterConcurrent)
	t.Run("ClosedEngine", s.TestClosedEngine)
}

func (s *EngineTestSuite) newMap(t *testing.T, e Engine, name string) Map {
	t.Helper()
	m, err := e.Map(name)
	if err != nil {
		t.Fatalf("Map(%q) failed: %v", name, err)
	}
	return m
}

// TestPutGet tests basic put and get.
func (s *EngineTestSuite) TestPutGet(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "orders")

	if err := m.Put(ctx, "order-1", []byte("pending")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, ok, err := m.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected order-1 to exist")
	}
	if string(val) != "pending" {
		t.Errorf("expected pending, got %s", val)
	}
}

// TestGetMissing tests that a missing key is not an error.
func (s *EngineTestSuite) TestGetMissing(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	m := s.newMap(t, e, "orders")

	val, ok, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown key")
	}
	if val != nil {
		t.Errorf("expected nil value on miss, got %q", val)
	}
}

// TestOverwrite tests that Put replaces an existing value.
func (s *EngineTestSuite) TestOverwrite(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "orders")

	if err := m.Put(ctx, "order-1", []byte("pending")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put(ctx, "order-1", []byte("confirmed")); err != nil {
		t.Fatalf("Put (overwrite) failed: %v", err)
	}

	val, _, err := m.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "confirmed" {
		t.Errorf("expected confirmed, got %s", val)
	}
}

// TestPutIfAbsent tests first-writer-wins semantics.
func (s *EngineTestSuite) TestPutIfAbsent(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "guards")

	ok, err := m.PutIfAbsent(ctx, "req-1", []byte("a"), 0)
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first PutIfAbsent to win")
	}

	ok, err = m.PutIfAbsent(ctx, "req-1", []byte("b"), 0)
	if err != nil {
		t.Fatalf("PutIfAbsent (second) failed: %v", err)
	}
	if ok {
		t.Error("expected second PutIfAbsent to lose")
	}

	val, _, err := m.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "a" {
		t.Errorf("expected first value to survive, got %s", val)
	}
}

// TestPutIfAbsentTTL tests that expired entries free the key again.
func (s *EngineTestSuite) TestPutIfAbsentTTL(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "guards")

	ok, err := m.PutIfAbsent(ctx, "req-1", []byte("a"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first PutIfAbsent to win")
	}

	time.Sleep(120 * time.Millisecond)

	if _, ok, err := m.Get(ctx, "req-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	} else if ok {
		t.Error("expected entry to expire")
	}

	ok, err = m.PutIfAbsent(ctx, "req-1", []byte("b"), 0)
	if err != nil {
		t.Fatalf("PutIfAbsent (after expiry) failed: %v", err)
	}
	if !ok {
		t.Error("expected PutIfAbsent to win after expiry")
	}
}

// TestDelete tests delete of an existing key.
func (s *EngineTestSuite) TestDelete(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "orders")

	if err := m.Put(ctx, "order-1", []byte("pending")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Delete(ctx, "order-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, ok, err := m.Get(ctx, "order-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	} else if ok {
		t.Error("expected order-1 to be gone")
	}
}

// TestDeleteMissing tests that deleting an absent key is not an error.
func (s *EngineTestSuite) TestDeleteMissing(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	m := s.newMap(t, e, "orders")

	if err := m.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

// TestApply tests the atomic read-modify-write.
func (s *EngineTestSuite) TestApply(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "views")

	out, err := m.Apply(ctx, "view-1", func(current []byte, exists bool) ([]byte, error) {
		if exists {
			t.Error("expected absent entry on first apply")
		}
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if string(out) != "1" {
		t.Errorf("expected 1, got %s", out)
	}

	out, err = m.Apply(ctx, "view-1", func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			t.Error("expected existing entry on second apply")
		}
		n, _ := strconv.Atoi(string(current))
		return []byte(strconv.Itoa(n + 1)), nil
	})
	if err != nil {
		t.Fatalf("Apply (second) failed: %v", err)
	}
	if string(out) != "2" {
		t.Errorf("expected 2, got %s", out)
	}

	val, _, err := m.Get(ctx, "view-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "2" {
		t.Errorf("expected stored 2, got %s", val)
	}
}

// TestApplyDelete tests that a nil result removes the entry.
func (s *EngineTestSuite) TestApplyDelete(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "views")

	if err := m.Put(ctx, "view-1", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	out, err := m.Apply(ctx, "view-1", func(current []byte, exists bool) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil result, got %q", out)
	}

	if _, ok, err := m.Get(ctx, "view-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	} else if ok {
		t.Error("expected entry to be deleted")
	}
}

// TestApplyError tests that a function error aborts the write.
func (s *EngineTestSuite) TestApplyError(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "views")

	if err := m.Put(ctx, "view-1", []byte("before")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	wantErr := fmt.Errorf("no")
	_, err := m.Apply(ctx, "view-1", func(current []byte, exists bool) ([]byte, error) {
		return []byte("after"), wantErr
	})
	if err == nil {
		t.Fatal("expected error from Apply")
	}

	val, _, err := m.Get(ctx, "view-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "before" {
		t.Errorf("expected value untouched after failed apply, got %s", val)
	}
}

// TestApplyConcurrent tests that concurrent applies never lose updates.
func (s *EngineTestSuite) TestApplyConcurrent(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "counters")

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := m.Apply(ctx, "hits", func(current []byte, exists bool) ([]byte, error) {
					n := 0
					if exists {
						n, _ = strconv.Atoi(string(current))
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				if err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Apply failed: %v", err)
	}

	val, _, err := m.Get(ctx, "hits")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := strconv.Itoa(workers * perWorker)
	if string(val) != want {
		t.Errorf("expected %s, got %s", want, val)
	}
}

// TestScanOrder tests that Scan visits keys in ascending order.
func (s *EngineTestSuite) TestScanOrder(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "journal")

	keys := []string{
		"cust-9#00000000000000000002",
		"cust-9#00000000000000000010",
		"cust-9#00000000000000000001",
		"cust-9#00000000000000000003",
	}
	for _, k := range keys {
		if err := m.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	var got []string
	err := m.Scan(ctx, "cust-9#", func(key string, value []byte) bool {
		got = append(got, key)
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []string{
		"cust-9#00000000000000000001",
		"cust-9#00000000000000000002",
		"cust-9#00000000000000000003",
		"cust-9#00000000000000000010",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// TestScanPrefix tests that Scan only visits matching keys.
func (s *EngineTestSuite) TestScanPrefix(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "journal")

	puts := map[string]string{
		"cust-1#00000000000000000001": "a",
		"cust-1#00000000000000000002": "b",
		"cust-2#00000000000000000001": "c",
	}
	for k, v := range puts {
		if err := m.Put(ctx, k, []byte(v)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	count := 0
	err := m.Scan(ctx, "cust-1#", func(key string, value []byte) bool {
		count++
		if key == "cust-2#00000000000000000001" {
			t.Errorf("scan leaked key outside prefix: %s", key)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 keys under prefix, got %d", count)
	}
}

// TestScanEarlyStop tests that returning false stops iteration.
func (s *EngineTestSuite) TestScanEarlyStop(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "journal")

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k-%03d", i)
		if err := m.Put(ctx, key, []byte("v")); err != nil {
			t.Fatalf("Put(%q) failed: %v", key, err)
		}
	}

	seen := 0
	err := m.Scan(ctx, "", func(key string, value []byte) bool {
		seen++
		return seen < 3
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if seen != 3 {
		t.Errorf("expected scan to stop after 3 keys, saw %d", seen)
	}
}

// TestSize tests entry counting.
func (s *EngineTestSuite) TestSize(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "orders")

	if n, err := m.Size(ctx); err != nil {
		t.Fatalf("Size failed: %v", err)
	} else if n != 0 {
		t.Errorf("expected empty map, got %d", n)
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("order-%d", i)
		if err := m.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put(%q) failed: %v", key, err)
		}
	}
	if err := m.Delete(ctx, "order-0"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if n, err := m.Size(ctx); err != nil {
		t.Fatalf("Size failed: %v", err)
	} else if n != 4 {
		t.Errorf("expected 4 entries, got %d", n)
	}
}

// TestValueIsolation tests that callers cannot mutate stored values.
func (s *EngineTestSuite) TestValueIsolation(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	m := s.newMap(t, e, "orders")

	in := []byte("abc")
	if err := m.Put(ctx, "order-1", in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	in[0] = 'X'

	out, _, err := m.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(out) != "abc" {
		t.Errorf("stored value mutated through caller slice: %s", out)
	}

	out[0] = 'Y'
	again, _, err := m.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get (second) failed: %v", err)
	}
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %s", again)
	}
}

// TestSeparateMaps tests that maps do not share keys.
func (s *EngineTestSuite) TestSeparateMaps(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()
	a := s.newMap(t, e, "orders")
	b := s.newMap(t, e, "payments")

	if err := a.Put(ctx, "id-1", []byte("order")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, err := b.Get(ctx, "id-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	} else if ok {
		t.Error("expected maps to be disjoint")
	}

	// Same name returns the same map.
	a2 := s.newMap(t, e, "orders")
	if val, ok, err := a2.Get(ctx, "id-1"); err != nil || !ok {
		t.Fatalf("Get through second handle failed: val=%q ok=%v err=%v", val, ok, err)
	}
}

// TestCounter tests the distributed counter.
func (s *EngineTestSuite) TestCounter(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()

	c, err := e.Counter("seq")
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	if c.Name() != "seq" {
		t.Errorf("expected name seq, got %s", c.Name())
	}

	v, err := c.AddAndGet(ctx, 100)
	if err != nil {
		t.Fatalf("AddAndGet failed: %v", err)
	}
	if v != 100 {
		t.Errorf("expected 100, got %d", v)
	}

	v, err = c.AddAndGet(ctx, 100)
	if err != nil {
		t.Fatalf("AddAndGet (second) failed: %v", err)
	}
	if v != 200 {
		t.Errorf("expected 200, got %d", v)
	}

	other, err := e.Counter("other")
	if err != nil {
		t.Fatalf("Counter(other) failed: %v", err)
	}
	if v, err := other.AddAndGet(ctx, 1); err != nil || v != 1 {
		t.Errorf("expected independent counter at 1, got %d (err %v)", v, err)
	}
}

// TestCounterConcurrent tests that counter increments never collide.
func (s *EngineTestSuite) TestCounterConcurrent(t *testing.T) {
	e := s.NewEngine(t)
	defer e.Close()
	ctx := context.Background()

	c, err := e.Counter("seq")
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}

	const workers = 8
	const perWorker = 50

	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				v, err := c.AddAndGet(ctx, 1)
				if err != nil {
					t.Errorf("AddAndGet failed: %v", err)
					return
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("duplicate counter value %d", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	v, err := c.AddAndGet(ctx, 0)
	if err != nil {
		t.Fatalf("AddAndGet (final) failed: %v", err)
	}
	if v != workers*perWorker {
		t.Errorf("expected final value %d, got %d", workers*perWorker, v)
	}
}

// TestClosedEngine tests that a closed engine rejects new handles.
func (s *EngineTestSuite) TestClosedEngine(t *testing.T) {
	e := s.NewEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := e.Map("orders"); err != ErrEngineClosed {
		t.Errorf("expected ErrEngineClosed from Map, got %v", err)
	}
	if _, err := e.Counter("seq"); err != ErrEngineClosed {
		t.Errorf("expected ErrEngineClosed from Counter, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
