// Package clustertest is a conformance suite for cluster.Provider
// implementations. Every provider runs the same tests, so the balancer logic
// built on top can rely on identical conditional-write semantics everywhere.
package clustertest

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/google/uuid"
)

// ProviderFactory creates a new Provider instance for testing.
type ProviderFactory func(t *testing.T) cluster.Provider

// RunProviderTests runs the complete Provider test suite against the provided factory.
func RunProviderTests(t *testing.T, factory ProviderFactory) {
	t.Run("Map_GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Map_PutAndGet", func(t *testing.T) { testPutAndGet(t, factory) })
	t.Run("Map_PutIfAbsent", func(t *testing.T) { testPutIfAbsent(t, factory) })
	t.Run("Map_ReplaceRequiresExpectedValue", func(t *testing.T) { testReplace(t, factory) })
	t.Run("Map_RemoveRequiresExpectedValue", func(t *testing.T) { testRemove(t, factory) })
	t.Run("Map_DeleteIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Map_EntriesIsSnapshot", func(t *testing.T) { testEntries(t, factory) })
	t.Run("Map_NamesAreIsolated", func(t *testing.T) { testIsolation(t, factory) })

	t.Run("RMW_ConcurrentUpdatesAreNotLost", func(t *testing.T) { testConcurrentRMW(t, factory) })
	t.Run("RMW_DeleteWhenEmpty", func(t *testing.T) { testRMWDelete(t, factory) })
	t.Run("RMW_KeepDoesNotWrite", func(t *testing.T) { testRMWKeep(t, factory) })
}

func newMap(t *testing.T, factory ProviderFactory) cluster.Map {
	t.Helper()
	p := factory(t)
	m, ok := p.Map("clustertest:" + uuid.NewString())
	if !ok {
		t.Fatal("provider did not return a map")
	}
	return m
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testGetMissing(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	v, ok, err := m.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || v != nil {
		t.Fatalf("expected absent key, got %q (ok=%v)", v, ok)
	}
}

func testPutAndGet(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	if err := m.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("put overwrite: %v", err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "v2" {
		t.Fatalf("expected v2, got %q (ok=%v)", v, ok)
	}
}

func testPutIfAbsent(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	existing, loaded, err := m.PutIfAbsent(ctx, "k", []byte("first"))
	if err != nil {
		t.Fatalf("put-if-absent: %v", err)
	}
	if loaded || existing != nil {
		t.Fatalf("expected store on absent key, got existing=%q loaded=%v", existing, loaded)
	}

	existing, loaded, err = m.PutIfAbsent(ctx, "k", []byte("second"))
	if err != nil {
		t.Fatalf("put-if-absent: %v", err)
	}
	if !loaded || string(existing) != "first" {
		t.Fatalf("expected existing value first, got %q loaded=%v", existing, loaded)
	}

	v, _, _ := m.Get(ctx, "k")
	if string(v) != "first" {
		t.Fatalf("value was overwritten: %q", v)
	}
}

func testReplace(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	ok, err := m.Replace(ctx, "k", []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("replace missing: %v", err)
	}
	if ok {
		t.Fatal("replace of missing key must fail")
	}

	_ = m.Put(ctx, "k", []byte("a"))
	ok, err = m.Replace(ctx, "k", []byte("stale"), []byte("b"))
	if err != nil {
		t.Fatalf("replace stale: %v", err)
	}
	if ok {
		t.Fatal("replace with stale old value must fail")
	}

	ok, err = m.Replace(ctx, "k", []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !ok {
		t.Fatal("replace with current old value must succeed")
	}
	v, _, _ := m.Get(ctx, "k")
	if string(v) != "b" {
		t.Fatalf("expected b, got %q", v)
	}
}

func testRemove(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	_ = m.Put(ctx, "k", []byte("a"))
	ok, err := m.Remove(ctx, "k", []byte("b"))
	if err != nil {
		t.Fatalf("remove stale: %v", err)
	}
	if ok {
		t.Fatal("remove with wrong expected value must fail")
	}
	ok, err = m.Remove(ctx, "k", []byte("a"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !ok {
		t.Fatal("remove with expected value must succeed")
	}
	if _, exists, _ := m.Get(ctx, "k"); exists {
		t.Fatal("key still present after remove")
	}
	ok, _ = m.Remove(ctx, "k", []byte("a"))
	if ok {
		t.Fatal("remove of missing key must fail")
	}
}

func testDelete(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	_ = m.Put(ctx, "k", []byte("a"))
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, exists, _ := m.Get(ctx, "k"); exists {
		t.Fatal("key still present after delete")
	}
}

func testEntries(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	_ = m.Put(ctx, "a", []byte("1"))
	_ = m.Put(ctx, "b", []byte("2"))

	entries, err := m.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || string(entries["a"]) != "1" || string(entries["b"]) != "2" {
		t.Fatalf("unexpected entries: %v", entries)
	}

	entries["a"] = []byte("mutated")
	v, _, _ := m.Get(ctx, "a")
	if string(v) != "1" {
		t.Fatalf("mutating entries changed the map: %q", v)
	}
}

func testIsolation(t *testing.T, factory ProviderFactory) {
	p := factory(t)
	ctx := testContext(t)
	suffix := uuid.NewString()

	a, _ := p.Map("clustertest:a:" + suffix)
	b, _ := p.Map("clustertest:b:" + suffix)
	_ = a.Put(ctx, "k", []byte("in-a"))

	if _, exists, _ := b.Get(ctx, "k"); exists {
		t.Fatal("maps with different names must not share keys")
	}
}

func testConcurrentRMW(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	const workers = 8
	const perWorker = 10

	incr := func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		n := 0
		if exists {
			var err error
			if n, err = strconv.Atoi(string(cur)); err != nil {
				return nil, cluster.Keep, err
			}
		}
		return []byte(strconv.Itoa(n + 1)), cluster.Store, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := cluster.ReadModifyWrite(ctx, m, "counter", incr); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("read-modify-write: %v", err)
	}

	v, _, _ := m.Get(ctx, "counter")
	if want := strconv.Itoa(workers * perWorker); string(v) != want {
		t.Fatalf("lost updates: expected %s, got %s", want, v)
	}
}

func testRMWDelete(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	_ = m.Put(ctx, "k", []byte("x"))
	res, err := cluster.ReadModifyWrite(ctx, m, "k", func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		return nil, cluster.Delete, nil
	})
	if err != nil {
		t.Fatalf("rmw delete: %v", err)
	}
	if res.Action != cluster.Delete {
		t.Fatalf("expected delete action, got %v", res.Action)
	}
	if _, exists, _ := m.Get(ctx, "k"); exists {
		t.Fatal("key still present")
	}

	// Deleting an absent key ends without a write.
	if _, err := cluster.ReadModifyWrite(ctx, m, "k", func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		return nil, cluster.Delete, nil
	}); err != nil {
		t.Fatalf("rmw delete absent: %v", err)
	}
}

func testRMWKeep(t *testing.T, factory ProviderFactory) {
	m := newMap(t, factory)
	ctx := testContext(t)

	_ = m.Put(ctx, "k", []byte("same"))
	calls := 0
	res, err := cluster.ReadModifyWrite(ctx, m, "k", func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		calls++
		return cur, cluster.Keep, nil
	})
	if err != nil {
		t.Fatalf("rmw keep: %v", err)
	}
	if calls != 1 || res.Retries != 0 {
		t.Fatalf("expected a single attempt, got calls=%d retries=%d", calls, res.Retries)
	}
	if !bytes.Equal(res.Value, []byte("same")) {
		t.Fatalf("expected current value in result, got %q", res.Value)
	}
}
