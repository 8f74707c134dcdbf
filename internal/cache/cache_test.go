package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeEngine is a minimal EngineWriter recording the Puts/Deletes the
// drain loop applies, so tests can assert the cache's durability
// guarantee (the engine either already holds the value, or a pending
// drain task will make it so) without a real engine dependency.
type fakeEngine struct {
	mu      sync.Mutex
	puts    map[string]string
	deletes map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{puts: make(map[string]string), deletes: make(map[string]bool)}
}

func (f *fakeEngine) Put(ctx context.Context, cf, key, value string, inTxn bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[cf+"/"+key] = value
	delete(f.deletes, cf+"/"+key)
	return nil
}

func (f *fakeEngine) Delete(ctx context.Context, cf, key string, inTxn bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[cf+"/"+key] = true
	delete(f.puts, cf+"/"+key)
	return nil
}

func (f *fakeEngine) get(cf, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.puts[cf+"/"+key]
	return v, ok
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestDisabledCacheIsAlwaysAMiss(t *testing.T) {
	c := New(false, time.Minute, newFakeEngine(), testLogger())
	defer c.Close()

	c.Put("k", "v", "default")
	if _, ok := c.Get("k", "default"); ok {
		t.Fatalf("Get on disabled cache = hit, want miss")
	}
}

func TestPutThenGetHitsAndRefreshesExpiry(t *testing.T) {
	eng := newFakeEngine()
	c := New(true, time.Hour, eng, testLogger())
	defer c.Close()

	c.Put("k", "v", "default")
	v, ok := c.Get("k", "default")
	if !ok || v != "v" {
		t.Fatalf("Get = %q, %v; want v, true", v, ok)
	}

	waitFor(t, func() bool {
		got, ok := eng.get("default", "k")
		return ok && got == "v"
	})
}

func TestDeleteRemovesEntryAndDrainsDelete(t *testing.T) {
	eng := newFakeEngine()
	c := New(true, time.Hour, eng, testLogger())
	defer c.Close()

	c.Put("k", "v", "default")
	waitFor(t, func() bool { _, ok := eng.get("default", "k"); return ok })

	c.Delete("k", "default")
	if _, ok := c.Get("k", "default"); ok {
		t.Fatalf("Get after Delete = hit, want miss")
	}
	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.deletes["default/k"]
	})
}

func TestClearRemovesEntryWithoutEnqueueingDelete(t *testing.T) {
	eng := newFakeEngine()
	c := New(true, time.Hour, eng, testLogger())
	defer c.Close()

	c.Put("k", "v", "default")
	waitFor(t, func() bool { _, ok := eng.get("default", "k"); return ok })

	c.Clear("k", "default")
	if _, ok := c.Get("k", "default"); ok {
		t.Fatalf("Get after Clear = hit, want miss")
	}

	// Give the drain loop a moment to (not) act; the engine's Put from
	// before Clear should remain untouched by any Delete task, since
	// Clear never enqueues one.
	time.Sleep(20 * time.Millisecond)
	if eng.deletes["default/k"] {
		t.Fatalf("Clear unexpectedly enqueued a durable delete")
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	c := New(true, time.Millisecond, newFakeEngine(), testLogger())
	defer c.Close()

	c.Put("k", "v", "default")
	time.Sleep(5 * time.Millisecond)
	c.sweepExpired()

	if _, ok := c.Get("k", "default"); ok {
		t.Fatalf("Get after sweep of expired entry = hit, want miss")
	}
}
