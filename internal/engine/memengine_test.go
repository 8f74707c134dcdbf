package engine

import (
	"context"
	"testing"
	"time"
)

func openTestEngine(t *testing.T, cfs []CFDescriptor, ttl TTLOption) *MemEngine {
	t.Helper()
	e := NewMemEngine()
	if err := e.Open(context.Background(), t.TempDir(), cfs, ttl); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestMemEnginePutGetDelete(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil, TTLOption{})

	if err := e.Put(ctx, "default", "a", "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := e.Get(ctx, "default", "a")
	if err != nil || v != "1" {
		t.Fatalf("Get = %q, %v; want 1, nil", v, err)
	}

	if err := e.Delete(ctx, "default", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get(ctx, "default", "a"); err != ErrNotFound {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestMemEngineUnknownCF(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil, TTLOption{})

	if err := e.Put(ctx, "nope", "a", "1"); err != ErrCFNotFound {
		t.Fatalf("Put on unknown CF = %v, want ErrCFNotFound", err)
	}
}

func TestMemEngineColumnFamilyManagement(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil, TTLOption{})

	if err := e.CreateColumnFamily("extra", nil); err != nil {
		t.Fatalf("CreateColumnFamily: %v", err)
	}
	// idempotent
	if err := e.CreateColumnFamily("extra", nil); err != nil {
		t.Fatalf("CreateColumnFamily (repeat): %v", err)
	}
	cfs := e.ListColumnFamilies()
	found := false
	for _, c := range cfs {
		if c == "extra" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListColumnFamilies = %v, want to contain extra", cfs)
	}

	if err := e.DropColumnFamily("extra"); err != nil {
		t.Fatalf("DropColumnFamily: %v", err)
	}
	// idempotent
	if err := e.DropColumnFamily("extra"); err != nil {
		t.Fatalf("DropColumnFamily (repeat): %v", err)
	}
	if err := e.Put(ctx, "extra", "k", "v"); err != ErrCFNotFound {
		t.Fatalf("Put on dropped CF = %v, want ErrCFNotFound", err)
	}
}

func TestMemEngineTTLExpiry(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil, TTLOption{Enabled: true, Seconds: 0})

	if err := e.Put(ctx, "default", "a", "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := e.Get(ctx, "default", "a"); err != ErrNotFound {
		t.Fatalf("Get expired key = %v, want ErrNotFound", err)
	}
}

func TestMemEngineIteratorForwardAndReverse(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil, TTLOption{})
	for _, k := range []string{"b", "a", "c"} {
		if err := e.Put(ctx, "default", k, k+"v"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	it, err := e.NewIterator(ctx, "default", nil, Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	it.Close()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("forward iteration = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("forward iteration = %v, want %v", got, want)
		}
	}

	rit, err := e.NewIterator(ctx, "default", nil, Reverse)
	if err != nil {
		t.Fatalf("NewIterator reverse: %v", err)
	}
	var gotRev []string
	for rit.Next() {
		gotRev = append(gotRev, string(rit.Key()))
	}
	rit.Close()
	wantRev := []string{"c", "b", "a"}
	for i := range wantRev {
		if gotRev[i] != wantRev[i] {
			t.Fatalf("reverse iteration = %v, want %v", gotRev, wantRev)
		}
	}
}

func TestMemEngineWALReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e1 := NewMemEngine()
	if err := e1.Open(ctx, dir, nil, TTLOption{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e1.Put(ctx, "default", "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e1.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := NewMemEngine()
	if err := e2.Open(ctx, dir, nil, TTLOption{}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close(ctx)

	v, err := e2.Get(ctx, "default", "k")
	if err != nil || v != "v" {
		t.Fatalf("Get after replay = %q, %v; want v, nil", v, err)
	}
}

func TestMemEngineCompactRange(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil, TTLOption{})
	if err := e.Put(ctx, "default", "a", "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.CompactRange(ctx, "default", nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}
}
