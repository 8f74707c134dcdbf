package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"rangedb/internal/backup"
	"rangedb/internal/cache"
	"rangedb/internal/engine"
	"rangedb/internal/manager"
	"rangedb/internal/metrics"
	"rangedb/internal/protocol"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestDispatcher wires a Dispatcher over a fresh in-memory engine, an
// optionally-enabled cache, and a backup manager, the way cmd/rangedbd's
// serve command does, so these tests exercise the same Request ->
// Response path a client would.
func newTestDispatcher(t *testing.T, cacheEnabled bool, token string) *Dispatcher {
	t.Helper()
	eng := engine.NewMemEngine()
	mgr := manager.New(eng, testLogger())
	if err := mgr.Open(context.Background(), t.TempDir(), nil, engine.TTLOption{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	mgr.WriteBatchCreate()
	t.Cleanup(func() { mgr.Close(context.Background()) })

	c := cache.New(cacheEnabled, time.Minute, mgr, testLogger())
	t.Cleanup(c.Close)

	bm := backup.New(mgr)

	return New(mgr, c, bm, token, testLogger(), metrics.New())
}

func decodeStrings(t *testing.T, resp protocol.Response) []string {
	t.Helper()
	if resp.Result == nil {
		t.Fatalf("expected a non-nil result")
	}
	var out []string
	if err := json.Unmarshal([]byte(*resp.Result), &out); err != nil {
		t.Fatalf("decode result %q: %v", *resp.Result, err)
	}
	return out
}

// put then get round-trips the value.
func TestScenarioPutGet(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "put", Key: "k", Value: "v"})
	if !resp.Success || resp.Result != nil || resp.Error != nil {
		t.Fatalf("put = %+v, want success with null result", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "k"})
	if !resp.Success || resp.Result == nil || *resp.Result != "v" {
		t.Fatalf("get = %+v, want success result \"v\"", resp)
	}
}

// Two sequential JSON-Patch merges append to an array.
func TestScenarioMergeAppends(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	patch := `[{"op":"add","path":"/-","value":1}]`
	for i := 0; i < 2; i++ {
		resp := d.Dispatch(ctx, protocol.Request{Action: "merge", Key: "m", Value: patch})
		if !resp.Success {
			t.Fatalf("merge #%d failed: %+v", i, resp)
		}
	}

	resp := d.Dispatch(ctx, protocol.Request{Action: "get", Key: "m"})
	if !resp.Success || resp.Result == nil || *resp.Result != "[1,1]" {
		t.Fatalf("get after merge = %+v, want [1,1]", resp)
	}
}

// An iterator created before two puts observes both keys in order via
// seek then next.
func TestScenarioIteratorSeekNext(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "create_iterator"})
	if !resp.Success || resp.Result == nil || *resp.Result != "0" {
		t.Fatalf("create_iterator = %+v, want result \"0\"", resp)
	}

	d.Dispatch(ctx, protocol.Request{Action: "put", Key: "a", Value: "1"})
	d.Dispatch(ctx, protocol.Request{Action: "put", Key: "b", Value: "2"})

	resp = d.Dispatch(ctx, protocol.Request{Action: "iterator_seek", Key: "a", Options: &protocol.Options{IteratorID: "0"}})
	if !resp.Success || resp.Result == nil || *resp.Result != "a:1" {
		t.Fatalf("iterator_seek = %+v, want a:1", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "iterator_next", Options: &protocol.Options{IteratorID: "0"}})
	if !resp.Success || resp.Result == nil || *resp.Result != "b:2" {
		t.Fatalf("iterator_next = %+v, want b:2", resp)
	}
}

// A batch put-then-delete for the same key commits neither change
// visibly: the delete wins atomically.
func TestScenarioWriteBatchPutThenDelete(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	d.Dispatch(ctx, protocol.Request{Action: "write_batch_put", Key: "x", Value: "1"})
	d.Dispatch(ctx, protocol.Request{Action: "write_batch_delete", Key: "x"})
	resp := d.Dispatch(ctx, protocol.Request{Action: "write_batch_write"})
	if !resp.Success {
		t.Fatalf("write_batch_write = %+v, want success", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "x"})
	if resp.Success || resp.Error == nil || *resp.Error != "Key not found" {
		t.Fatalf("get x after batch = %+v, want Key not found", resp)
	}
}

// A rolled-back transactional put never becomes visible on the normal
// engine handle.
func TestScenarioTransactionRollback(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "begin_transaction"})
	if !resp.Success {
		t.Fatalf("begin_transaction = %+v", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "put", Key: "t", Value: "in", Txn: true})
	if !resp.Success {
		t.Fatalf("put in txn = %+v", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "rollback_transaction"})
	if !resp.Success {
		t.Fatalf("rollback_transaction = %+v", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "t"})
	if resp.Success || resp.Error == nil || *resp.Error != "Key not found" {
		t.Fatalf("get t after rollback = %+v, want Key not found", resp)
	}
}

// Non-txn ops fail with "Database is not open" while a transaction is
// open on the same server instance.
func TestTransactionBlocksNormalOps(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	d.Dispatch(ctx, protocol.Request{Action: "begin_transaction"})
	defer d.Dispatch(ctx, protocol.Request{Action: "rollback_transaction"})

	resp := d.Dispatch(ctx, protocol.Request{Action: "put", Key: "k", Value: "v"})
	if resp.Success || resp.Error == nil || *resp.Error != "Database is not open" {
		t.Fatalf("put during txn = %+v, want Database is not open", resp)
	}
}

// Restoring the latest backup rolls the engine back to the state at
// backup time, discarding later writes.
func TestScenarioBackupRestoreLatest(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	d.Dispatch(ctx, protocol.Request{Action: "put", Key: "b", Value: "before"})

	resp := d.Dispatch(ctx, protocol.Request{Action: "backup"})
	if !resp.Success {
		t.Fatalf("backup = %+v", resp)
	}

	d.Dispatch(ctx, protocol.Request{Action: "put", Key: "b", Value: "after"})

	resp = d.Dispatch(ctx, protocol.Request{Action: "restore_latest"})
	if !resp.Success {
		t.Fatalf("restore_latest = %+v", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "b"})
	if !resp.Success || resp.Result == nil || *resp.Result != "before" {
		t.Fatalf("get b after restore = %+v, want before", resp)
	}
}

// delete then get with no default reports absence even for a key that
// was never inserted.
func TestIdempotentDeleteOfMissingKey(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "delete", Key: "never-there"})
	if !resp.Success {
		t.Fatalf("delete of missing key = %+v, want success", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "never-there"})
	if resp.Success || resp.Error == nil || *resp.Error != "Key not found" {
		t.Fatalf("get after delete = %+v, want Key not found", resp)
	}
}

// CF create/drop are idempotent.
func TestColumnFamilyIdempotence(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp := d.Dispatch(ctx, protocol.Request{Action: "create_column_family", CFName: "cf1"})
		if !resp.Success {
			t.Fatalf("create_column_family #%d = %+v", i, resp)
		}
	}
	for i := 0; i < 2; i++ {
		resp := d.Dispatch(ctx, protocol.Request{Action: "drop_column_family", CFName: "cf1"})
		if !resp.Success {
			t.Fatalf("drop_column_family #%d = %+v", i, resp)
		}
	}
}

// With a configured token, a mismatched token is Unauthorized and a
// matching one is authorized; with no token, everything is authorized.
func TestAuthToken(t *testing.T) {
	d := newTestDispatcher(t, false, "secret")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "get", Key: "k", Token: "wrong"})
	if resp.Success || resp.Error == nil || *resp.Error != "Unauthorized" {
		t.Fatalf("wrong token = %+v, want Unauthorized", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "put", Key: "k", Value: "v", Token: "secret"})
	if !resp.Success {
		t.Fatalf("correct token = %+v, want success", resp)
	}

	open := newTestDispatcher(t, false, "")
	resp = open.Dispatch(ctx, protocol.Request{Action: "get", Key: "missing"})
	if resp.Success {
		t.Fatalf("no-token server unexpectedly found key: %+v", resp)
	}
	if *resp.Error != "Key not found" {
		t.Fatalf("no-token server = %+v, want pass-through to Key not found (not Unauthorized)", resp)
	}
}

func TestUnknownAction(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	resp := d.Dispatch(context.Background(), protocol.Request{Action: "frobnicate"})
	if resp.Success || resp.Error == nil || *resp.Error != "Unknown action" {
		t.Fatalf("unknown action = %+v, want Unknown action", resp)
	}
}

func TestMissingKeyFields(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	ctx := context.Background()
	for _, action := range []string{"put", "get", "delete", "merge"} {
		resp := d.Dispatch(ctx, protocol.Request{Action: action})
		if resp.Success || resp.Error == nil || *resp.Error != "Missing key" {
			t.Fatalf("%s with no key = %+v, want Missing key", action, resp)
		}
	}
}

// List-shaped results are JSON-encoded into the string result field, so
// the client double-decodes.
func TestListColumnFamiliesIsJSONEncodedIntoResult(t *testing.T) {
	d := newTestDispatcher(t, false, "")
	resp := d.Dispatch(context.Background(), protocol.Request{Action: "list_column_families"})
	if !resp.Success {
		t.Fatalf("list_column_families = %+v", resp)
	}
	names := decodeStrings(t, resp)
	found := false
	for _, n := range names {
		if n == engine.DefaultCF {
			found = true
		}
	}
	if !found {
		t.Fatalf("list_column_families = %v, want default present", names)
	}
}

// Cache-enabled path: put populates the cache and a subsequent get on the
// same dispatcher observes it immediately.
func TestCacheEnabledPutGetRoundTrip(t *testing.T) {
	d := newTestDispatcher(t, true, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "put", Key: "ck", Value: "cv"})
	if !resp.Success {
		t.Fatalf("put = %+v", resp)
	}
	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "ck"})
	if !resp.Success || resp.Result == nil || *resp.Result != "cv" {
		t.Fatalf("get = %+v, want cv", resp)
	}
}

// Merge bypasses the cache and always observes the engine directly. A get
// that cached an earlier merged value must not resurface it after a later
// merge changes the underlying document: no get between the invalidation
// and the engine merge observes a stale cached value.
func TestCacheEnabledMergeBypassesCache(t *testing.T) {
	d := newTestDispatcher(t, true, "")
	ctx := context.Background()

	resp := d.Dispatch(ctx, protocol.Request{Action: "merge", Key: "doc", Value: `[{"op":"add","path":"/-","value":1}]`})
	if !resp.Success {
		t.Fatalf("first merge = %+v", resp)
	}

	// Populate the cache with the post-first-merge value.
	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "doc"})
	if !resp.Success || resp.Result == nil || *resp.Result != "[1]" {
		t.Fatalf("get after first merge = %+v, want [1]", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "merge", Key: "doc", Value: `[{"op":"add","path":"/-","value":2}]`})
	if !resp.Success {
		t.Fatalf("second merge = %+v", resp)
	}

	resp = d.Dispatch(ctx, protocol.Request{Action: "get", Key: "doc"})
	if !resp.Success || resp.Result == nil || *resp.Result != "[1,2]" {
		t.Fatalf("get after second merge = %+v, want [1,2] (not a stale cached [1])", resp)
	}
}
