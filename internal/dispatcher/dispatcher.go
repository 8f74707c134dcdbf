// Package dispatcher implements the pure Request -> Response routing:
// authorize, look up the action, call through to the engine manager,
// cache layer, or backup manager, and wrap the result.
package dispatcher

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rangedb/internal/backup"
	"rangedb/internal/cache"
	"rangedb/internal/engine"
	"rangedb/internal/manager"
	"rangedb/internal/metrics"
	"rangedb/internal/protocol"
)

const defaultKeysLimit = 20
const txnAutoCommitDeadline = 10 * time.Second

type Dispatcher struct {
	mgr     *manager.Manager
	cache   *cache.Cache
	backup  *backup.Manager
	token   string
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func New(mgr *manager.Manager, c *cache.Cache, b *backup.Manager, token string, logger *zap.SugaredLogger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{mgr: mgr, cache: c, backup: b, token: token, logger: logger, metrics: m}
}

// Dispatch is the pure Request -> Response function the connection
// handler loops over.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()
	d.metrics.Requests.Inc()

	resp := d.route(ctx, req)

	if resp.Success {
		d.metrics.RequestSuccessTotal.Inc()
	} else {
		d.metrics.RequestFailureTotal.Inc()
	}
	d.metrics.RequestDuration.Observe(time.Since(start).Seconds())

	return resp
}

func (d *Dispatcher) route(ctx context.Context, req protocol.Request) protocol.Response {
	if d.token != "" && req.Token != d.token {
		return protocol.Err("Unauthorized")
	}

	switch req.Action {
	case "put":
		return d.handlePut(ctx, req)
	case "get":
		return d.handleGet(ctx, req)
	case "delete":
		return d.handleDelete(ctx, req)
	case "merge":
		return d.handleMerge(ctx, req)

	case "get_property":
		return d.handleGetProperty(ctx, req)
	case "keys":
		return d.handleKeys(ctx, req)
	case "all":
		return d.handleAll(ctx, req)

	case "list_column_families":
		return protocol.OkEncoded(d.mgr.ListColumnFamilies())
	case "create_column_family":
		if req.CFName == "" {
			return protocol.Err("Missing cf_name")
		}
		if err := d.mgr.CreateColumnFamily(req.CFName); err != nil {
			return protocol.Err(err.Error())
		}
		return protocol.OkNull()
	case "drop_column_family":
		if req.CFName == "" {
			return protocol.Err("Missing cf_name")
		}
		if err := d.mgr.DropColumnFamily(req.CFName); err != nil {
			return protocol.Err(err.Error())
		}
		return protocol.OkNull()

	case "compact_range":
		return d.handleCompactRange(ctx, req)

	case "write_batch_put":
		return d.wrap(d.mgr.WriteBatchPut(req.CFName, req.Key, req.Value))
	case "write_batch_merge":
		return d.wrap(d.mgr.WriteBatchMerge(req.CFName, req.Key, req.Value))
	case "write_batch_delete":
		return d.wrap(d.mgr.WriteBatchDelete(req.CFName, req.Key))
	case "write_batch_write":
		return d.wrap(d.mgr.WriteBatchWrite(ctx))
	case "write_batch_clear":
		return d.wrap(d.mgr.WriteBatchClear())
	case "write_batch_destroy":
		d.mgr.WriteBatchDestroy()
		return protocol.OkNull()

	case "create_iterator":
		id := d.mgr.CreateIterator()
		return protocol.Ok(strconv.FormatInt(id, 10))
	case "destroy_iterator":
		id, err := parseIteratorID(req.OptIteratorID())
		if err != nil {
			return protocol.Err(manager.ErrIteratorNotFound.Error())
		}
		if err := d.mgr.DestroyIterator(id); err != nil {
			return protocol.Err(err.Error())
		}
		return protocol.OkNull()
	case "iterator_seek":
		return d.handleIteratorSeek(ctx, req, engine.Forward)
	case "iterator_seek_for_prev":
		return d.handleIteratorSeekForPrev(ctx, req)
	case "iterator_next":
		return d.handleIteratorAdvance(ctx, req, d.mgr.IteratorNext)
	case "iterator_prev":
		return d.handleIteratorAdvance(ctx, req, d.mgr.IteratorPrev)

	case "backup":
		return d.wrap(d.backup.Backup(ctx))
	case "restore_latest":
		return d.wrap(d.backup.RestoreLatest(ctx))
	case "restore":
		id, _ := strconv.ParseUint(req.OptBackupID(), 10, 32)
		return d.wrap(d.backup.Restore(ctx, uint32(id)))
	case "get_backup_info":
		infos, err := d.backup.GetBackupInfo(ctx)
		if err != nil {
			return protocol.Err(err.Error())
		}
		return protocol.OkEncoded(infos)

	case "begin_transaction":
		return d.handleBeginTransaction(ctx)
	case "commit_transaction":
		return d.wrap(d.mgr.CommitTransaction(ctx))
	case "rollback_transaction":
		return d.wrap(d.mgr.RollbackTransaction(ctx))

	default:
		return protocol.Err("Unknown action")
	}
}

func (d *Dispatcher) wrap(err error) protocol.Response {
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.OkNull()
}

func normalizeCF(cf string) string {
	if cf == "" {
		return engine.DefaultCF
	}
	return cf
}

func parseIteratorID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

// handlePut always populates the cache first; only when the cache is
// disabled does it write through to the engine manager synchronously.
func (d *Dispatcher) handlePut(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.Err("Missing key")
	}
	cf := normalizeCF(req.CFName)

	if d.cache.Enabled() {
		d.cache.Put(req.Key, req.Value, cf)
		d.metrics.CacheSetTotal.Inc()
		return protocol.OkNull()
	}
	if err := d.mgr.Put(ctx, cf, req.Key, req.Value, req.Txn); err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.OkNull()
}

// handleGet consults the cache first; on a miss it reads through the
// engine manager and populates the cache.
func (d *Dispatcher) handleGet(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.Err("Missing key")
	}
	cf := normalizeCF(req.CFName)

	if d.cache.Enabled() {
		if v, ok := d.cache.Get(req.Key, cf); ok {
			d.metrics.CacheHitsTotal.Inc()
			return protocol.Ok(v)
		}
		d.metrics.CacheMissesTotal.Inc()
	}

	v, err := d.mgr.Get(ctx, cf, req.Key, req.DefaultVal(), req.Txn)
	if err != nil {
		return protocol.Err(err.Error())
	}
	if d.cache.Enabled() {
		d.cache.Put(req.Key, v, cf)
	}
	return protocol.Ok(v)
}

func (d *Dispatcher) handleDelete(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.Err("Missing key")
	}
	cf := normalizeCF(req.CFName)

	if d.cache.Enabled() {
		d.cache.Delete(req.Key, cf)
		return protocol.OkNull()
	}
	if err := d.mgr.Delete(ctx, cf, req.Key, req.Txn); err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.OkNull()
}

// handleMerge always bypasses the cache: it invalidates any cached entry
// for the key and always reaches the engine directly.
func (d *Dispatcher) handleMerge(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.Err("Missing key")
	}
	cf := normalizeCF(req.CFName)

	d.cache.Clear(req.Key, cf)
	if err := d.mgr.Merge(ctx, cf, req.Key, req.Value, req.Txn); err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.OkNull()
}

func (d *Dispatcher) handleGetProperty(ctx context.Context, req protocol.Request) protocol.Response {
	cf := normalizeCF(req.CFName)
	v, err := d.mgr.GetProperty(ctx, cf, req.Key)
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.Ok(v)
}

func (d *Dispatcher) handleAll(ctx context.Context, req protocol.Request) protocol.Response {
	cf := normalizeCF(req.CFName)
	keys, err := d.mgr.GetAll(ctx, cf, req.OptQuery())
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.OkEncoded(keys)
}

func (d *Dispatcher) handleKeys(ctx context.Context, req protocol.Request) protocol.Response {
	cf := normalizeCF(req.CFName)
	start := parseIntDefault(req.OptStart(), 0)
	limit := parseIntDefault(req.OptLimit(), defaultKeysLimit)

	keys, err := d.mgr.GetKeys(ctx, cf, start, limit, req.OptQuery())
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.OkEncoded(keys)
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (d *Dispatcher) handleCompactRange(ctx context.Context, req protocol.Request) protocol.Response {
	cf := normalizeCF(req.CFName)
	var start, end []byte
	if s := req.OptStart(); s != "" {
		start = []byte(s)
	}
	if e := req.OptEnd(); e != "" {
		end = []byte(e)
	}
	return d.wrap(d.mgr.CompactRange(ctx, cf, start, end))
}

func (d *Dispatcher) handleIteratorSeek(ctx context.Context, req protocol.Request, dir engine.Direction) protocol.Response {
	id, err := parseIteratorID(req.OptIteratorID())
	if err != nil {
		return protocol.Err(manager.ErrIteratorNotFound.Error())
	}
	cf := normalizeCF(req.CFName)
	result, err := d.mgr.IteratorSeek(ctx, id, cf, req.Key, dir)
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.Ok(result)
}

func (d *Dispatcher) handleIteratorSeekForPrev(ctx context.Context, req protocol.Request) protocol.Response {
	id, err := parseIteratorID(req.OptIteratorID())
	if err != nil {
		return protocol.Err(manager.ErrIteratorNotFound.Error())
	}
	cf := normalizeCF(req.CFName)
	result, err := d.mgr.IteratorSeekForPrev(ctx, id, cf, req.Key)
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.Ok(result)
}

func (d *Dispatcher) handleIteratorAdvance(ctx context.Context, req protocol.Request, advance func(context.Context, int64) (string, error)) protocol.Response {
	id, err := parseIteratorID(req.OptIteratorID())
	if err != nil {
		return protocol.Err(manager.ErrIteratorNotFound.Error())
	}
	result, err := advance(ctx, id)
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.Ok(result)
}

// handleBeginTransaction arms the 10-second auto-commit deadline: a
// detached timer that commits the transaction if it is still open, and
// no-ops (logged, not surfaced) if a real commit or rollback already
// cleared the slot.
func (d *Dispatcher) handleBeginTransaction(ctx context.Context) protocol.Response {
	if err := d.mgr.BeginTransaction(ctx); err != nil {
		return protocol.Err(err.Error())
	}

	time.AfterFunc(txnAutoCommitDeadline, func() {
		if err := d.mgr.CommitTransaction(context.Background()); err != nil && err != manager.ErrNoActiveTxn {
			d.logger.Warnw("auto-commit of expired transaction failed", "error", err)
		}
	})

	return protocol.OkNull()
}
