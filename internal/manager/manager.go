package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rangedb/internal/engine"
)

type engineMode int

const (
	modeNormal engineMode = iota
	modeClosed
	modeTxn
)

// Manager is the single owner of the engine handle and of every piece of
// mutable state derived from it. It is safe for concurrent use by many
// dispatcher goroutines; each field group is guarded by its own lock so
// that, for example, a point read never waits on write-batch staging or
// the iterator table. Column-family creation and drop take the engine
// lock exclusively, so point reads wait for them.
type Manager struct {
	logger *zap.SugaredLogger

	mu   sync.RWMutex // guards mode, eng, path, cfs, ttl
	eng  engine.Engine
	mode engineMode
	path string
	cfs  []engine.CFDescriptor
	ttl  engine.TTLOption

	batchMu sync.Mutex
	batch   engine.WriteBatch

	itersMu    sync.Mutex
	iterators  map[int64]*cursorState
	nextIterID int64

	txnMu   sync.Mutex
	txnCond *sync.Cond
	txn     engine.Txn
}

type cursorState struct {
	cf       string
	position []byte
	dir      engine.Direction
	valid    bool
}

// New creates a manager around eng, which must be freshly constructed and
// unopened. Open must be called before any other method.
func New(eng engine.Engine, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		logger:    logger,
		eng:       eng,
		mode:      modeClosed,
		iterators: make(map[int64]*cursorState),
	}
	m.txnCond = sync.NewCond(&m.txnMu)
	return m
}

// Open opens the underlying engine at path with the given column families
// and TTL and transitions the manager into Open(Normal).
func (m *Manager) Open(ctx context.Context, path string, cfs []engine.CFDescriptor, ttl engine.TTLOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.eng.Open(ctx, path, cfs, ttl); err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	m.path = path
	m.cfs = cfs
	m.ttl = ttl
	m.mode = modeNormal
	m.logger.Infow("engine opened", "path", path)
	return nil
}

// Close closes the underlying engine and transitions to Closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.eng.Close(ctx); err != nil {
		return err
	}
	m.mode = modeClosed
	return nil
}

// Reload closes and reopens the engine at its current path, used after a
// restore to pick up restored on-disk state.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.eng.Close(ctx); err != nil {
		return fmt.Errorf("close for reload: %w", err)
	}
	if err := m.eng.Open(ctx, m.path, m.cfs, m.ttl); err != nil {
		return fmt.Errorf("reopen after reload: %w", err)
	}
	m.mode = modeNormal
	m.logger.Infow("engine reloaded", "path", m.path)
	return nil
}

// Engine exposes the underlying engine for the backup manager, which
// needs it to open a BackupEngine bound to the same data directory.
func (m *Manager) Engine() engine.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eng
}

func (m *Manager) requireNormal() error {
	if m.mode != modeNormal {
		return ErrDBClosed
	}
	return nil
}

// waitForTxn blocks until the transaction slot is occupied, then returns
// the active Txn, so txn-tagged operations issued before a transaction
// begins wait for one rather than failing.
func (m *Manager) waitForTxn() engine.Txn {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	for m.txn == nil {
		m.txnCond.Wait()
	}
	return m.txn
}

func (m *Manager) activeTxn() engine.Txn {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	return m.txn
}

func mapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == engine.ErrCFNotFound:
		return ErrCFNotFound
	case err == engine.ErrClosed:
		return ErrDBClosed
	case err == engine.ErrNotFound:
		return ErrKeyNotFound
	default:
		return err
	}
}

// Put writes key=value to cf (or the default CF). If inTxn is true and no
// transaction is active yet, it blocks until one begins.
func (m *Manager) Put(ctx context.Context, cf, key, value string, inTxn bool) error {
	if inTxn {
		txn := m.activeTxn()
		if txn == nil {
			txn = m.waitForTxn()
		}
		return mapEngineErr(txn.Put(ctx, cf, key, value))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return err
	}
	return mapEngineErr(m.eng.Put(ctx, cf, key, value))
}

// Get reads key from cf. If the key is absent, def is returned when
// non-nil; otherwise ErrKeyNotFound is returned.
func (m *Manager) Get(ctx context.Context, cf, key string, def *string, inTxn bool) (string, error) {
	if inTxn {
		txn := m.activeTxn()
		if txn == nil {
			txn = m.waitForTxn()
		}
		v, err := txn.Get(ctx, cf, key)
		if err == engine.ErrNotFound {
			if def != nil {
				return *def, nil
			}
			return "", ErrKeyNotFound
		}
		return v, mapEngineErr(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return "", err
	}
	v, err := m.eng.Get(ctx, cf, key)
	if err == engine.ErrNotFound {
		if def != nil {
			return *def, nil
		}
		return "", ErrKeyNotFound
	}
	return v, mapEngineErr(err)
}

func (m *Manager) Delete(ctx context.Context, cf, key string, inTxn bool) error {
	if inTxn {
		txn := m.activeTxn()
		if txn == nil {
			txn = m.waitForTxn()
		}
		return mapEngineErr(txn.Delete(ctx, cf, key))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return err
	}
	return mapEngineErr(m.eng.Delete(ctx, cf, key))
}

func (m *Manager) Merge(ctx context.Context, cf, key, value string, inTxn bool) error {
	if inTxn {
		txn := m.activeTxn()
		if txn == nil {
			txn = m.waitForTxn()
		}
		return mapEngineErr(txn.Merge(ctx, cf, key, value))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return err
	}
	return mapEngineErr(m.eng.Merge(ctx, cf, key, value))
}

func (m *Manager) GetProperty(ctx context.Context, cf, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return "", err
	}
	v, err := m.eng.GetProperty(ctx, cf, name)
	return v, mapEngineErr(err)
}

// GetAll scans cf from the start and returns every key whose key or value
// contains query as a substring (or every key if query is empty).
func (m *Manager) GetAll(ctx context.Context, cf, query string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return nil, err
	}

	it, err := m.eng.NewIterator(ctx, cf, nil, engine.Forward)
	if err != nil {
		return nil, mapEngineErr(err)
	}
	defer it.Close()

	var out []string
	for it.Next() {
		k := string(it.Key())
		v := string(it.Value())
		if query == "" || strings.Contains(k, query) || strings.Contains(v, query) {
			out = append(out, k)
		}
	}
	return out, mapEngineErr(it.Err())
}

// GetKeys is GetAll followed by a skip(start)/take(limit) window.
func (m *Manager) GetKeys(ctx context.Context, cf string, start, limit int, query string) ([]string, error) {
	all, err := m.GetAll(ctx, cf, query)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return []string{}, nil
	}
	end := start + limit
	if limit <= 0 {
		end = start
	}
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *Manager) ListColumnFamilies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eng.ListColumnFamilies()
}

func (m *Manager) CreateColumnFamily(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merge := engine.NewJSONMergeOperator(func(i int, err error) {
		m.logger.Warnw("merge patch operand failed, skipped", "cf", name, "operand_index", i, "error", err)
	})
	return mapEngineErr(m.eng.CreateColumnFamily(name, merge))
}

func (m *Manager) DropColumnFamily(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mapEngineErr(m.eng.DropColumnFamily(name))
}

func (m *Manager) CompactRange(ctx context.Context, cf string, start, end []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return err
	}
	return mapEngineErr(m.eng.CompactRange(ctx, cf, start, end))
}
