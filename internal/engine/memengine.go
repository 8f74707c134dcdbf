package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// cfState holds one column family's live keyspace. Keys are kept in a
// sorted slice alongside a map for O(1) point lookups; the slice is what
// makes ordered, bidirectional iteration possible without a dependency on
// an external sorted-map library.
type cfState struct {
	mu     sync.RWMutex
	values map[string]string
	keys   []string // sorted ascending, kept in sync with values
	expiry map[string]time.Time
}

func newCFState() *cfState {
	return &cfState{
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
	}
}

func (s *cfState) insertKeyLocked(key string) {
	if _, exists := s.values[key]; exists {
		return
	}
	i := sort.SearchStrings(s.keys, key)
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key
}

func (s *cfState) removeKeyLocked(key string) {
	i := sort.SearchStrings(s.keys, key)
	if i < len(s.keys) && s.keys[i] == key {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
}

func (s *cfState) isLiveLocked(key string, now time.Time, ttl TTLOption) bool {
	if !ttl.Enabled {
		return true
	}
	exp, ok := s.expiry[key]
	if !ok {
		return true
	}
	return now.Before(exp)
}

// MemEngine is a pure-Go, ordered, column-family-aware implementation of
// Engine. It persists through a compressed write-ahead log
// (internal/engine/walrecord.go) replayed on Open, and writes a
// zstd-compressed segment snapshot on each CompactRange call
// (internal/engine/segment.go). It is the concrete engine this repository
// wires the dispatcher against; a deployment could substitute a different
// Engine implementation without touching any other package.
type MemEngine struct {
	mu sync.RWMutex // guards cfs, merges, open; not individual cf contents

	path   string
	ttl    TTLOption
	open   bool
	cfs    map[string]*cfState
	merges map[string]MergeFunc

	wal *walLog

	onMergeError func(cf string, operandIndex int, err error)
}

// NewMemEngine constructs an unopened engine. Call Open before use.
func NewMemEngine() *MemEngine {
	return &MemEngine{}
}

// OnMergeError registers a callback that Merge invokes when a merge
// operand fails to apply and is skipped on a column family that has no
// merge operator of its own. Merges applied through write batches,
// transactions and WAL replay do not report to it. Must be called before
// Open.
func (e *MemEngine) OnMergeError(fn func(cf string, operandIndex int, err error)) {
	e.onMergeError = fn
}

func (e *MemEngine) Open(ctx context.Context, path string, cfs []CFDescriptor, ttl TTLOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open {
		return fmt.Errorf("engine already open at %s", e.path)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	e.path = path
	e.ttl = ttl
	e.cfs = make(map[string]*cfState)
	e.merges = make(map[string]MergeFunc)

	descriptors := cfs
	hasDefault := false
	for _, d := range descriptors {
		if d.Name == DefaultCF {
			hasDefault = true
		}
	}
	if !hasDefault {
		descriptors = append(descriptors, CFDescriptor{Name: DefaultCF})
	}

	for _, d := range descriptors {
		e.cfs[d.Name] = newCFState()
		e.merges[d.Name] = d.Merge
	}

	wal, err := openWAL(filepath.Join(path, "wal.log"))
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	e.wal = wal

	if err := e.replayWALLocked(); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	e.open = true
	return nil
}

func (e *MemEngine) replayWALLocked() error {
	records, err := e.wal.ReadAll()
	if err != nil {
		return err
	}
	for _, rec := range records {
		cf, ok := e.cfs[rec.CF]
		if !ok {
			cf = newCFState()
			e.cfs[rec.CF] = cf
			if _, has := e.merges[rec.CF]; !has {
				e.merges[rec.CF] = nil
			}
		}
		cf.mu.Lock()
		switch rec.Op {
		case walOpPut:
			cf.insertKeyLocked(rec.Key)
			cf.values[rec.Key] = rec.Value
		case walOpDelete:
			cf.removeKeyLocked(rec.Key)
			delete(cf.values, rec.Key)
			delete(cf.expiry, rec.Key)
		case walOpMerge:
			existing := []byte(cf.values[rec.Key])
			merge := e.merges[rec.CF]
			if merge == nil {
				merge = NewJSONMergeOperator(nil)
			}
			merged, _ := merge(existing, [][]byte{[]byte(rec.Value)})
			cf.insertKeyLocked(rec.Key)
			cf.values[rec.Key] = string(merged)
		}
		cf.mu.Unlock()
	}
	return nil
}

func (e *MemEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open {
		return nil
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return fmt.Errorf("close wal: %w", err)
		}
	}
	e.open = false
	return nil
}

func (e *MemEngine) Path() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.path
}

func (e *MemEngine) cf(name string) (*cfState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.open {
		return nil, ErrClosed
	}
	if name == "" {
		name = DefaultCF
	}
	cf, ok := e.cfs[name]
	if !ok {
		return nil, ErrCFNotFound
	}
	return cf, nil
}

func (e *MemEngine) Put(ctx context.Context, cfName, key, value string) error {
	cf, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if err := e.wal.Append(walRecord{Op: walOpPut, CF: normalizeCF(cfName), Key: key, Value: value}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.insertKeyLocked(key)
	cf.values[key] = value
	if e.ttlSnapshot().Enabled {
		cf.expiry[key] = time.Now().Add(time.Duration(e.ttlSnapshot().Seconds) * time.Second)
	}
	return nil
}

func (e *MemEngine) ttlSnapshot() TTLOption {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ttl
}

func (e *MemEngine) Get(ctx context.Context, cfName, key string) (string, error) {
	cf, err := e.cf(cfName)
	if err != nil {
		return "", err
	}
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	if !cf.isLiveLocked(key, time.Now(), e.ttlSnapshot()) {
		return "", ErrNotFound
	}
	v, ok := cf.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (e *MemEngine) Delete(ctx context.Context, cfName, key string) error {
	cf, err := e.cf(cfName)
	if err != nil {
		return err
	}
	if err := e.wal.Append(walRecord{Op: walOpDelete, CF: normalizeCF(cfName), Key: key}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.removeKeyLocked(key)
	delete(cf.values, key)
	delete(cf.expiry, key)
	return nil
}

func (e *MemEngine) Merge(ctx context.Context, cfName, key, operand string) error {
	cf, err := e.cf(cfName)
	if err != nil {
		return err
	}
	e.mu.RLock()
	merge := e.merges[normalizeCF(cfName)]
	e.mu.RUnlock()
	if merge == nil {
		merge = NewJSONMergeOperator(func(i int, mergeErr error) {
			if e.onMergeError != nil {
				e.onMergeError(cfName, i, mergeErr)
			}
		})
	}

	if err := e.wal.Append(walRecord{Op: walOpMerge, CF: normalizeCF(cfName), Key: key, Value: operand}); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	existing := []byte(cf.values[key])
	merged, err := merge(existing, [][]byte{[]byte(operand)})
	if err != nil {
		return err
	}
	cf.insertKeyLocked(key)
	cf.values[key] = string(merged)
	return nil
}

func (e *MemEngine) GetProperty(ctx context.Context, cfName, name string) (string, error) {
	cf, err := e.cf(cfName)
	if err != nil {
		return "", err
	}
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	switch name {
	case "rocksdb.estimate-num-keys", "num-keys":
		return fmt.Sprintf("%d", len(cf.keys)), nil
	default:
		return "", nil
	}
}

func normalizeCF(cf string) string {
	if cf == "" {
		return DefaultCF
	}
	return cf
}

func (e *MemEngine) ListColumnFamilies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.cfs))
	for name := range e.cfs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *MemEngine) CreateColumnFamily(name string, merge MergeFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return ErrClosed
	}
	if _, exists := e.cfs[name]; exists {
		return nil // idempotent
	}
	e.cfs[name] = newCFState()
	e.merges[name] = merge
	return nil
}

func (e *MemEngine) DropColumnFamily(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return ErrClosed
	}
	delete(e.cfs, name)
	delete(e.merges, name)
	return nil // idempotent if absent
}

func (e *MemEngine) CompactRange(ctx context.Context, cfName string, start, end []byte) error {
	cf, err := e.cf(cfName)
	if err != nil {
		return err
	}
	return writeSegmentSnapshot(filepath.Join(e.Path(), "segments", normalizeCF(cfName)+".seg"), cf, start, end)
}

func (e *MemEngine) NewIterator(ctx context.Context, cfName string, from []byte, dir Direction) (Iterator, error) {
	cf, err := e.cf(cfName)
	if err != nil {
		return nil, err
	}
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	keys := make([]string, len(cf.keys))
	copy(keys, cf.keys)

	var startIdx int
	if from == nil {
		if dir == Forward {
			startIdx = 0
		} else {
			startIdx = len(keys) - 1
		}
	} else {
		fromStr := string(from)
		startIdx = sort.SearchStrings(keys, fromStr)
		if dir == Reverse {
			if startIdx == len(keys) || keys[startIdx] != fromStr {
				startIdx--
			}
		}
	}

	// Next() always steps the index before reading, so the pre-position
	// must sit on the opposite side of startIdx from the direction of
	// travel: one before it when moving forward, one after it when
	// moving backward.
	idxInit := startIdx - 1
	if dir == Reverse {
		idxInit = startIdx + 1
	}

	now := time.Now()
	ttl := e.ttlSnapshot()
	return &memIterator{
		cf:   cf,
		keys: keys,
		idx:  idxInit,
		dir:  dir,
		now:  now,
		ttl:  ttl,
	}, nil
}

type memIterator struct {
	cf    *cfState
	keys  []string
	idx   int
	dir   Direction
	now   time.Time
	ttl   TTLOption
	key   []byte
	value []byte
	err   error
}

func (it *memIterator) Next() bool {
	for {
		if it.dir == Forward {
			it.idx++
		} else {
			it.idx--
		}
		if it.idx < 0 || it.idx >= len(it.keys) {
			return false
		}
		k := it.keys[it.idx]
		it.cf.mu.RLock()
		live := it.cf.isLiveLocked(k, it.now, it.ttl)
		v, ok := it.cf.values[k]
		it.cf.mu.RUnlock()
		if !ok || !live {
			continue
		}
		it.key = []byte(k)
		it.value = []byte(v)
		return true
	}
}

func (it *memIterator) Key() []byte   { return it.key }
func (it *memIterator) Value() []byte { return it.value }
func (it *memIterator) Err() error    { return it.err }
func (it *memIterator) Close() error  { return nil }

func (e *MemEngine) NewWriteBatch() WriteBatch {
	return newMemWriteBatch(e)
}

func (e *MemEngine) BeginTransaction(ctx context.Context) (Txn, error) {
	return newMemTxn(e), nil
}

func (e *MemEngine) Backup() BackupEngine {
	return newFSBackupEngine(e)
}
