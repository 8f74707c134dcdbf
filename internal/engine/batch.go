package engine

import (
	"context"
	"sync"
)

type batchOpKind int

const (
	batchPut batchOpKind = iota
	batchMerge
	batchDelete
)

type batchOp struct {
	kind  batchOpKind
	cf    string
	key   string
	value string
}

// memWriteBatch buffers mutations and applies them to a MemEngine
// atomically on Write: either every buffered op lands or none does,
// because every referenced CF is resolved before the first mutation is
// made visible.
type memWriteBatch struct {
	mu  sync.Mutex
	eng *MemEngine
	ops []batchOp
}

func newMemWriteBatch(eng *MemEngine) *memWriteBatch {
	return &memWriteBatch{eng: eng}
}

func (b *memWriteBatch) Put(cf, key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, batchOp{kind: batchPut, cf: cf, key: key, value: value})
}

func (b *memWriteBatch) Merge(cf, key, operand string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, batchOp{kind: batchMerge, cf: cf, key: key, value: operand})
}

func (b *memWriteBatch) Delete(cf, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, batchOp{kind: batchDelete, cf: cf, key: key})
}

func (b *memWriteBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

func (b *memWriteBatch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

func (b *memWriteBatch) Write(ctx context.Context) error {
	b.mu.Lock()
	ops := make([]batchOp, len(b.ops))
	copy(ops, b.ops)
	b.mu.Unlock()

	// Resolve every referenced CF up front, so an unknown or closed CF
	// fails the whole batch before any mutation is logged or made
	// visible.
	cfs := make(map[string]*cfState)
	for _, op := range ops {
		name := normalizeCF(op.cf)
		if _, ok := cfs[name]; ok {
			continue
		}
		cf, err := b.eng.cf(name)
		if err != nil {
			return err
		}
		cfs[name] = cf
	}

	for _, op := range ops {
		name := normalizeCF(op.cf)
		switch op.kind {
		case batchPut:
			if err := b.eng.wal.Append(walRecord{Op: walOpPut, CF: name, Key: op.key, Value: op.value}); err != nil {
				return err
			}
		case batchDelete:
			if err := b.eng.wal.Append(walRecord{Op: walOpDelete, CF: name, Key: op.key}); err != nil {
				return err
			}
		case batchMerge:
			if err := b.eng.wal.Append(walRecord{Op: walOpMerge, CF: name, Key: op.key, Value: op.value}); err != nil {
				return err
			}
		}
	}

	for _, op := range ops {
		name := normalizeCF(op.cf)
		cf := cfs[name]
		cf.mu.Lock()
		switch op.kind {
		case batchPut:
			cf.insertKeyLocked(op.key)
			cf.values[op.key] = op.value
		case batchDelete:
			cf.removeKeyLocked(op.key)
			delete(cf.values, op.key)
			delete(cf.expiry, op.key)
		case batchMerge:
			b.eng.mu.RLock()
			merge := b.eng.merges[name]
			b.eng.mu.RUnlock()
			if merge == nil {
				merge = NewJSONMergeOperator(nil)
			}
			existing := []byte(cf.values[op.key])
			merged, err := merge(existing, [][]byte{[]byte(op.value)})
			if err == nil {
				cf.insertKeyLocked(op.key)
				cf.values[op.key] = string(merged)
			}
		}
		cf.mu.Unlock()
	}

	b.Clear()
	return nil
}
