package engine

import (
	"context"
	"fmt"
	"sync"
)

type txnOpKind int

const (
	txnPut txnOpKind = iota
	txnDelete
	txnMerge
)

type txnOp struct {
	kind  txnOpKind
	cf    string
	key   string
	value string
}

// memTxn is a pessimistic transaction over a MemEngine. Writes are
// buffered in an overlay and only become visible to other readers at
// Commit, applied under the same per-CF locks the write batch uses so
// commit is atomic with respect to concurrent Puts/Gets on the same
// engine. Reads made through the transaction see their own uncommitted
// writes (read-your-writes) layered over the last-committed state.
type memTxn struct {
	mu      sync.Mutex
	eng     *MemEngine
	ops     []txnOp
	overlay map[string]map[string]*string // cf -> key -> value (nil = deleted)
	done    bool
}

func newMemTxn(eng *MemEngine) *memTxn {
	return &memTxn{
		eng:     eng,
		overlay: make(map[string]map[string]*string),
	}
}

func (t *memTxn) Put(ctx context.Context, cf, key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already committed or rolled back")
	}
	name := normalizeCF(cf)
	t.ops = append(t.ops, txnOp{kind: txnPut, cf: name, key: key, value: value})
	t.setOverlayLocked(name, key, &value)
	return nil
}

func (t *memTxn) Delete(ctx context.Context, cf, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already committed or rolled back")
	}
	name := normalizeCF(cf)
	t.ops = append(t.ops, txnOp{kind: txnDelete, cf: name, key: key})
	t.setOverlayLocked(name, key, nil)
	return nil
}

func (t *memTxn) Merge(ctx context.Context, cf, key, operand string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already committed or rolled back")
	}
	name := normalizeCF(cf)

	existing := t.readLocked(name, key)
	var existingBytes []byte
	if existing != nil {
		existingBytes = []byte(*existing)
	}

	merge := t.eng.merges[name]
	if merge == nil {
		merge = NewJSONMergeOperator(nil)
	}
	merged, err := merge(existingBytes, [][]byte{[]byte(operand)})
	if err != nil {
		return err
	}
	mergedStr := string(merged)
	t.ops = append(t.ops, txnOp{kind: txnMerge, cf: name, key: key, value: operand})
	t.setOverlayLocked(name, key, &mergedStr)
	return nil
}

func (t *memTxn) setOverlayLocked(cf, key string, value *string) {
	if t.overlay[cf] == nil {
		t.overlay[cf] = make(map[string]*string)
	}
	t.overlay[cf][key] = value
}

func (t *memTxn) readLocked(cf, key string) *string {
	if layer, ok := t.overlay[cf]; ok {
		if v, ok := layer[key]; ok {
			return v
		}
	}
	cfState, err := t.eng.cf(cf)
	if err != nil {
		return nil
	}
	cfState.mu.RLock()
	defer cfState.mu.RUnlock()
	if v, ok := cfState.values[key]; ok {
		return &v
	}
	return nil
}

func (t *memTxn) Get(ctx context.Context, cf, key string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return "", fmt.Errorf("transaction already committed or rolled back")
	}
	v := t.readLocked(normalizeCF(cf), key)
	if v == nil {
		return "", ErrNotFound
	}
	return *v, nil
}

func (t *memTxn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already committed or rolled back")
	}
	t.done = true

	for _, op := range t.ops {
		var rec walRecord
		switch op.kind {
		case txnPut:
			rec = walRecord{Op: walOpPut, CF: op.cf, Key: op.key, Value: op.value}
		case txnDelete:
			rec = walRecord{Op: walOpDelete, CF: op.cf, Key: op.key}
		case txnMerge:
			rec = walRecord{Op: walOpMerge, CF: op.cf, Key: op.key, Value: op.value}
		}
		if err := t.eng.wal.Append(rec); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
	}

	for cfName, layer := range t.overlay {
		cfState, err := t.eng.cf(cfName)
		if err != nil {
			continue
		}
		cfState.mu.Lock()
		for key, value := range layer {
			if value == nil {
				cfState.removeKeyLocked(key)
				delete(cfState.values, key)
				delete(cfState.expiry, key)
			} else {
				cfState.insertKeyLocked(key)
				cfState.values[key] = *value
			}
		}
		cfState.mu.Unlock()
	}
	return nil
}

func (t *memTxn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already committed or rolled back")
	}
	t.done = true
	t.overlay = nil
	t.ops = nil
	return nil
}
