package manager

import "context"

// WriteBatchCreate allocates the manager's single write-batch slot. A
// second create before Destroy replaces the pending batch outright rather
// than stacking batches.
func (m *Manager) WriteBatchCreate() {
	m.mu.RLock()
	eng := m.eng
	m.mu.RUnlock()

	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	m.batch = eng.NewWriteBatch()
}

// WriteBatchDestroy discards the pending batch. After this call the slot
// is empty again until WriteBatchCreate.
func (m *Manager) WriteBatchDestroy() {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	m.batch = nil
}

func (m *Manager) WriteBatchPut(cf, key, value string) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.batch == nil {
		return ErrBatchUninitialized
	}
	m.batch.Put(cf, key, value)
	return nil
}

func (m *Manager) WriteBatchMerge(cf, key, operand string) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.batch == nil {
		return ErrBatchUninitialized
	}
	m.batch.Merge(cf, key, operand)
	return nil
}

func (m *Manager) WriteBatchDelete(cf, key string) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.batch == nil {
		return ErrBatchUninitialized
	}
	m.batch.Delete(cf, key)
	return nil
}

func (m *Manager) WriteBatchClear() error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.batch == nil {
		return ErrBatchUninitialized
	}
	m.batch.Clear()
	return nil
}

func (m *Manager) WriteBatchLen() (int, error) {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.batch == nil {
		return 0, ErrBatchUninitialized
	}
	return m.batch.Len(), nil
}

// WriteBatchWrite commits the pending batch to the engine. The batch
// itself stays allocated (but empty) afterward; only WriteBatchDestroy
// frees the slot.
func (m *Manager) WriteBatchWrite(ctx context.Context) error {
	m.batchMu.Lock()
	batch := m.batch
	m.batchMu.Unlock()
	if batch == nil {
		return ErrBatchUninitialized
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.requireNormal(); err != nil {
		return err
	}
	return mapEngineErr(batch.Write(ctx))
}
