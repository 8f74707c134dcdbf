package manager

import (
	"context"
	"fmt"
)

// BeginTransaction waits for the transaction slot to be free, closes the
// normal engine, reopens it as the transactional handle at the same path
// and CF set, and starts a transaction on it. The auto-commit deadline is
// armed by the caller (the dispatcher), not here, since it is a
// per-request concern rather than engine-manager state.
func (m *Manager) BeginTransaction(ctx context.Context) error {
	m.txnMu.Lock()
	for m.txn != nil {
		m.txnCond.Wait()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.eng.Close(ctx); err != nil {
		m.txnMu.Unlock()
		return fmt.Errorf("close normal engine for transaction: %w", err)
	}
	if err := m.eng.Open(ctx, m.path, m.cfs, m.ttl); err != nil {
		m.txnMu.Unlock()
		return fmt.Errorf("open transactional engine: %w", err)
	}
	txn, err := m.eng.BeginTransaction(ctx)
	if err != nil {
		m.txnMu.Unlock()
		return fmt.Errorf("begin transaction: %w", err)
	}

	m.txn = txn
	m.mode = modeTxn
	m.txnMu.Unlock()
	return nil
}

func (m *Manager) endTransaction(ctx context.Context, commit bool) error {
	m.txnMu.Lock()
	txn := m.txn
	if txn == nil {
		m.txnMu.Unlock()
		return ErrNoActiveTxn
	}

	var txnErr error
	if commit {
		txnErr = txn.Commit(ctx)
	} else {
		txnErr = txn.Rollback(ctx)
	}

	m.txn = nil
	m.txnCond.Broadcast()
	m.txnMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.eng.Close(ctx); err != nil {
		return fmt.Errorf("close transactional engine: %w", err)
	}
	if err := m.eng.Open(ctx, m.path, m.cfs, m.ttl); err != nil {
		return fmt.Errorf("reopen normal engine: %w", err)
	}
	m.mode = modeNormal

	return txnErr
}

// CommitTransaction commits the active transaction, clears the slot,
// wakes any waiter, and reopens the normal engine.
func (m *Manager) CommitTransaction(ctx context.Context) error {
	return m.endTransaction(ctx, true)
}

// RollbackTransaction discards the active transaction, clears the slot,
// wakes any waiter, and reopens the normal engine.
func (m *Manager) RollbackTransaction(ctx context.Context) error {
	return m.endTransaction(ctx, false)
}
