// Package manager implements the engine manager: the single owner of the
// engine handle, the pending write batch, the iterator table, and the
// transaction slot.
package manager

import "errors"

// Sentinel errors whose Error() text is exactly the wire string the
// dispatcher forwards to clients. Errors originating from the
// engine itself are passed through verbatim instead of being mapped to
// one of these.
var (
	ErrCFNotFound         = errors.New("Column family not found")
	ErrDBClosed           = errors.New("Database is not open")
	ErrIteratorNotFound   = errors.New("Iterator ID not found")
	ErrBatchUninitialized = errors.New("WriteBatch not initialized")
	ErrNoActiveTxn        = errors.New("No active transaction")
	ErrTxnInProgress      = errors.New("Transaction already in progress")
	ErrKeyNotFound        = errors.New("Key not found")
)
