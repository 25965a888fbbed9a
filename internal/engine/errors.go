package engine

import "errors"

// Sentinel errors returned by the engine. The harness classifies these into
// its cross-backend outcome taxonomy; everything else it treats as a bug in
// the engine under test.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrWriteConflict is returned when a key was modified after the
	// transaction's snapshot or read timestamp.
	ErrWriteConflict = errors.New("engine: write conflict - key modified after snapshot")

	// ErrLockTimeout is returned when a lock request times out.
	ErrLockTimeout = errors.New("engine: lock request timed out")

	// ErrDeadlock is returned when a lock request would deadlock.
	ErrDeadlock = errors.New("engine: deadlock detected")

	// ErrLockNotHeld is returned when unlocking a key the transaction does not hold.
	ErrLockNotHeld = errors.New("engine: lock not held by transaction")

	// ErrTransactionExpired is returned when a transaction has expired.
	ErrTransactionExpired = errors.New("engine: transaction expired")

	// ErrTransactionClosed is returned when using a committed or rolled back transaction.
	ErrTransactionClosed = errors.New("engine: transaction is closed")

	// ErrInvalidColumnGroup is returned for an out-of-range column group index.
	ErrInvalidColumnGroup = errors.New("engine: invalid column group")

	// ErrCorruptedValue is returned when a stored value fails to decode.
	ErrCorruptedValue = errors.New("engine: corrupted value")
)
