package engine

import (
	"time"

	"github.com/aalhour/txnstress/internal/logging"
)

// Options configures a DB instance.
type Options struct {
	// ColumnGroups is the number of column groups (at least 1; group 0 is
	// the default group).
	ColumnGroups int

	// Compression selects the codec applied to stored values above the
	// compression threshold.
	Compression CompressionType

	// Logger receives engine diagnostics. Nil means a default WARN logger.
	Logger logging.Logger
}

// DefaultOptions returns the default DB options.
func DefaultOptions() *Options {
	return &Options{
		ColumnGroups: 1,
		Compression:  SnappyCompression,
	}
}

// ReadOptions configures read operations.
type ReadOptions struct {
	// Snapshot pins the read to a fixed sequence number. Nil reads the
	// latest committed state.
	Snapshot *Snapshot
}

// TransactionDBOptions configures a TransactionDB.
type TransactionDBOptions struct {
	// TransactionLockTimeout is the default lock timeout for transactions.
	TransactionLockTimeout time.Duration
}

// DefaultTransactionDBOptions returns default options.
func DefaultTransactionDBOptions() TransactionDBOptions {
	return TransactionDBOptions{
		TransactionLockTimeout: 5 * time.Second,
	}
}

// PessimisticTransactionOptions configures a pessimistic transaction.
type PessimisticTransactionOptions struct {
	// SetSnapshot determines if the transaction should set a snapshot at creation.
	SetSnapshot bool

	// LockTimeout is the timeout for acquiring locks. Zero uses the
	// TransactionDB default.
	LockTimeout time.Duration

	// Expiration is the transaction expiration time (0 = no expiration).
	Expiration time.Duration
}

// DefaultPessimisticTransactionOptions returns default options.
func DefaultPessimisticTransactionOptions() PessimisticTransactionOptions {
	return PessimisticTransactionOptions{
		SetSnapshot: false,
		LockTimeout: 0,
		Expiration:  0,
	}
}
