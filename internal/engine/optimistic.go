package engine

// optimistic.go implements optimistic concurrency control. Changes stay in
// the transaction's write batch; conflicts are detected at commit time by
// validating every tracked key's latest sequence number against the sequence
// observed when the transaction touched it. No locks are held during
// execution.

import (
	"sync"
	"sync/atomic"
)

// OptimisticTransactionDB wraps a DB and provides optimistic transactions.
type OptimisticTransactionDB struct {
	db           *DB
	txnIDCounter atomic.Uint64
}

// NewOptimisticTransactionDB wraps db with optimistic transaction support.
func NewOptimisticTransactionDB(db *DB) *OptimisticTransactionDB {
	return &OptimisticTransactionDB{db: db}
}

// DB returns the underlying database.
func (odb *OptimisticTransactionDB) DB() *DB {
	return odb.db
}

// BeginTransaction begins a new optimistic transaction.
func (odb *OptimisticTransactionDB) BeginTransaction() *OptimisticTransaction {
	return &OptimisticTransaction{
		odb:         odb,
		id:          odb.txnIDCounter.Add(1),
		writeBatch:  NewWriteBatch(),
		trackedKeys: make(map[string]uint64),
	}
}

// OptimisticTransaction implements a transaction with commit-time conflict
// detection.
type OptimisticTransaction struct {
	mu sync.Mutex

	odb *OptimisticTransactionDB
	id  uint64

	writeBatch *WriteBatch
	snapshot   *Snapshot

	// trackedKeys maps key -> sequence number observed when the
	// transaction first touched it (read or write).
	trackedKeys map[string]uint64

	closed bool
}

// ID returns the transaction ID.
func (txn *OptimisticTransaction) ID() uint64 {
	return txn.id
}

// Get retrieves the value for key, first from the transaction's write batch,
// then from the database. The key is tracked for commit-time validation.
func (txn *OptimisticTransaction) Get(key []byte) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return nil, ErrTransactionClosed
	}
	txn.trackKeyLocked(key)

	if val, found, deleted := txn.writeBatch.get(0, key); found {
		if deleted {
			return nil, ErrNotFound
		}
		return val, nil
	}
	ro := &ReadOptions{Snapshot: txn.snapshot}
	return txn.odb.db.Get(ro, key)
}

// Put sets the value for key within the transaction.
func (txn *OptimisticTransaction) Put(key, value []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	txn.trackKeyLocked(key)
	txn.writeBatch.Put(key, value)
	return nil
}

// Delete removes key within the transaction.
func (txn *OptimisticTransaction) Delete(key []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	txn.trackKeyLocked(key)
	txn.writeBatch.Delete(key)
	return nil
}

// SetSnapshot sets the transaction's snapshot to the current database state.
func (txn *OptimisticTransaction) SetSnapshot() {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.snapshot != nil {
		txn.odb.db.ReleaseSnapshot(txn.snapshot)
	}
	txn.snapshot = txn.odb.db.GetSnapshot()
}

// GetSnapshot returns the transaction's snapshot, or nil.
func (txn *OptimisticTransaction) GetSnapshot() *Snapshot {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.snapshot
}

// Commit validates the tracked keys and applies the write batch atomically.
// Returns ErrWriteConflict if any tracked key was modified after the
// transaction observed it.
func (txn *OptimisticTransaction) Commit() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}

	err := txn.odb.db.writeIfUnchanged(txn.writeBatch, txn.trackedKeys)
	if err != nil {
		return err
	}
	count := txn.writeBatch.Count()
	txn.closeLocked()
	txn.odb.db.logger.Debugf("[txn] committed optimistic txn %d (%d writes)", txn.id, count)
	return nil
}

// Rollback discards the transaction.
func (txn *OptimisticTransaction) Rollback() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	txn.closeLocked()
	return nil
}

// trackKeyLocked records the sequence number at which the transaction first
// touched key.
func (txn *OptimisticTransaction) trackKeyLocked(key []byte) {
	keyStr := string(key)
	if _, ok := txn.trackedKeys[keyStr]; ok {
		return
	}
	if txn.snapshot != nil {
		txn.trackedKeys[keyStr] = txn.snapshot.seq
	} else {
		txn.trackedKeys[keyStr] = txn.odb.db.seq.Load()
	}
}

func (txn *OptimisticTransaction) closeLocked() {
	if txn.snapshot != nil {
		txn.odb.db.ReleaseSnapshot(txn.snapshot)
		txn.snapshot = nil
	}
	txn.closed = true
}
