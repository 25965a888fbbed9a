package engine

// pessimistic.go implements pessimistic concurrency control.
//
// PessimisticTransaction acquires locks before modifying data, preventing
// conflicts through two-phase locking rather than commit-time detection:
// locks grow until commit or rollback, then all are released.

import (
	"sync"
	"sync/atomic"
	"time"
)

// txnState tracks a transaction's lifecycle.
type txnState int

const (
	txnStateStarted txnState = iota
	txnStatePrepared
	txnStateCommitted
	txnStateRolledBack
)

// TransactionDB wraps a DB and provides pessimistic transactions.
type TransactionDB struct {
	db          *DB
	lockManager *LockManager

	txnIDCounter atomic.Uint64

	opts TransactionDBOptions
}

// NewTransactionDB wraps db with pessimistic transaction support.
func NewTransactionDB(db *DB, opts TransactionDBOptions) *TransactionDB {
	if opts.TransactionLockTimeout == 0 {
		opts.TransactionLockTimeout = DefaultTransactionDBOptions().TransactionLockTimeout
	}
	return &TransactionDB{
		db:          db,
		lockManager: NewLockManager(opts.TransactionLockTimeout),
		opts:        opts,
	}
}

// DB returns the underlying database.
func (tdb *TransactionDB) DB() *DB {
	return tdb.db
}

// LockManager returns the lock manager shared by this DB's transactions.
func (tdb *TransactionDB) LockManager() *LockManager {
	return tdb.lockManager
}

// BeginTransaction begins a new pessimistic transaction.
func (tdb *TransactionDB) BeginTransaction(opts PessimisticTransactionOptions) *PessimisticTransaction {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = tdb.opts.TransactionLockTimeout
	}
	txn := &PessimisticTransaction{
		tdb:         tdb,
		id:          tdb.txnIDCounter.Add(1),
		writeBatch:  NewWriteBatch(),
		lockedKeys:  make(map[string]LockType),
		trackedKeys: make(map[string]uint64),
		opts:        opts,
	}
	if opts.SetSnapshot {
		txn.snapshot = tdb.db.GetSnapshot()
	}
	if opts.Expiration > 0 {
		txn.expirationTime = time.Now().Add(opts.Expiration)
	}
	return txn
}

// PessimisticTransaction implements a transaction with pessimistic
// concurrency control (2PL over the lock manager).
type PessimisticTransaction struct {
	mu sync.Mutex

	tdb *TransactionDB
	id  uint64

	writeBatch *WriteBatch
	snapshot   *Snapshot
	lockedKeys map[string]LockType

	// trackedKeys records the sequence number at which each key was read.
	// A later locked write validates against it, so an increment based on a
	// stale read surfaces as ErrWriteConflict instead of a lost update.
	trackedKeys map[string]uint64

	opts  PessimisticTransactionOptions
	state txnState

	expired        bool
	expirationTime time.Time
}

// ID returns the transaction ID.
func (txn *PessimisticTransaction) ID() uint64 {
	return txn.id
}

// Get retrieves the value for key. It does NOT acquire a lock
// (use GetForUpdate for that).
func (txn *PessimisticTransaction) Get(key []byte) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkState(); err != nil {
		return nil, err
	}
	return txn.readLocked(key)
}

// GetForUpdate acquires an exclusive lock and retrieves the value for key.
// The lock is held until commit or rollback, so a later Put cannot hit a
// concurrent-writer conflict.
func (txn *PessimisticTransaction) GetForUpdate(key []byte) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkState(); err != nil {
		return nil, err
	}
	if err := txn.lockAndValidate(key); err != nil {
		return nil, err
	}
	return txn.readLocked(key)
}

// Put acquires an exclusive lock and sets the value for key.
func (txn *PessimisticTransaction) Put(key, value []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkState(); err != nil {
		return err
	}
	if err := txn.lockAndValidate(key); err != nil {
		return err
	}
	txn.writeBatch.Put(key, value)
	return nil
}

// Delete acquires an exclusive lock and removes key.
func (txn *PessimisticTransaction) Delete(key []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkState(); err != nil {
		return err
	}
	if err := txn.lockAndValidate(key); err != nil {
		return err
	}
	txn.writeBatch.Delete(key)
	return nil
}

// SetSnapshot sets the transaction's snapshot to the current state.
func (txn *PessimisticTransaction) SetSnapshot() {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.snapshot != nil {
		txn.tdb.db.ReleaseSnapshot(txn.snapshot)
	}
	txn.snapshot = txn.tdb.db.GetSnapshot()
}

// GetSnapshot returns the transaction's snapshot, or nil.
func (txn *PessimisticTransaction) GetSnapshot() *Snapshot {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.snapshot
}

// Prepare performs the first phase of a two-phase commit: it validates that
// the transaction is still live and pins it so only Commit or Rollback can
// follow.
func (txn *PessimisticTransaction) Prepare() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	switch txn.state {
	case txnStateCommitted, txnStateRolledBack:
		return ErrTransactionClosed
	}
	if txn.isExpired() {
		return ErrTransactionExpired
	}
	txn.state = txnStatePrepared
	return nil
}

// Commit applies the write batch and releases all locks.
// Committing an expired transaction fails with ErrTransactionExpired and
// discards its writes.
func (txn *PessimisticTransaction) Commit() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	switch txn.state {
	case txnStateCommitted, txnStateRolledBack:
		return ErrTransactionClosed
	}
	if txn.isExpired() {
		txn.closeLocked(txnStateRolledBack)
		return ErrTransactionExpired
	}

	if txn.writeBatch.Count() > 0 {
		if err := txn.tdb.db.Write(txn.writeBatch); err != nil {
			txn.closeLocked(txnStateRolledBack)
			return err
		}
	}
	count := txn.writeBatch.Count()
	txn.closeLocked(txnStateCommitted)
	txn.tdb.db.logger.Debugf("[txn] committed txn %d (%d writes)", txn.id, count)
	return nil
}

// Rollback discards the transaction and releases all locks.
func (txn *PessimisticTransaction) Rollback() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	switch txn.state {
	case txnStateCommitted, txnStateRolledBack:
		return ErrTransactionClosed
	}
	txn.closeLocked(txnStateRolledBack)
	txn.tdb.db.logger.Debugf("[txn] rolled back txn %d", txn.id)
	return nil
}

// NumLocks returns the number of locks held by this transaction.
func (txn *PessimisticTransaction) NumLocks() int {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return len(txn.lockedKeys)
}

// IsExpired returns true if the transaction has expired.
func (txn *PessimisticTransaction) IsExpired() bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.isExpired()
}

// checkState rejects operations on a finalized or prepared transaction.
// After Prepare, only Commit or Rollback are legal.
func (txn *PessimisticTransaction) checkState() error {
	if txn.state != txnStateStarted {
		return ErrTransactionClosed
	}
	if txn.isExpired() {
		return ErrTransactionExpired
	}
	return nil
}

func (txn *PessimisticTransaction) isExpired() bool {
	if txn.expired {
		return true
	}
	if txn.opts.Expiration > 0 && time.Now().After(txn.expirationTime) {
		txn.expired = true
	}
	return txn.expired
}

// readLocked resolves key through the write batch, then the database at the
// transaction's snapshot, recording the sequence number the read observed.
func (txn *PessimisticTransaction) readLocked(key []byte) ([]byte, error) {
	if val, found, deleted := txn.writeBatch.get(0, key); found {
		if deleted {
			return nil, ErrNotFound
		}
		return val, nil
	}
	keyStr := string(key)
	if _, ok := txn.trackedKeys[keyStr]; !ok {
		if txn.snapshot != nil {
			txn.trackedKeys[keyStr] = txn.snapshot.seq
		} else {
			txn.trackedKeys[keyStr] = txn.tdb.db.seq.Load()
		}
	}
	ro := &ReadOptions{Snapshot: txn.snapshot}
	return txn.tdb.db.Get(ro, key)
}

// lockAndValidate acquires an exclusive lock on key and rejects the
// operation if the key changed after the sequence this transaction read it
// at (or after its snapshot). Once the lock is held the validation point
// moves to the current sequence: nothing can change the key underneath us.
func (txn *PessimisticTransaction) lockAndValidate(key []byte) error {
	keyStr := string(key)
	if held, ok := txn.lockedKeys[keyStr]; !ok || held != LockTypeExclusive {
		err := txn.tdb.lockManager.Lock(txn.id, key, LockTypeExclusive, txn.opts.LockTimeout)
		if err != nil {
			return err
		}
		txn.lockedKeys[keyStr] = LockTypeExclusive
	}

	baseline, tracked := txn.trackedKeys[keyStr]
	if !tracked && txn.snapshot != nil {
		baseline, tracked = txn.snapshot.seq, true
	}
	if tracked && txn.tdb.db.LatestSeq(key) > baseline {
		_ = txn.tdb.lockManager.Unlock(txn.id, key)
		delete(txn.lockedKeys, keyStr)
		delete(txn.trackedKeys, keyStr)
		return ErrWriteConflict
	}
	txn.trackedKeys[keyStr] = txn.tdb.db.seq.Load()
	return nil
}

// closeLocked releases locks and the snapshot, and finalizes the state.
func (txn *PessimisticTransaction) closeLocked(final txnState) {
	txn.tdb.lockManager.UnlockAll(txn.id)
	txn.lockedKeys = make(map[string]LockType)
	if txn.snapshot != nil {
		txn.tdb.db.ReleaseSnapshot(txn.snapshot)
		txn.snapshot = nil
	}
	txn.state = final
}
