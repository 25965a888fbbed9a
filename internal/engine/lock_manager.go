package engine

// lock_manager.go implements the point-lock manager used by pessimistic
// transactions. Locks are shared or exclusive per key, waiters queue FIFO,
// and a wait-for graph catches deadlocks before a request starts waiting.

import (
	"sync"
	"time"
)

// LockType represents the type of lock.
type LockType int

const (
	// LockTypeShared allows multiple readers but no writers.
	LockTypeShared LockType = iota
	// LockTypeExclusive allows only one holder.
	LockTypeExclusive
)

// String returns a string representation of the lock type.
func (lt LockType) String() string {
	switch lt {
	case LockTypeShared:
		return "Shared"
	case LockTypeExclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// lockRequest is a pending lock request.
type lockRequest struct {
	txnID    uint64
	lockType LockType
	granted  bool
	waiting  chan struct{} // closed when the lock is granted
}

// lockInfo holds the lock state for a single key.
type lockInfo struct {
	// holders are transactions currently holding a lock on this key.
	// Shared locks allow multiple holders; exclusive locks exactly one.
	holders map[uint64]LockType

	// waitQueue is the ordered list of pending requests.
	waitQueue []*lockRequest
}

// LockManager manages point locks for pessimistic transactions.
type LockManager struct {
	mu sync.Mutex

	// locks maps key -> lock state.
	locks map[string]*lockInfo

	// waitFor maps txnID -> set of txnIDs it waits on, for deadlock detection.
	waitFor map[uint64]map[uint64]struct{}

	// txnLocks maps txnID -> keys it holds locks on, for bulk unlock.
	txnLocks map[uint64]map[string]struct{}

	defaultTimeout time.Duration
}

// NewLockManager creates a new lock manager.
func NewLockManager(defaultTimeout time.Duration) *LockManager {
	if defaultTimeout == 0 {
		defaultTimeout = 5 * time.Second
	}
	return &LockManager{
		locks:          make(map[string]*lockInfo),
		waitFor:        make(map[uint64]map[uint64]struct{}),
		txnLocks:       make(map[uint64]map[string]struct{}),
		defaultTimeout: defaultTimeout,
	}
}

// Lock acquires a lock on key for the transaction, waiting up to timeout.
// Returns ErrDeadlock if waiting would create a cycle, ErrLockTimeout if the
// timeout expires first.
func (lm *LockManager) Lock(txnID uint64, key []byte, lockType LockType, timeout time.Duration) error {
	if timeout == 0 {
		timeout = lm.defaultTimeout
	}
	keyStr := string(key)

	lm.mu.Lock()
	li := lm.lockInfoLocked(keyStr)

	if lm.canGrantLocked(li, txnID, lockType) {
		lm.grantLocked(li, txnID, keyStr, lockType)
		lm.mu.Unlock()
		return nil
	}

	blocking := make(map[uint64]struct{}, len(li.holders))
	for holder := range li.holders {
		if holder != txnID {
			blocking[holder] = struct{}{}
		}
	}
	if lm.wouldDeadlockLocked(txnID, blocking) {
		lm.mu.Unlock()
		return ErrDeadlock
	}

	if _, ok := lm.waitFor[txnID]; !ok {
		lm.waitFor[txnID] = make(map[uint64]struct{})
	}
	for target := range blocking {
		lm.waitFor[txnID][target] = struct{}{}
	}

	req := &lockRequest{
		txnID:    txnID,
		lockType: lockType,
		waiting:  make(chan struct{}),
	}
	li.waitQueue = append(li.waitQueue, req)
	lm.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-req.waiting:
		return nil
	case <-timer.C:
		lm.mu.Lock()
		defer lm.mu.Unlock()
		if req.granted {
			// Granted between timer fire and reacquiring the mutex.
			return nil
		}
		lm.dropWaiterLocked(keyStr, req)
		delete(lm.waitFor, txnID)
		return ErrLockTimeout
	}
}

// TryLock acquires the lock without waiting. Returns true on success.
func (lm *LockManager) TryLock(txnID uint64, key []byte, lockType LockType) bool {
	keyStr := string(key)
	lm.mu.Lock()
	defer lm.mu.Unlock()

	li := lm.lockInfoLocked(keyStr)
	if lm.canGrantLocked(li, txnID, lockType) {
		lm.grantLocked(li, txnID, keyStr, lockType)
		return true
	}
	return false
}

// Unlock releases the lock held by the transaction on key.
func (lm *LockManager) Unlock(txnID uint64, key []byte) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.unlockLocked(txnID, string(key))
}

// UnlockAll releases all locks held by the transaction.
func (lm *LockManager) UnlockAll(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	keys := lm.txnLocks[txnID]
	for key := range keys {
		_ = lm.unlockLocked(txnID, key)
	}
	delete(lm.waitFor, txnID)
	for _, targets := range lm.waitFor {
		delete(targets, txnID)
	}
}

// NumLocks returns the number of keys with active locks.
func (lm *LockManager) NumLocks() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}

// NumTxnLocks returns the number of locks held by a transaction.
func (lm *LockManager) NumTxnLocks(txnID uint64) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.txnLocks[txnID])
}

func (lm *LockManager) lockInfoLocked(keyStr string) *lockInfo {
	li, ok := lm.locks[keyStr]
	if !ok {
		li = &lockInfo{holders: make(map[uint64]LockType)}
		lm.locks[keyStr] = li
	}
	return li
}

func (lm *LockManager) canGrantLocked(li *lockInfo, txnID uint64, lockType LockType) bool {
	if len(li.holders) == 0 {
		return true
	}
	if held, ok := li.holders[txnID]; ok {
		if held == LockTypeExclusive || lockType == LockTypeShared {
			return true
		}
		// Shared held, exclusive wanted: upgrade only as the sole holder.
		return len(li.holders) == 1
	}
	if lockType == LockTypeExclusive {
		return false
	}
	for _, held := range li.holders {
		if held == LockTypeExclusive {
			return false
		}
	}
	return true
}

func (lm *LockManager) grantLocked(li *lockInfo, txnID uint64, keyStr string, lockType LockType) {
	li.holders[txnID] = lockType
	if _, ok := lm.txnLocks[txnID]; !ok {
		lm.txnLocks[txnID] = make(map[string]struct{})
	}
	lm.txnLocks[txnID][keyStr] = struct{}{}
}

func (lm *LockManager) unlockLocked(txnID uint64, keyStr string) error {
	li, ok := lm.locks[keyStr]
	if !ok {
		return ErrLockNotHeld
	}
	if _, held := li.holders[txnID]; !held {
		return ErrLockNotHeld
	}

	delete(li.holders, txnID)
	if keys, ok := lm.txnLocks[txnID]; ok {
		delete(keys, keyStr)
		if len(keys) == 0 {
			delete(lm.txnLocks, txnID)
		}
	}

	delete(lm.waitFor, txnID)
	for _, targets := range lm.waitFor {
		delete(targets, txnID)
	}

	lm.promoteWaitersLocked(keyStr, li)

	if len(li.holders) == 0 && len(li.waitQueue) == 0 {
		delete(lm.locks, keyStr)
	}
	return nil
}

// promoteWaitersLocked grants queued requests that became compatible, FIFO.
func (lm *LockManager) promoteWaitersLocked(keyStr string, li *lockInfo) {
	remaining := li.waitQueue[:0]
	for _, req := range li.waitQueue {
		if !req.granted && lm.canGrantLocked(li, req.txnID, req.lockType) {
			lm.grantLocked(li, req.txnID, keyStr, req.lockType)
			req.granted = true
			delete(lm.waitFor, req.txnID)
			close(req.waiting)
		} else {
			remaining = append(remaining, req)
		}
	}
	li.waitQueue = remaining
}

func (lm *LockManager) dropWaiterLocked(keyStr string, target *lockRequest) {
	li, ok := lm.locks[keyStr]
	if !ok {
		return
	}
	remaining := li.waitQueue[:0]
	for _, req := range li.waitQueue {
		if req != target {
			remaining = append(remaining, req)
		}
	}
	li.waitQueue = remaining
	if len(li.holders) == 0 && len(li.waitQueue) == 0 {
		delete(lm.locks, keyStr)
	}
}

// wouldDeadlockLocked reports whether waiting on the blocking set would
// create a cycle back to txnID in the wait-for graph.
func (lm *LockManager) wouldDeadlockLocked(txnID uint64, blocking map[uint64]struct{}) bool {
	var dfs func(node uint64, visited map[uint64]bool) bool
	dfs = func(node uint64, visited map[uint64]bool) bool {
		if node == txnID {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for target := range lm.waitFor[node] {
			if dfs(target, visited) {
				return true
			}
		}
		return false
	}

	for target := range blocking {
		if dfs(target, make(map[uint64]bool)) {
			return true
		}
	}
	return false
}
