package engine

// db.go implements the in-memory versioned store. Every committed write is
// tagged with a monotonically increasing sequence number; snapshots pin a
// sequence number and see exactly the writes published at or before it.

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/txnstress/internal/logging"
)

// DB is an in-memory multi-version key-value store with column groups,
// snapshots and atomic batch writes. It is safe for concurrent use.
type DB struct {
	opts   Options
	logger logging.Logger

	// mu serializes writers. Readers are lock-free: they load seq and walk
	// immutable skip list nodes and copy-on-write version chains.
	mu  sync.Mutex
	seq atomic.Uint64

	groups []*skipList

	snapshots atomic.Int64 // live snapshot count, for leak detection
}

// NewDB creates a new empty DB.
func NewDB(opts *Options) *DB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.ColumnGroups < 1 {
		opts.ColumnGroups = 1
	}
	groups := make([]*skipList, opts.ColumnGroups)
	for i := range groups {
		groups[i] = newSkipList()
	}
	return &DB{
		opts:   *opts,
		logger: logging.OrDefault(opts.Logger),
		groups: groups,
	}
}

// NumColumnGroups returns the number of column groups.
func (db *DB) NumColumnGroups() int {
	return len(db.groups)
}

// Get retrieves the value for key from the default column group.
func (db *DB) Get(ro *ReadOptions, key []byte) ([]byte, error) {
	return db.GetCG(ro, 0, key)
}

// GetCG retrieves the value for key from the given column group.
func (db *DB) GetCG(ro *ReadOptions, group int, key []byte) ([]byte, error) {
	list, err := db.group(group)
	if err != nil {
		return nil, err
	}
	seq := db.readSeq(ro)
	node := list.get(key)
	if node == nil {
		return nil, ErrNotFound
	}
	v, ok := visibleAt(node.chain(), seq, maxTimestamp)
	if !ok || v.kind == kindDelete {
		return nil, ErrNotFound
	}
	return decodeValue(v.value)
}

// Put sets the value for key in the default column group.
func (db *DB) Put(key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return db.Write(wb)
}

// Delete removes key from the default column group.
func (db *DB) Delete(key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(key)
	return db.Write(wb)
}

// Write applies the batch atomically. All operations become visible at one
// sequence number; a concurrent reader sees all of them or none.
func (db *DB) Write(wb *WriteBatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.applyLocked(wb)
}

// applyLocked applies the batch under db.mu. Every operation is resolved
// and encoded before anything is installed, so a bad operation fails the
// whole batch and never leaves orphan versions behind; the new sequence
// number is published only after every operation is installed.
func (db *DB) applyLocked(wb *WriteBatch) error {
	seq := db.seq.Load() + 1

	type stagedOp struct {
		list *skipList
		key  []byte
		v    version
	}
	staged := make([]stagedOp, 0, len(wb.ops))
	for _, op := range wb.ops {
		list, err := db.group(op.group)
		if err != nil {
			return err
		}
		v := version{seq: seq, kind: op.kind}
		if op.kind == kindValue {
			stored, err := encodeValue(db.opts.Compression, op.value)
			if err != nil {
				return err
			}
			v.value = stored
		}
		staged = append(staged, stagedOp{list: list, key: op.key, v: v})
	}

	for _, s := range staged {
		s.list.getOrInsert(s.key).addVersion(s.v)
	}
	db.seq.Store(seq)
	return nil
}

// writeIfUnchanged validates that none of the tracked keys has a version
// newer than its tracked sequence number, then applies the batch. Used by
// optimistic transactions for commit-time conflict detection.
func (db *DB) writeIfUnchanged(wb *WriteBatch, tracked map[string]uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for key, seq := range tracked {
		if db.latestSeqLocked(0, []byte(key)) > seq {
			return ErrWriteConflict
		}
	}
	return db.applyLocked(wb)
}

// LatestSeq returns the sequence number of the newest version of key in the
// default column group, or 0 if the key has never been written.
func (db *DB) LatestSeq(key []byte) uint64 {
	return db.latestSeqLocked(0, key)
}

func (db *DB) latestSeqLocked(group int, key []byte) uint64 {
	list, err := db.group(group)
	if err != nil {
		return 0
	}
	node := list.get(key)
	if node == nil {
		return 0
	}
	chain := node.chain()
	if len(chain) == 0 {
		return 0
	}
	return chain[0].seq
}

// GetSnapshot creates a snapshot of the current state. The caller must
// release it with ReleaseSnapshot.
func (db *DB) GetSnapshot() *Snapshot {
	db.snapshots.Add(1)
	return &Snapshot{db: db, seq: db.seq.Load()}
}

// ReleaseSnapshot releases a snapshot. Releasing nil is a no-op.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	if s == nil || s.db != db {
		return
	}
	if s.released.Swap(true) {
		return
	}
	db.snapshots.Add(-1)
}

// LiveSnapshots returns the number of unreleased snapshots.
func (db *DB) LiveSnapshots() int64 {
	return db.snapshots.Load()
}

// NewIterator creates an iterator over the default column group.
func (db *DB) NewIterator(ro *ReadOptions) *Iterator {
	it, _ := db.NewIteratorCG(ro, 0)
	return it
}

// NewIteratorCG creates an iterator over the given column group.
func (db *DB) NewIteratorCG(ro *ReadOptions, group int) (*Iterator, error) {
	list, err := db.group(group)
	if err != nil {
		return nil, err
	}
	return &Iterator{list: list, seq: db.readSeq(ro), ts: maxTimestamp}, nil
}

// readSeq resolves the sequence number a read should observe.
func (db *DB) readSeq(ro *ReadOptions) uint64 {
	if ro != nil && ro.Snapshot != nil {
		return ro.Snapshot.seq
	}
	return db.seq.Load()
}

func (db *DB) group(i int) (*skipList, error) {
	if i < 0 || i >= len(db.groups) {
		return nil, ErrInvalidColumnGroup
	}
	return db.groups[i], nil
}

// Snapshot provides a consistent read view of the database. The contents of
// a snapshot are guaranteed to be fixed at its sequence number.
type Snapshot struct {
	db       *DB
	seq      uint64
	released atomic.Bool
}

// Sequence returns the sequence number at which this snapshot was taken.
func (s *Snapshot) Sequence() uint64 {
	return s.seq
}
