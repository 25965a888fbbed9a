package engine

// timestamped.go implements timestamp-ordered transactions. Versions carry an
// explicit commit timestamp; a transaction reads the newest version at or
// below its read timestamp and installs its writes at its commit timestamp.
// Write-write conflicts are detected at commit: a key committed by anyone
// else after the transaction began fails the whole transaction.

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimestampedDB is a multi-group store ordered by explicit timestamps.
type TimestampedDB struct {
	opts *Options

	// mu serializes commits. Readers are lock-free, as in DB.
	mu        sync.Mutex
	commitSeq atomic.Uint64

	groups []*skipList

	txnIDCounter atomic.Uint64
}

// NewTimestampedDB creates an empty timestamped store.
func NewTimestampedDB(opts *Options) *TimestampedDB {
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
	return &TimestampedDB{opts: opts, groups: groups}
}

// NumColumnGroups returns the number of column groups.
func (tdb *TimestampedDB) NumColumnGroups() int {
	return len(tdb.groups)
}

// BeginTransaction begins a new timestamp-ordered transaction. The read
// timestamp defaults to the maximum (read latest); the commit timestamp
// defaults to the wall clock at commit.
func (tdb *TimestampedDB) BeginTransaction() *TOTransaction {
	return &TOTransaction{
		tdb:      tdb,
		id:       tdb.txnIDCounter.Add(1),
		readTS:   maxTimestamp,
		beginSeq: tdb.commitSeq.Load(),
	}
}

// Sequence returns the sequence number of the latest commit. It can be used
// as a stable read bound while other transactions keep committing.
func (tdb *TimestampedDB) Sequence() uint64 {
	return tdb.commitSeq.Load()
}

// Get reads key from group at the given read timestamp, outside any
// transaction.
func (tdb *TimestampedDB) Get(group int, key []byte, readTS uint64) ([]byte, error) {
	return tdb.GetAt(group, key, maxTimestamp, readTS)
}

// GetAt reads key from group bounded by both a commit sequence number and a
// read timestamp.
func (tdb *TimestampedDB) GetAt(group int, key []byte, seq, readTS uint64) ([]byte, error) {
	list, err := tdb.group(group)
	if err != nil {
		return nil, err
	}
	node := list.get(key)
	if node == nil {
		return nil, ErrNotFound
	}
	v, ok := visibleAt(node.chain(), seq, readTS)
	if !ok || v.kind == kindDelete {
		return nil, ErrNotFound
	}
	return decodeValue(v.value)
}

// NewIterator iterates group in key order, yielding each key's newest
// version at or below readTS.
func (tdb *TimestampedDB) NewIterator(group int, readTS uint64) (*Iterator, error) {
	return tdb.NewIteratorAt(group, maxTimestamp, readTS)
}

// NewIteratorAt iterates group bounded by both a commit sequence number and
// a read timestamp.
func (tdb *TimestampedDB) NewIteratorAt(group int, seq, readTS uint64) (*Iterator, error) {
	list, err := tdb.group(group)
	if err != nil {
		return nil, err
	}
	return &Iterator{list: list, seq: seq, ts: readTS}, nil
}

func (tdb *TimestampedDB) group(i int) (*skipList, error) {
	if i < 0 || i >= len(tdb.groups) {
		return nil, ErrInvalidColumnGroup
	}
	return tdb.groups[i], nil
}

// tsWrite is one buffered write in a TOTransaction.
type tsWrite struct {
	group int
	kind  versionKind
	key   []byte
	value []byte
}

// TOTransaction is a timestamp-ordered transaction.
type TOTransaction struct {
	mu sync.Mutex

	tdb *TimestampedDB
	id  uint64

	readTS   uint64
	commitTS uint64 // 0 = default to wall clock at commit
	beginSeq uint64

	writes []tsWrite
	closed bool
}

// ID returns the transaction ID.
func (txn *TOTransaction) ID() uint64 {
	return txn.id
}

// SetReadTimestamp sets the timestamp this transaction reads at.
func (txn *TOTransaction) SetReadTimestamp(ts uint64) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.closed {
		return ErrTransactionClosed
	}
	txn.readTS = ts
	return nil
}

// SetCommitTimestamp sets the timestamp this transaction's writes are
// installed at.
func (txn *TOTransaction) SetCommitTimestamp(ts uint64) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.closed {
		return ErrTransactionClosed
	}
	txn.commitTS = ts
	return nil
}

// Get retrieves key from group, first from the transaction's own writes,
// then from the store at the read timestamp.
func (txn *TOTransaction) Get(group int, key []byte) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return nil, ErrTransactionClosed
	}
	if val, found, deleted := txn.ownWrite(group, key); found {
		if deleted {
			return nil, ErrNotFound
		}
		return val, nil
	}
	// Bound reads by the sequence observed at begin, so a transaction sees a
	// consistent view. Commits that land after begin surface as write-write
	// conflicts instead of torn reads.
	return txn.tdb.GetAt(group, key, txn.beginSeq, txn.readTS)
}

// Put buffers a write of key in group.
func (txn *TOTransaction) Put(group int, key, value []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	if _, err := txn.tdb.group(group); err != nil {
		return err
	}
	txn.writes = append(txn.writes, tsWrite{
		group: group,
		kind:  kindValue,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

// Delete buffers a deletion of key in group.
func (txn *TOTransaction) Delete(group int, key []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	if _, err := txn.tdb.group(group); err != nil {
		return err
	}
	txn.writes = append(txn.writes, tsWrite{
		group: group,
		kind:  kindDelete,
		key:   append([]byte(nil), key...),
	})
	return nil
}

// Commit installs all buffered writes at the commit timestamp. It fails
// with ErrWriteConflict if any written key was committed by another
// transaction after this one began (write-write conflict under timestamp
// ordering), or if a newer version than the commit timestamp exists.
func (txn *TOTransaction) Commit() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}

	commitTS := txn.commitTS
	if commitTS == 0 {
		commitTS = uint64(time.Now().Unix())
	}

	tdb := txn.tdb
	tdb.mu.Lock()
	defer tdb.mu.Unlock()

	for _, w := range txn.writes {
		list, err := tdb.group(w.group)
		if err != nil {
			return err
		}
		node := list.get(w.key)
		if node == nil {
			continue
		}
		// Chains are ordered by timestamp, not sequence, so scan for any
		// version committed after this transaction began.
		for _, v := range node.chain() {
			if v.seq > txn.beginSeq || v.ts > commitTS {
				txn.closed = true
				return ErrWriteConflict
			}
		}
	}

	// Encode everything before installing anything so a codec error fails
	// the whole commit without leaving orphan versions.
	seq := tdb.commitSeq.Load() + 1
	staged := make([]version, len(txn.writes))
	for i, w := range txn.writes {
		v := version{seq: seq, ts: commitTS, kind: w.kind}
		if w.kind == kindValue {
			stored, err := encodeValue(tdb.opts.Compression, w.value)
			if err != nil {
				return err
			}
			v.value = stored
		}
		staged[i] = v
	}
	for i, w := range txn.writes {
		list, _ := tdb.group(w.group)
		list.getOrInsert(w.key).addVersion(staged[i])
	}
	tdb.commitSeq.Store(seq)
	txn.closed = true
	return nil
}

// Rollback discards all buffered writes.
func (txn *TOTransaction) Rollback() error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	txn.writes = nil
	txn.closed = true
	return nil
}

// ownWrite resolves (group, key) against the transaction's buffered writes,
// newest first.
func (txn *TOTransaction) ownWrite(group int, key []byte) (value []byte, found, deleted bool) {
	for i := len(txn.writes) - 1; i >= 0; i-- {
		w := txn.writes[i]
		if w.group != group || string(w.key) != string(key) {
			continue
		}
		if w.kind == kindDelete {
			return nil, true, true
		}
		return w.value, true, false
	}
	return nil, false, false
}
