package txnstress

import (
	"errors"
	"math"
	"time"

	"github.com/aalhour/txnstress/internal/engine"
)

// adapter.go binds the workload generator and verifier to a concrete
// transaction model through one uniform capability interface. Each backend
// family (plain batch, pessimistic, optimistic, timestamp-ordered) declares
// its capabilities and its expected-failure set; the generator never
// branches on a concrete backend type.

// ErrNotSupported is returned by operations a backend family does not
// implement. The generator gates calls by capability, so hitting it means a
// harness bug.
var ErrNotSupported = errors.New("txnstress: operation not supported by this backend")

// Capability is a bit set describing what a backend family supports.
type Capability uint32

const (
	// CapTransactional marks backends with real transaction handles that can
	// roll back. Plain batch backends lack it: their "transaction" is a
	// deferred batch submitted as one atomic write.
	CapTransactional Capability = 1 << iota

	// CapGetForUpdate marks backends whose reads can acquire a
	// conflict-detecting lock.
	CapGetForUpdate

	// CapPrepare marks backends supporting a two-phase Prepare before Commit.
	CapPrepare

	// CapTimestamps marks backends ordered by explicit read/commit
	// timestamps instead of locks.
	CapTimestamps

	// CapSnapshot marks backends whose transactions can pin a snapshot.
	CapSnapshot

	// CapColumnGroups marks backends that route keys across multiple column
	// groups.
	CapColumnGroups
)

// Has reports whether all capabilities in f are present.
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

// Snapshot is a consistent-read handle owned by a Backend. Acquire with
// Backend.GetSnapshot and release with Backend.ReleaseSnapshot on every
// exit path.
type Snapshot interface {
	Sequence() uint64
}

// Iterator walks one column group in ascending key order.
type Iterator interface {
	Seek(target []byte)
	SeekToFirst()
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// BeginOptions configures a transaction at Begin.
type BeginOptions struct {
	// SetSnapshot pins the transaction to a snapshot at creation
	// (CapSnapshot backends only; ignored elsewhere).
	SetSnapshot bool

	// LockTimeout bounds lock waits (lock-based backends; zero keeps the
	// backend default).
	LockTimeout time.Duration

	// Expiration gives the transaction a lease (lock-based backends;
	// zero means no expiration).
	Expiration time.Duration

	// Name labels the transaction for diagnostics.
	Name string
}

// Txn is one unit of work against a Backend. Operations a family does not
// support return ErrNotSupported. Group 0 is the default column group;
// non-zero groups require CapColumnGroups.
type Txn interface {
	Name() string
	Get(group int, key []byte) ([]byte, error)
	GetForUpdate(group int, key []byte) ([]byte, error)
	Put(group int, key, value []byte) error
	Delete(group int, key []byte) error
	SetSnapshot() error
	SetReadTimestamp(ts uint64) error
	SetCommitTimestamp(ts uint64) error
	Prepare() error
	Commit() error
	Rollback() error
}

// Backend is the uniform surface the generator and verifier drive.
type Backend interface {
	// Family names the transaction model, for reporting.
	Family() string

	Capabilities() Capability

	// ColumnGroups returns the number of column groups (1 when the backend
	// lacks CapColumnGroups).
	ColumnGroups() int

	Begin(opts BeginOptions) (Txn, error)

	// Get reads a committed value outside any transaction. A nil snapshot
	// reads the latest state.
	Get(snap Snapshot, group int, key []byte) ([]byte, error)

	// NewIterator scans a column group, optionally pinned to a snapshot.
	NewIterator(snap Snapshot, group int) (Iterator, error)

	// GetSnapshot pins the current committed state for consistent reads.
	GetSnapshot() Snapshot
	ReleaseSnapshot(snap Snapshot)

	// ExpectedOpFailure reports whether o is an expected outcome for a
	// read/write inside a transaction, per the family's contract.
	ExpectedOpFailure(o Outcome) bool

	// ExpectedCommitFailure reports whether o is an expected outcome for
	// Prepare/Commit, per the family's contract.
	ExpectedCommitFailure(o Outcome) bool
}

// ---------------------------------------------------------------------------
// Plain batch backend: no transactions, writes deferred into a WriteBatch
// and submitted as one atomic Write at Commit.

type batchBackend struct {
	db *engine.DB
}

// NewBatchBackend adapts an engine DB as a plain-batch backend.
func NewBatchBackend(db *engine.DB) Backend {
	return &batchBackend{db: db}
}

func (b *batchBackend) Family() string { return "batch" }

func (b *batchBackend) Capabilities() Capability {
	caps := Capability(0)
	if b.db.NumColumnGroups() > 1 {
		caps |= CapColumnGroups
	}
	return caps
}

func (b *batchBackend) ColumnGroups() int { return b.db.NumColumnGroups() }

func (b *batchBackend) Begin(opts BeginOptions) (Txn, error) {
	return &batchTxn{db: b.db, wb: engine.NewWriteBatch(), name: opts.Name}, nil
}

func (b *batchBackend) Get(snap Snapshot, group int, key []byte) ([]byte, error) {
	return b.db.GetCG(dbReadOptions(snap), group, key)
}

func (b *batchBackend) NewIterator(snap Snapshot, group int) (Iterator, error) {
	return b.db.NewIteratorCG(dbReadOptions(snap), group)
}

func (b *batchBackend) GetSnapshot() Snapshot          { return b.db.GetSnapshot() }
func (b *batchBackend) ReleaseSnapshot(snap Snapshot)  { releaseDBSnapshot(b.db, snap) }
func (b *batchBackend) ExpectedOpFailure(Outcome) bool { return false }

// Plain batch: a single atomic write, nothing is expected to fail.
func (b *batchBackend) ExpectedCommitFailure(Outcome) bool { return false }

// batchTxn defers writes into a WriteBatch; Commit is one atomic Write.
// Reads resolve pending batch ops first, then the committed state.
type batchTxn struct {
	db   *engine.DB
	wb   *engine.WriteBatch
	name string
}

func (t *batchTxn) Name() string { return t.name }

func (t *batchTxn) Get(group int, key []byte) ([]byte, error) {
	if val, found, deleted := t.wb.Lookup(group, key); found {
		if deleted {
			return nil, engine.ErrNotFound
		}
		return val, nil
	}
	return t.db.GetCG(nil, group, key)
}

func (t *batchTxn) GetForUpdate(int, []byte) ([]byte, error) { return nil, ErrNotSupported }

func (t *batchTxn) Put(group int, key, value []byte) error {
	t.wb.PutCG(group, key, value)
	return nil
}

func (t *batchTxn) Delete(group int, key []byte) error {
	t.wb.DeleteCG(group, key)
	return nil
}

func (t *batchTxn) SetSnapshot() error              { return ErrNotSupported }
func (t *batchTxn) SetReadTimestamp(uint64) error   { return ErrNotSupported }
func (t *batchTxn) SetCommitTimestamp(uint64) error { return ErrNotSupported }
func (t *batchTxn) Prepare() error                  { return ErrNotSupported }

func (t *batchTxn) Commit() error {
	err := t.db.Write(t.wb)
	t.wb.Clear()
	return err
}

func (t *batchTxn) Rollback() error {
	t.wb.Clear()
	return nil
}

// ---------------------------------------------------------------------------
// Pessimistic backend: 2PL transactions with GetForUpdate, Prepare and
// lease expiration.

type pessimisticBackend struct {
	tdb *engine.TransactionDB
}

// NewPessimisticBackend adapts an engine TransactionDB.
func NewPessimisticBackend(tdb *engine.TransactionDB) Backend {
	return &pessimisticBackend{tdb: tdb}
}

func (b *pessimisticBackend) Family() string { return "pessimistic" }

func (b *pessimisticBackend) Capabilities() Capability {
	return CapTransactional | CapGetForUpdate | CapPrepare | CapSnapshot
}

func (b *pessimisticBackend) ColumnGroups() int { return 1 }

func (b *pessimisticBackend) Begin(opts BeginOptions) (Txn, error) {
	txn := b.tdb.BeginTransaction(engine.PessimisticTransactionOptions{
		SetSnapshot: opts.SetSnapshot,
		LockTimeout: opts.LockTimeout,
		Expiration:  opts.Expiration,
	})
	return &pessimisticTxn{txn: txn, name: opts.Name}, nil
}

func (b *pessimisticBackend) Get(snap Snapshot, group int, key []byte) ([]byte, error) {
	if group != 0 {
		return nil, engine.ErrInvalidColumnGroup
	}
	return b.tdb.DB().Get(dbReadOptions(snap), key)
}

func (b *pessimisticBackend) NewIterator(snap Snapshot, group int) (Iterator, error) {
	return b.tdb.DB().NewIteratorCG(dbReadOptions(snap), group)
}

func (b *pessimisticBackend) GetSnapshot() Snapshot         { return b.tdb.DB().GetSnapshot() }
func (b *pessimisticBackend) ReleaseSnapshot(snap Snapshot) { releaseDBSnapshot(b.tdb.DB(), snap) }

// Lock-based reads and writes may hit lock waits, deadlocks, or snapshot
// validation failures under contention.
func (b *pessimisticBackend) ExpectedOpFailure(o Outcome) bool {
	return o == OutcomeConflict
}

// Once every operation succeeded, all locks are held: only lease expiration
// can legitimately fail the commit.
func (b *pessimisticBackend) ExpectedCommitFailure(o Outcome) bool {
	return o == OutcomeExpired
}

type pessimisticTxn struct {
	txn  *engine.PessimisticTransaction
	name string
}

func (t *pessimisticTxn) Name() string { return t.name }

func (t *pessimisticTxn) Get(group int, key []byte) ([]byte, error) {
	if group != 0 {
		return nil, engine.ErrInvalidColumnGroup
	}
	return t.txn.Get(key)
}

func (t *pessimisticTxn) GetForUpdate(group int, key []byte) ([]byte, error) {
	if group != 0 {
		return nil, engine.ErrInvalidColumnGroup
	}
	return t.txn.GetForUpdate(key)
}

func (t *pessimisticTxn) Put(group int, key, value []byte) error {
	if group != 0 {
		return engine.ErrInvalidColumnGroup
	}
	return t.txn.Put(key, value)
}

func (t *pessimisticTxn) Delete(group int, key []byte) error {
	if group != 0 {
		return engine.ErrInvalidColumnGroup
	}
	return t.txn.Delete(key)
}

func (t *pessimisticTxn) SetSnapshot() error {
	t.txn.SetSnapshot()
	return nil
}

func (t *pessimisticTxn) SetReadTimestamp(uint64) error   { return ErrNotSupported }
func (t *pessimisticTxn) SetCommitTimestamp(uint64) error { return ErrNotSupported }
func (t *pessimisticTxn) Prepare() error                  { return t.txn.Prepare() }
func (t *pessimisticTxn) Commit() error                   { return t.txn.Commit() }
func (t *pessimisticTxn) Rollback() error                 { return t.txn.Rollback() }

// ---------------------------------------------------------------------------
// Optimistic backend: no locks during execution, conflict detection at
// commit only.

type optimisticBackend struct {
	odb *engine.OptimisticTransactionDB
}

// NewOptimisticBackend adapts an engine OptimisticTransactionDB.
func NewOptimisticBackend(odb *engine.OptimisticTransactionDB) Backend {
	return &optimisticBackend{odb: odb}
}

func (b *optimisticBackend) Family() string { return "optimistic" }

func (b *optimisticBackend) Capabilities() Capability {
	return CapTransactional | CapSnapshot
}

func (b *optimisticBackend) ColumnGroups() int { return 1 }

func (b *optimisticBackend) Begin(opts BeginOptions) (Txn, error) {
	txn := b.odb.BeginTransaction()
	if opts.SetSnapshot {
		txn.SetSnapshot()
	}
	return &optimisticTxn{txn: txn, name: opts.Name}, nil
}

func (b *optimisticBackend) Get(snap Snapshot, group int, key []byte) ([]byte, error) {
	if group != 0 {
		return nil, engine.ErrInvalidColumnGroup
	}
	return b.odb.DB().Get(dbReadOptions(snap), key)
}

func (b *optimisticBackend) NewIterator(snap Snapshot, group int) (Iterator, error) {
	return b.odb.DB().NewIteratorCG(dbReadOptions(snap), group)
}

func (b *optimisticBackend) GetSnapshot() Snapshot         { return b.odb.DB().GetSnapshot() }
func (b *optimisticBackend) ReleaseSnapshot(snap Snapshot) { releaseDBSnapshot(b.odb.DB(), snap) }

// Optimistic execution never fails on reads or buffered writes.
func (b *optimisticBackend) ExpectedOpFailure(Outcome) bool { return false }

// Validation happens at commit: conflicts are the one expected failure.
func (b *optimisticBackend) ExpectedCommitFailure(o Outcome) bool {
	return o == OutcomeConflict
}

type optimisticTxn struct {
	txn  *engine.OptimisticTransaction
	name string
}

func (t *optimisticTxn) Name() string { return t.name }

func (t *optimisticTxn) Get(group int, key []byte) ([]byte, error) {
	if group != 0 {
		return nil, engine.ErrInvalidColumnGroup
	}
	return t.txn.Get(key)
}

func (t *optimisticTxn) GetForUpdate(int, []byte) ([]byte, error) { return nil, ErrNotSupported }

func (t *optimisticTxn) Put(group int, key, value []byte) error {
	if group != 0 {
		return engine.ErrInvalidColumnGroup
	}
	return t.txn.Put(key, value)
}

func (t *optimisticTxn) Delete(group int, key []byte) error {
	if group != 0 {
		return engine.ErrInvalidColumnGroup
	}
	return t.txn.Delete(key)
}

func (t *optimisticTxn) SetSnapshot() error {
	t.txn.SetSnapshot()
	return nil
}

func (t *optimisticTxn) SetReadTimestamp(uint64) error   { return ErrNotSupported }
func (t *optimisticTxn) SetCommitTimestamp(uint64) error { return ErrNotSupported }
func (t *optimisticTxn) Prepare() error                  { return ErrNotSupported }
func (t *optimisticTxn) Commit() error                   { return t.txn.Commit() }
func (t *optimisticTxn) Rollback() error                 { return t.txn.Rollback() }

// ---------------------------------------------------------------------------
// Timestamp-ordered backend: explicit read/commit timestamps, multiple
// column groups, write-write conflict detection at commit.

type timestampedBackend struct {
	tsdb *engine.TimestampedDB
}

// NewTimestampedBackend adapts an engine TimestampedDB.
func NewTimestampedBackend(tsdb *engine.TimestampedDB) Backend {
	return &timestampedBackend{tsdb: tsdb}
}

func (b *timestampedBackend) Family() string { return "timestamped" }

func (b *timestampedBackend) Capabilities() Capability {
	caps := CapTransactional | CapTimestamps
	if b.tsdb.NumColumnGroups() > 1 {
		caps |= CapColumnGroups
	}
	return caps
}

func (b *timestampedBackend) ColumnGroups() int { return b.tsdb.NumColumnGroups() }

func (b *timestampedBackend) Begin(opts BeginOptions) (Txn, error) {
	return &timestampedTxn{txn: b.tsdb.BeginTransaction(), name: opts.Name}, nil
}

func (b *timestampedBackend) Get(snap Snapshot, group int, key []byte) ([]byte, error) {
	seq := uint64(math.MaxUint64)
	if snap != nil {
		seq = snap.Sequence()
	}
	return b.tsdb.GetAt(group, key, seq, math.MaxUint64)
}

func (b *timestampedBackend) NewIterator(snap Snapshot, group int) (Iterator, error) {
	seq := uint64(math.MaxUint64)
	if snap != nil {
		seq = snap.Sequence()
	}
	return b.tsdb.NewIteratorAt(group, seq, math.MaxUint64)
}

// Timestamped snapshots pin a commit sequence number; there is no refcount
// to release.
func (b *timestampedBackend) GetSnapshot() Snapshot {
	return tsSnapshot(b.tsdb.Sequence())
}

func (b *timestampedBackend) ReleaseSnapshot(Snapshot) {}

// Buffered timestamped writes cannot fail under contention.
func (b *timestampedBackend) ExpectedOpFailure(Outcome) bool { return false }

// Write-write conflicts under timestamp ordering surface at commit.
func (b *timestampedBackend) ExpectedCommitFailure(o Outcome) bool {
	return o == OutcomeConflict
}

type tsSnapshot uint64

func (s tsSnapshot) Sequence() uint64 { return uint64(s) }

type timestampedTxn struct {
	txn  *engine.TOTransaction
	name string
}

func (t *timestampedTxn) Name() string { return t.name }

func (t *timestampedTxn) Get(group int, key []byte) ([]byte, error) {
	return t.txn.Get(group, key)
}

func (t *timestampedTxn) GetForUpdate(int, []byte) ([]byte, error) { return nil, ErrNotSupported }

func (t *timestampedTxn) Put(group int, key, value []byte) error {
	return t.txn.Put(group, key, value)
}

func (t *timestampedTxn) Delete(group int, key []byte) error {
	return t.txn.Delete(group, key)
}

func (t *timestampedTxn) SetSnapshot() error { return ErrNotSupported }

func (t *timestampedTxn) SetReadTimestamp(ts uint64) error {
	return t.txn.SetReadTimestamp(ts)
}

func (t *timestampedTxn) SetCommitTimestamp(ts uint64) error {
	return t.txn.SetCommitTimestamp(ts)
}

func (t *timestampedTxn) Prepare() error  { return ErrNotSupported }
func (t *timestampedTxn) Commit() error   { return t.txn.Commit() }
func (t *timestampedTxn) Rollback() error { return t.txn.Rollback() }

// ---------------------------------------------------------------------------

// dbReadOptions converts an adapter snapshot into engine read options.
func dbReadOptions(snap Snapshot) *engine.ReadOptions {
	if snap == nil {
		return nil
	}
	es, ok := snap.(*engine.Snapshot)
	if !ok {
		return nil
	}
	return &engine.ReadOptions{Snapshot: es}
}

func releaseDBSnapshot(db *engine.DB, snap Snapshot) {
	if es, ok := snap.(*engine.Snapshot); ok {
		db.ReleaseSnapshot(es)
	}
}
