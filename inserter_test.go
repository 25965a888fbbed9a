package txnstress

import (
	"sync"
	"testing"

	"github.com/aalhour/txnstress/internal/engine"
	"github.com/aalhour/txnstress/internal/logging"
)

func testInserter(seed int64, opts InserterOptions, worker int) *RandomInserter {
	return NewRandomInserter(NewRand64(seed), opts, &Stats{}, logging.Discard, worker)
}

func eachFamily(t *testing.T, groups int, fn func(t *testing.T, b Backend)) {
	t.Helper()
	builders := []struct {
		name  string
		build func() Backend
	}{
		{"batch", func() Backend {
			return NewBatchBackend(engine.NewDB(&engine.Options{ColumnGroups: groups, Logger: logging.Discard}))
		}},
		{"pessimistic", func() Backend {
			db := engine.NewDB(&engine.Options{ColumnGroups: 1, Logger: logging.Discard})
			return NewPessimisticBackend(engine.NewTransactionDB(db, engine.DefaultTransactionDBOptions()))
		}},
		{"optimistic", func() Backend {
			db := engine.NewDB(&engine.Options{ColumnGroups: 1, Logger: logging.Discard})
			return NewOptimisticBackend(engine.NewOptimisticTransactionDB(db))
		}},
		{"timestamped", func() Backend {
			return NewTimestampedBackend(engine.NewTimestampedDB(&engine.Options{ColumnGroups: groups, Logger: logging.Discard}))
		}},
	}
	for _, fam := range builders {
		t.Run(fam.name, func(t *testing.T) {
			fn(t, fam.build())
		})
	}
}

func TestInvariantPreservedPerFamily(t *testing.T) {
	eachFamily(t, 3, func(t *testing.T, b Backend) {
		opts := InserterOptions{NumSets: 4, NumKeys: 20, SnapshotPercent: 50}
		ins := testInserter(101, opts, 0)
		for i := 0; i < 300; i++ {
			if !ins.RunOneTransaction(b) {
				t.Fatalf("iteration %d hit an unexpected error (last status %s)", i, ins.Stats().LastStatus())
			}
		}
		if err := Verify(b, opts.NumSets, opts.NumKeys, false, NewRand64(55)); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	})
}

func TestEndToEndSmallRun(t *testing.T) {
	db := engine.NewDB(&engine.Options{Logger: logging.Discard})
	b := NewPessimisticBackend(engine.NewTransactionDB(db, engine.DefaultTransactionDBOptions()))

	opts := InserterOptions{NumSets: 3, NumKeys: 10}
	ins := testInserter(7, opts, 0)
	for i := 0; i < 100; i++ {
		if !ins.RunOneTransaction(b) {
			t.Fatalf("iteration %d hit an unexpected error", i)
		}
	}
	snap := ins.Stats().Snapshot()
	if snap.SuccessCount+snap.FailureCount != 100 {
		t.Fatalf("success %d + failure %d != 100", snap.SuccessCount, snap.FailureCount)
	}
	// Single-threaded: nothing contends, so every iteration succeeds
	// (deliberate rollbacks count as successes too).
	if snap.FailureCount != 0 {
		t.Fatalf("unexpected failures without contention: %d", snap.FailureCount)
	}
	if err := Verify(b, 3, 10, false, nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if db.LiveSnapshots() != 0 {
		t.Fatalf("leaked %d snapshots", db.LiveSnapshots())
	}
}

func TestRollbackLeavesNoPartialEffect(t *testing.T) {
	eachFamily(t, 1, func(t *testing.T, b Backend) {
		if !b.Capabilities().Has(CapTransactional) {
			t.Skip("no rollback on this family")
		}
		// Seed one key per set, then mutate all of them in a transaction
		// that rolls back.
		seed, err := b.Begin(BeginOptions{Name: "seed"})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		for set := uint16(0); set < 3; set++ {
			if err := seed.Put(0, EncodeKey(set, 1), EncodeValue(11)); err != nil {
				t.Fatalf("seed Put: %v", err)
			}
		}
		if err := seed.Commit(); err != nil {
			t.Fatalf("seed Commit: %v", err)
		}

		txn, err := b.Begin(BeginOptions{Name: "doomed"})
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		for set := uint16(0); set < 3; set++ {
			if err := txn.Put(0, EncodeKey(set, 1), EncodeValue(999)); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if err := txn.Delete(0, EncodeKey(0, 1)); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := txn.Rollback(); err != nil {
			t.Fatalf("Rollback: %v", err)
		}

		for set := uint16(0); set < 3; set++ {
			raw, err := b.Get(nil, 0, EncodeKey(set, 1))
			if err != nil {
				t.Fatalf("Get set %d: %v", set, err)
			}
			v, err := DecodeValue(raw)
			if err != nil || v != 11 {
				t.Fatalf("set %d: got %d (%v), want pre-transaction value 11", set, v, err)
			}
		}
	})
}

func TestConcurrentInsertersKeepInvariant(t *testing.T) {
	for _, family := range []string{"pessimistic", "optimistic"} {
		t.Run(family, func(t *testing.T) {
			db := engine.NewDB(&engine.Options{Logger: logging.Discard})
			var b Backend
			if family == "pessimistic" {
				b = NewPessimisticBackend(engine.NewTransactionDB(db, engine.DefaultTransactionDBOptions()))
			} else {
				b = NewOptimisticBackend(engine.NewOptimisticTransactionDB(db))
			}

			const workers = 4
			const perWorker = 150
			opts := InserterOptions{NumSets: 3, NumKeys: 5, ConflictLevel: 1, SnapshotPercent: 30}
			stats := &Stats{}

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(worker int) {
					defer wg.Done()
					rng := NewRand64(int64(1000 + worker))
					ins := NewRandomInserter(rng, opts, stats, logging.Discard, worker)
					for i := 0; i < perWorker; i++ {
						if !ins.RunOneTransaction(b) {
							t.Errorf("worker %d iteration %d: unexpected error", worker, i)
							return
						}
					}
				}(w)
			}
			wg.Wait()
			if t.Failed() {
				return
			}

			snap := stats.Snapshot()
			if snap.SuccessCount+snap.FailureCount != workers*perWorker {
				t.Fatalf("success %d + failure %d != %d", snap.SuccessCount, snap.FailureCount, workers*perWorker)
			}
			if err := Verify(b, opts.NumSets, opts.NumKeys, false, NewRand64(9)); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if db.LiveSnapshots() != 0 {
				t.Fatalf("leaked %d snapshots", db.LiveSnapshots())
			}
		})
	}
}

func TestWriteRandomWorkload(t *testing.T) {
	tsdb := engine.NewTimestampedDB(&engine.Options{ColumnGroups: 3, Logger: logging.Discard})
	b := NewTimestampedBackend(tsdb)

	opts := InserterOptions{NumSets: 5, NumKeys: 50, ReadPercent: 30, DeletePercent: 20}
	ins := testInserter(77, opts, 0)
	for i := 0; i < 200; i++ {
		if !ins.RunOneWriteRandom(b) {
			t.Fatalf("iteration %d hit an unexpected error", i)
		}
	}
	snap := ins.Stats().Snapshot()
	if snap.PutsDone == 0 {
		t.Fatalf("no puts recorded")
	}
	if snap.SuccessCount+snap.FailureCount != 200 {
		t.Fatalf("success %d + failure %d != 200", snap.SuccessCount, snap.FailureCount)
	}

	// Every surviving key must live in the column group its hash names.
	for group := 0; group < b.ColumnGroups(); group++ {
		it, err := b.NewIterator(nil, group)
		if err != nil {
			t.Fatalf("NewIterator: %v", err)
		}
		for it.SeekToFirst(); it.Valid(); it.Next() {
			if want := ColumnGroupOf(it.Key(), b.ColumnGroups()); want != group {
				t.Fatalf("key %q found in group %d, hash names %d", it.Key(), group, want)
			}
		}
		if err := it.Close(); err != nil {
			t.Fatalf("iterator close: %v", err)
		}
	}
}

func TestValueSource(t *testing.T) {
	vs := newValueSource(NewRand64(3))
	for i := 0; i < 3000; i++ {
		if v := vs.Generate(1000); len(v) != 1000 {
			t.Fatalf("Generate(1000) returned %d bytes", len(v))
		}
	}
}

// lockConflictBackend simulates a defective lock-based backend: a locking
// read succeeds, yet a following put on the same key still reports a lock
// conflict. lockedRead records whether the current transaction's read took
// the lock.
type lockConflictBackend struct {
	lockedRead bool
}

func (b *lockConflictBackend) Family() string { return "lockconflict" }
func (b *lockConflictBackend) Capabilities() Capability {
	return CapTransactional | CapGetForUpdate
}
func (b *lockConflictBackend) ColumnGroups() int { return 1 }

func (b *lockConflictBackend) Begin(BeginOptions) (Txn, error) {
	b.lockedRead = false
	return &lockConflictTxn{b: b}, nil
}

func (b *lockConflictBackend) Get(Snapshot, int, []byte) ([]byte, error) {
	return nil, engine.ErrNotFound
}

func (b *lockConflictBackend) NewIterator(Snapshot, int) (Iterator, error) {
	return nil, ErrNotSupported
}

func (b *lockConflictBackend) GetSnapshot() Snapshot                { return nil }
func (b *lockConflictBackend) ReleaseSnapshot(Snapshot)             {}
func (b *lockConflictBackend) ExpectedOpFailure(o Outcome) bool     { return o == OutcomeConflict }
func (b *lockConflictBackend) ExpectedCommitFailure(o Outcome) bool { return o == OutcomeExpired }

type lockConflictTxn struct {
	b *lockConflictBackend
}

func (t *lockConflictTxn) Name() string { return "lockconflict" }

func (t *lockConflictTxn) Get(int, []byte) ([]byte, error) {
	return nil, engine.ErrNotFound
}

func (t *lockConflictTxn) GetForUpdate(int, []byte) ([]byte, error) {
	t.b.lockedRead = true
	return nil, engine.ErrNotFound
}

func (t *lockConflictTxn) Put(int, []byte, []byte) error { return engine.ErrLockTimeout }
func (t *lockConflictTxn) Delete(int, []byte) error      { return engine.ErrLockTimeout }

func (t *lockConflictTxn) SetSnapshot() error              { return ErrNotSupported }
func (t *lockConflictTxn) SetReadTimestamp(uint64) error   { return ErrNotSupported }
func (t *lockConflictTxn) SetCommitTimestamp(uint64) error { return ErrNotSupported }
func (t *lockConflictTxn) Prepare() error                  { return ErrNotSupported }
func (t *lockConflictTxn) Commit() error                   { return nil }
func (t *lockConflictTxn) Rollback() error                 { return nil }

func TestPutConflictAfterLockingReadIsDefect(t *testing.T) {
	b := &lockConflictBackend{}
	ins := testInserter(5, InserterOptions{NumSets: 1, NumKeys: 4}, 0)

	sawLocking, sawPlain := false, false
	for i := 0; i < 64; i++ {
		ok := ins.RunOneTransaction(b)
		if b.lockedRead {
			sawLocking = true
			// The key is locked: the put conflict signals a backend
			// defect, not contention.
			if ok {
				t.Fatalf("iteration %d: put conflict after a locking read treated as contention", i)
			}
		} else {
			sawPlain = true
			if !ok {
				t.Fatalf("iteration %d: put conflict after a plain read reported as a defect", i)
			}
		}
	}
	if !sawLocking || !sawPlain {
		t.Fatalf("read mix not exercised: locking=%v plain=%v", sawLocking, sawPlain)
	}
}

// finalizeOrderBackend records commit-path calls so the test can observe
// that deliberate rollbacks also hit prepared transactions.
type finalizeOrderBackend struct {
	preparedRollbacks int
	plainRollbacks    int
	commits           int
}

func (b *finalizeOrderBackend) Family() string { return "finalizeorder" }
func (b *finalizeOrderBackend) Capabilities() Capability {
	return CapTransactional | CapPrepare
}
func (b *finalizeOrderBackend) ColumnGroups() int { return 1 }

func (b *finalizeOrderBackend) Begin(BeginOptions) (Txn, error) {
	return &finalizeOrderTxn{b: b}, nil
}

func (b *finalizeOrderBackend) Get(Snapshot, int, []byte) ([]byte, error) {
	return nil, engine.ErrNotFound
}

func (b *finalizeOrderBackend) NewIterator(Snapshot, int) (Iterator, error) {
	return nil, ErrNotSupported
}

func (b *finalizeOrderBackend) GetSnapshot() Snapshot                { return nil }
func (b *finalizeOrderBackend) ReleaseSnapshot(Snapshot)             {}
func (b *finalizeOrderBackend) ExpectedOpFailure(Outcome) bool       { return false }
func (b *finalizeOrderBackend) ExpectedCommitFailure(o Outcome) bool { return o == OutcomeExpired }

type finalizeOrderTxn struct {
	b        *finalizeOrderBackend
	prepared bool
}

func (t *finalizeOrderTxn) Name() string                    { return "finalizeorder" }
func (t *finalizeOrderTxn) Get(int, []byte) ([]byte, error) { return nil, engine.ErrNotFound }
func (t *finalizeOrderTxn) GetForUpdate(int, []byte) ([]byte, error) {
	return nil, ErrNotSupported
}
func (t *finalizeOrderTxn) Put(int, []byte, []byte) error   { return nil }
func (t *finalizeOrderTxn) Delete(int, []byte) error        { return nil }
func (t *finalizeOrderTxn) SetSnapshot() error              { return ErrNotSupported }
func (t *finalizeOrderTxn) SetReadTimestamp(uint64) error   { return ErrNotSupported }
func (t *finalizeOrderTxn) SetCommitTimestamp(uint64) error { return ErrNotSupported }

func (t *finalizeOrderTxn) Prepare() error {
	t.prepared = true
	return nil
}

func (t *finalizeOrderTxn) Commit() error {
	t.b.commits++
	return nil
}

func (t *finalizeOrderTxn) Rollback() error {
	if t.prepared {
		t.b.preparedRollbacks++
	} else {
		t.b.plainRollbacks++
	}
	return nil
}

func TestDeliberateRollbackAfterPrepare(t *testing.T) {
	b := &finalizeOrderBackend{}
	ins := testInserter(17, InserterOptions{NumSets: 1, NumKeys: 4}, 0)
	for i := 0; i < 500; i++ {
		if !ins.RunOneTransaction(b) {
			t.Fatalf("iteration %d hit an unexpected error", i)
		}
	}
	// Prepare runs with probability 9/10 and the rollback draw with 1/20,
	// so 500 iterations reach the prepared-rollback path many times over.
	if b.preparedRollbacks == 0 {
		t.Fatalf("no deliberate rollback hit a prepared transaction (commits=%d plain rollbacks=%d)",
			b.commits, b.plainRollbacks)
	}
	if b.commits == 0 {
		t.Fatalf("no transaction committed")
	}
}

func TestWriteRandomBudgetChargesInsertsOnly(t *testing.T) {
	savedBudget := writeRandomByteBudget
	defer func() { writeRandomByteBudget = savedBudget }()

	// Deletes charge the full key-plus-value size, so a tight budget stops
	// the iteration after a handful of them.
	writeRandomByteBudget = 2500
	db := engine.NewDB(&engine.Options{Logger: logging.Discard})
	b := NewBatchBackend(db)
	opts := InserterOptions{NumSets: 50, NumKeys: 10, DeletePercent: 100}
	ins := testInserter(23, opts, 0)
	const iters = 20
	for i := 0; i < iters; i++ {
		if !ins.RunOneWriteRandom(b) {
			t.Fatalf("iteration %d hit an unexpected error", i)
		}
	}
	perTxnCap := writeRandomByteBudget/(setPrefixLen+1+writeRandomValueSize) + 1
	if got := ins.Stats().Snapshot().DeletesDone; got > uint64(iters*perTxnCap) {
		t.Fatalf("budget did not stop deletes: %d done, cap %d", got, iters*perTxnCap)
	}

	// Reads never count against the budget: even a one-byte budget must
	// not cut the read-only workload short.
	writeRandomByteBudget = 1
	db2 := engine.NewDB(&engine.Options{Logger: logging.Discard})
	for set := uint16(0); set < 30; set++ {
		for key := uint64(0); key < 10; key++ {
			if err := db2.Put(EncodeKey(set, key), EncodeValue(5)); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	b2 := NewBatchBackend(db2)
	ins2 := testInserter(29, InserterOptions{NumSets: 30, NumKeys: 10, ReadPercent: 100}, 0)
	const readIters = 30
	for i := 0; i < readIters; i++ {
		if !ins2.RunOneWriteRandom(b2) {
			t.Fatalf("read iteration %d hit an unexpected error", i)
		}
	}
	snap := ins2.Stats().Snapshot()
	// A charged read would end every iteration after one set; the subset
	// sizes average half of NumSets, so the total must be far higher.
	if snap.GetsDone <= readIters {
		t.Fatalf("reads were charged against the byte budget: %d gets in %d iterations", snap.GetsDone, readIters)
	}
	if snap.BytesRead == 0 {
		t.Fatalf("reads found no data")
	}
}
