// Package txnstress is a randomized consistency-testing harness for
// transactional key-value stores.
//
// The harness drives concurrent read-modify-write workloads against a
// storage backend and then verifies a global invariant that only holds if
// the backend's transaction semantics are correct: every committed
// transaction applies the same random increment to one key in each logical
// set, so the sum of values under every set's 4-digit prefix must stay
// equal across sets from an initial all-zero state.
//
// Backends plug in through the Backend interface, which exposes the
// transaction model via capability flags instead of concrete types: plain
// atomic batches, pessimistic (locking) transactions with optional
// two-phase prepare, optimistic transactions validated at commit, and
// timestamp-ordered transactions with explicit read/commit timestamps and
// multiple column groups. Adapters for the in-memory reference engine
// under internal/engine cover all four families.
//
// Typical use:
//
//	db := engine.NewDB(nil)
//	tdb := engine.NewTransactionDB(db, engine.DefaultTransactionDBOptions())
//	backend := txnstress.NewPessimisticBackend(tdb)
//
//	stats := &txnstress.Stats{}
//	ins := txnstress.NewRandomInserter(txnstress.NewRand64(seed), opts, stats, nil, 0)
//	for i := 0; i < iterations; i++ {
//		if !ins.RunOneTransaction(backend) {
//			// unexpected error: a defect in the backend under test
//		}
//	}
//	if err := txnstress.Verify(backend, opts.NumSets, opts.NumKeys, true, rng); err != nil {
//		// corruption
//	}
//
// Every random decision flows through an injected, seedable Rand64, so a
// run is reproducible from its seed.
package txnstress
