// Command txnstress drives randomized transactions against one of the
// reference engine's transaction families and verifies the cross-set sum
// invariant, periodically and at the end of the run. It exits non-zero if
// any worker hit an unexpected error or any verification found corruption.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/txnstress"
	"github.com/aalhour/txnstress/internal/engine"
	"github.com/aalhour/txnstress/internal/logging"
)

func main() {
	var (
		backendName = flag.String("backend", "pessimistic", "transaction family: batch, pessimistic, optimistic, timestamped")
		numSets     = flag.Uint("sets", 9, "number of logical sets (max 9999)")
		numKeys     = flag.Uint64("keys", 1000, "number of keys per set")
		threads     = flag.Int("threads", 4, "number of concurrent workers")
		duration    = flag.Duration("duration", 10*time.Second, "how long to run the workload")
		seed        = flag.Int64("seed", 42, "random seed (runs are reproducible per seed)")

		conflictLevel   = flag.Int("conflict-level", 0, "key-range compression level; higher increases contention")
		readPercent     = flag.Int("read-percent", 50, "read weight of the write-random workload")
		deletePercent   = flag.Int("delete-percent", 10, "delete weight of the write-random workload")
		snapshotPercent = flag.Int("snapshot-percent", 50, "chance a transaction pins a snapshot at begin")
		lockTimeout     = flag.Duration("lock-timeout", time.Second, "lock wait timeout for lock-based backends")
		expiration      = flag.Duration("expiration", 0, "transaction lease for the pessimistic backend (0 = none)")

		groups      = flag.Int("groups", 1, "number of column groups (batch and timestamped backends)")
		compression = flag.String("compression", "snappy", "value compression: none, snappy, lz4, zstd")
		writeRandom = flag.Bool("write-random", false, "run the mixed read/delete/put workload instead of increments")
		verifyEvery = flag.Duration("verify-every", 2*time.Second, "interval between snapshot verifications (0 = final only)")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *numSets == 0 || *numSets > 9999 {
		fmt.Fprintln(os.Stderr, "sets must be in [1, 9999]")
		os.Exit(2)
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewDefaultLogger(level)

	codec, err := engine.ParseCompressionType(*compression)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	backend, err := buildBackend(*backendName, *groups, codec, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	opts := txnstress.InserterOptions{
		NumSets:         uint16(*numSets),
		NumKeys:         *numKeys,
		ReadPercent:     *readPercent,
		DeletePercent:   *deletePercent,
		ConflictLevel:   *conflictLevel,
		SnapshotPercent: *snapshotPercent,
		LockTimeout:     *lockTimeout,
		Expiration:      *expiration,
	}

	fmt.Printf("txnstress: backend=%s sets=%d keys=%d threads=%d duration=%s seed=%d groups=%d compression=%s\n",
		backend.Family(), *numSets, *numKeys, *threads, *duration, *seed, backend.ColumnGroups(), codec)

	stats := &txnstress.Stats{}
	var stop atomic.Bool
	var defects atomic.Uint64

	var wg sync.WaitGroup
	for w := 0; w < *threads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := txnstress.NewRand64(*seed + int64(worker))
			ins := txnstress.NewRandomInserter(rng, opts, stats, logger, worker)
			for !stop.Load() {
				var ok bool
				if *writeRandom {
					ok = ins.RunOneWriteRandom(backend)
				} else {
					ok = ins.RunOneTransaction(backend)
				}
				if !ok {
					defects.Add(1)
					stop.Store(true)
					return
				}
			}
		}(w)
	}

	// The sum invariant only holds for the increment workload.
	checkSums := !*writeRandom
	verifyRng := txnstress.NewRand64(*seed + int64(*threads))
	corrupted := false

	deadline := time.After(*duration)
	poll := time.NewTicker(200 * time.Millisecond)
	var ticker *time.Ticker
	var ticks <-chan time.Time
	if checkSums && *verifyEvery > 0 {
		ticker = time.NewTicker(*verifyEvery)
		ticks = ticker.C
	}
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-poll.C:
			if stop.Load() {
				break loop
			}
		case <-ticks:
			if stop.Load() {
				break loop
			}
			if err := txnstress.Verify(backend, uint16(*numSets), *numKeys, true, verifyRng); err != nil {
				logger.Errorf(logging.NSVerify+"%v", err)
				corrupted = true
				break loop
			}
		}
	}
	poll.Stop()
	if ticker != nil {
		ticker.Stop()
	}
	stop.Store(true)
	wg.Wait()

	if checkSums {
		if err := txnstress.Verify(backend, uint16(*numSets), *numKeys, false, verifyRng); err != nil {
			var cerr *txnstress.CorruptionError
			if errors.As(err, &cerr) {
				logger.Errorf(logging.NSVerify+"final check: %v", cerr)
			} else {
				logger.Errorf(logging.NSVerify+"final check: %v", err)
			}
			corrupted = true
		}
	}

	snap := stats.Snapshot()
	fmt.Printf("transactions: %d ok, %d failed (last status: %s)\n",
		snap.SuccessCount, snap.FailureCount, snap.LastStatus)
	fmt.Printf("operations:   %d gets (%d found), %d puts, %d deletes\n",
		snap.GetsDone, snap.FoundCount, snap.PutsDone, snap.DeletesDone)
	fmt.Printf("bytes:        %d inserted, %d read\n", snap.BytesInserted, snap.BytesRead)

	switch {
	case defects.Load() > 0:
		fmt.Println("result: FAILED (unexpected backend error)")
		os.Exit(1)
	case corrupted:
		fmt.Println("result: FAILED (corruption detected)")
		os.Exit(1)
	default:
		fmt.Println("result: ok")
	}
}

func buildBackend(family string, groups int, codec engine.CompressionType, logger logging.Logger) (txnstress.Backend, error) {
	opts := &engine.Options{ColumnGroups: groups, Compression: codec, Logger: logger}
	switch family {
	case "batch":
		return txnstress.NewBatchBackend(engine.NewDB(opts)), nil
	case "pessimistic":
		if groups != 1 {
			return nil, fmt.Errorf("the pessimistic backend supports a single column group")
		}
		tdb := engine.NewTransactionDB(engine.NewDB(opts), engine.DefaultTransactionDBOptions())
		return txnstress.NewPessimisticBackend(tdb), nil
	case "optimistic":
		if groups != 1 {
			return nil, fmt.Errorf("the optimistic backend supports a single column group")
		}
		return txnstress.NewOptimisticBackend(engine.NewOptimisticTransactionDB(engine.NewDB(opts))), nil
	case "timestamped":
		return txnstress.NewTimestampedBackend(engine.NewTimestampedDB(opts)), nil
	default:
		return nil, fmt.Errorf("unknown backend family %q", family)
	}
}
