package txnstress

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/aalhour/txnstress/internal/logging"
)

// inserter.go implements the randomized workload generator. Each committed
// transaction applies the same random increment to one key in every logical
// set, so the sum of values under each set's prefix stays equal across sets.
// Any divergence the verifier later finds is a backend defect.

// writeRandomByteBudget soft-caps the bytes one RunOneWriteRandom call may
// insert; exceeding it stops the iteration early, it is not an error.
// Reads never count against the budget. Variable so tests can lower it.
var writeRandomByteBudget = 15000000

// writeRandomValueSize is the payload size RunOneWriteRandom puts.
const writeRandomValueSize = 1000

// InserterOptions configures one workload generator.
type InserterOptions struct {
	// NumSets is the number of logical sets (at most 9999).
	NumSets uint16

	// NumKeys is the number of keys per set.
	NumKeys uint64

	// ReadPercent and DeletePercent weight the mixed write-random workload.
	// The remaining probability mass goes to puts.
	ReadPercent   int
	DeletePercent int

	// ConflictLevel compresses the effective key range: each level divides
	// the drawn key by 10, increasing collision density.
	ConflictLevel int

	// SnapshotPercent is the chance (0-100) a transaction pins a snapshot
	// at begin, on backends that support it.
	SnapshotPercent int

	// LockTimeout and Expiration are passed through to lock-based backends.
	LockTimeout time.Duration
	Expiration  time.Duration
}

// RandomInserter drives randomized transactions against one backend at a
// time. It is owned by a single goroutine; the Stats it reports into may be
// shared across inserters.
type RandomInserter struct {
	rng    *Rand64
	opts   InserterOptions
	stats  *Stats
	logger logging.Logger

	worker  int
	nameSeq atomic.Uint64

	values *valueSource
}

// NewRandomInserter creates a generator. stats may be shared by several
// inserters; worker distinguishes this inserter in transaction names.
func NewRandomInserter(rng *Rand64, opts InserterOptions, stats *Stats, logger logging.Logger, worker int) *RandomInserter {
	if stats == nil {
		stats = &Stats{}
	}
	return &RandomInserter{
		rng:    rng,
		opts:   opts,
		stats:  stats,
		logger: logging.OrDefault(logger),
		worker: worker,
		values: newValueSource(rng),
	}
}

// Stats returns the counters this inserter reports into.
func (ins *RandomInserter) Stats() *Stats {
	return ins.stats
}

// RunOneTransaction executes one randomized increment transaction against b.
// It returns false only if an unexpected error occurred, which signals a
// defect in the backend under test; expected conflicts, expirations, and
// deliberate rollbacks return true.
func (ins *RandomInserter) RunOneTransaction(b Backend) bool {
	caps := b.Capabilities()

	opts := BeginOptions{
		LockTimeout: ins.opts.LockTimeout,
		Expiration:  ins.opts.Expiration,
		Name:        ins.nextTxnName(),
	}
	if caps.Has(CapSnapshot) && ins.opts.SnapshotPercent > 0 {
		opts.SetSnapshot = ins.rng.Uniform(100) < uint64(ins.opts.SnapshotPercent)
	}
	txn, err := b.Begin(opts)
	if err != nil {
		return ins.unexpected("begin", err)
	}
	if caps.Has(CapTimestamps) {
		if err := txn.SetReadTimestamp(math.MaxUint64); err != nil {
			return ins.unexpectedTxn(txn, "set read timestamp", err)
		}
	}

	incr := ins.rng.Uniform(100) + 1

	// Visit sets in a random order so no set is biased toward observing
	// conflicts first.
	expectedFailure := false
	var failureOutcome Outcome
	for _, set := range ins.rng.Permutation(int(ins.opts.NumSets)) {
		key := ins.rng.Uniform(ins.opts.NumKeys)
		for l := ins.opts.ConflictLevel; l > 0; l-- {
			key /= 10
		}
		physKey := EncodeKey(uint16(set), key)
		group := 0
		if caps.Has(CapColumnGroups) {
			group = ColumnGroupOf(physKey, b.ColumnGroups())
		}

		var raw []byte
		forUpdate := caps.Has(CapGetForUpdate) && ins.rng.OneIn(2)
		if forUpdate {
			raw, err = txn.GetForUpdate(group, physKey)
		} else {
			raw, err = txn.Get(group, physKey)
		}
		ins.stats.GetsDone.Add(1)

		var old uint64
		switch o := Classify(err); o {
		case OutcomeOK:
			ins.stats.FoundCount.Add(1)
			ins.stats.BytesRead.Add(uint64(len(physKey) + len(raw)))
			old, err = DecodeValue(raw)
			if err != nil || old == 0 || old == math.MaxUint64 {
				ins.rollback(txn)
				ins.stats.FailureCount.Add(1)
				ins.stats.SetLastStatus(OutcomeCorruption)
				ins.logger.Errorf(logging.NSTxn+"set %.4d key %q holds impossible value %q", set+1, physKey, raw)
				return false
			}
		case OutcomeNotFound:
			old = 0
		default:
			if b.ExpectedOpFailure(o) {
				expectedFailure, failureOutcome = true, o
			} else {
				return ins.unexpectedTxn(txn, fmt.Sprintf("get %q", physKey), err)
			}
		}
		if expectedFailure {
			break
		}

		value := EncodeValue(old + incr)
		if err := txn.Put(group, physKey, value); err != nil {
			o := Classify(err)
			if b.ExpectedOpFailure(o) && !forUpdate {
				// A concurrent writer beat a plain (non-locking) read to
				// this key. Normal contention, abandon the transaction.
				// After GetForUpdate the key is locked, so a conflicting
				// put is a backend defect, not contention.
				expectedFailure, failureOutcome = true, o
				break
			}
			return ins.unexpectedTxn(txn, fmt.Sprintf("put %q", physKey), err)
		}
		ins.stats.PutsDone.Add(1)
		ins.stats.BytesInserted.Add(uint64(len(physKey) + len(value)))
	}

	if expectedFailure {
		ins.rollback(txn)
		ins.stats.FailureCount.Add(1)
		ins.stats.SetLastStatus(failureOutcome)
		return true
	}
	return ins.finalize(b, txn, caps)
}

// finalize commits the transaction, exercising Prepare and the deliberate
// rollback path along the way.
func (ins *RandomInserter) finalize(b Backend, txn Txn, caps Capability) bool {
	if caps.Has(CapPrepare) && !ins.rng.OneIn(10) {
		if err := txn.Prepare(); err != nil {
			o := Classify(err)
			if !b.ExpectedCommitFailure(o) {
				return ins.unexpectedTxn(txn, "prepare", err)
			}
			ins.rollback(txn)
			ins.stats.FailureCount.Add(1)
			ins.stats.SetLastStatus(o)
			return true
		}
	}

	// The deliberate rollback draw comes after Prepare so the abort path
	// of a prepared transaction gets exercised too. A clean rollback
	// counts as a successful iteration.
	if caps.Has(CapTransactional) && ins.rng.OneIn(20) {
		if err := txn.Rollback(); err != nil {
			return ins.unexpected("rollback", err)
		}
		ins.stats.SuccessCount.Add(1)
		ins.stats.SetLastStatus(OutcomeOK)
		return true
	}

	if caps.Has(CapTimestamps) {
		if err := txn.SetCommitTimestamp(uint64(time.Now().Unix())); err != nil {
			return ins.unexpectedTxn(txn, "set commit timestamp", err)
		}
	}

	if err := txn.Commit(); err != nil {
		o := Classify(err)
		if !b.ExpectedCommitFailure(o) {
			return ins.unexpectedTxn(txn, "commit", err)
		}
		ins.rollback(txn)
		ins.stats.FailureCount.Add(1)
		ins.stats.SetLastStatus(o)
		return true
	}
	ins.stats.SuccessCount.Add(1)
	ins.stats.SetLastStatus(OutcomeOK)
	return true
}

// RunOneWriteRandom executes one mixed read/delete/put iteration against b,
// sized by a random subset of sets and bounded by a soft byte budget. Meant
// for the timestamp-ordered and batch families; values are fixed-size
// generated payloads, so the sum invariant does not apply to this workload.
func (ins *RandomInserter) RunOneWriteRandom(b Backend) bool {
	caps := b.Capabilities()

	txn, err := b.Begin(BeginOptions{Name: ins.nextTxnName()})
	if err != nil {
		return ins.unexpected("begin", err)
	}
	if caps.Has(CapTimestamps) {
		if err := txn.SetReadTimestamp(math.MaxUint64); err != nil {
			return ins.unexpectedTxn(txn, "set read timestamp", err)
		}
	}

	numSets := int(ins.rng.Uniform(uint64(ins.opts.NumSets))) + 1
	bytesUsed := 0
	for _, set := range ins.rng.Permutation(int(ins.opts.NumSets))[:numSets] {
		if bytesUsed > writeRandomByteBudget {
			break
		}
		key := ins.rng.Uniform(ins.opts.NumKeys)
		physKey := EncodeKey(uint16(set), key)
		group := 0
		if caps.Has(CapColumnGroups) {
			group = ColumnGroupOf(physKey, b.ColumnGroups())
		}

		switch draw := int(ins.rng.Uniform(100)); {
		case draw < ins.opts.ReadPercent:
			raw, err := txn.Get(group, physKey)
			ins.stats.GetsDone.Add(1)
			switch o := Classify(err); o {
			case OutcomeOK:
				ins.stats.FoundCount.Add(1)
				ins.stats.BytesRead.Add(uint64(len(physKey) + len(raw)))
			case OutcomeNotFound:
			default:
				if !b.ExpectedOpFailure(o) {
					return ins.unexpectedTxn(txn, fmt.Sprintf("get %q", physKey), err)
				}
			}
		case draw < ins.opts.ReadPercent+ins.opts.DeletePercent:
			if err := txn.Delete(group, physKey); err != nil {
				if !b.ExpectedOpFailure(Classify(err)) {
					return ins.unexpectedTxn(txn, fmt.Sprintf("delete %q", physKey), err)
				}
			} else {
				ins.stats.DeletesDone.Add(1)
				bytesUsed += len(physKey) + writeRandomValueSize
			}
		default:
			value := ins.values.Generate(writeRandomValueSize)
			if err := txn.Put(group, physKey, value); err != nil {
				if !b.ExpectedOpFailure(Classify(err)) {
					return ins.unexpectedTxn(txn, fmt.Sprintf("put %q", physKey), err)
				}
			} else {
				ins.stats.PutsDone.Add(1)
				ins.stats.BytesInserted.Add(uint64(len(physKey) + len(value)))
				bytesUsed += len(physKey) + len(value)
			}
		}
	}

	if caps.Has(CapTimestamps) {
		if err := txn.SetCommitTimestamp(uint64(time.Now().Unix())); err != nil {
			return ins.unexpectedTxn(txn, "set commit timestamp", err)
		}
	}
	if err := txn.Commit(); err != nil {
		o := Classify(err)
		if !b.ExpectedCommitFailure(o) {
			return ins.unexpectedTxn(txn, "commit", err)
		}
		ins.rollback(txn)
		ins.stats.FailureCount.Add(1)
		ins.stats.SetLastStatus(o)
		return true
	}
	ins.stats.SuccessCount.Add(1)
	ins.stats.SetLastStatus(OutcomeOK)
	return true
}

func (ins *RandomInserter) nextTxnName() string {
	return fmt.Sprintf("txn%d-%d", ins.worker, ins.nameSeq.Add(1))
}

// rollback abandons txn, tolerating handles the backend already closed
// (an expired or conflicted commit finalizes the transaction itself).
func (ins *RandomInserter) rollback(txn Txn) {
	if txn == nil {
		return
	}
	_ = txn.Rollback()
}

// unexpected records an error outside the backend's expected set and fails
// the iteration.
func (ins *RandomInserter) unexpected(op string, err error) bool {
	ins.stats.FailureCount.Add(1)
	ins.stats.SetLastStatus(OutcomeUnexpected)
	ins.logger.Errorf(logging.NSTxn+"%s returned an unexpected error: %v", op, err)
	return false
}

func (ins *RandomInserter) unexpectedTxn(txn Txn, op string, err error) bool {
	ins.rollback(txn)
	return ins.unexpected(op, err)
}

// valueSource hands out fixed-size pseudo-random payloads by slicing a
// pre-filled buffer round-robin, so payload generation never dominates the
// workload.
type valueSource struct {
	buf []byte
	pos int
}

const valueSourceSize = 1 << 20

func newValueSource(rng *Rand64) *valueSource {
	buf := make([]byte, valueSourceSize)
	rng.Fill(buf)
	return &valueSource{buf: buf}
}

// Generate returns n bytes from the buffer. The returned slice aliases the
// buffer and is only valid until the next call consumes past it.
func (vs *valueSource) Generate(n int) []byte {
	if n > len(vs.buf) {
		n = len(vs.buf)
	}
	if vs.pos+n > len(vs.buf) {
		vs.pos = 0
	}
	out := vs.buf[vs.pos : vs.pos+n]
	vs.pos += n
	return out
}
