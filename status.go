package txnstress

import (
	"errors"

	"github.com/aalhour/txnstress/internal/engine"
)

// Outcome classifies the result of a backend operation. Everything the
// harness decides — retry, count as failure, or flag a bug — is keyed off
// this classification, never off raw error values.
type Outcome int

const (
	// OutcomeOK is a successful operation.
	OutcomeOK Outcome = iota

	// OutcomeNotFound is a read of an absent key.
	OutcomeNotFound

	// OutcomeConflict is a concurrency-induced failure: lock wait timeout,
	// deadlock abort, or commit-time validation failure. Expected under
	// contention.
	OutcomeConflict

	// OutcomeExpired is a transaction whose lease expired before commit.
	OutcomeExpired

	// OutcomeCorruption is an impossible stored value or a broken invariant.
	OutcomeCorruption

	// OutcomeUnexpected is any error outside the expected set for the backend
	// family in use. It signals a defect in the backend under test.
	OutcomeUnexpected
)

// String returns a short name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeConflict:
		return "conflict"
	case OutcomeExpired:
		return "expired"
	case OutcomeCorruption:
		return "corruption"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Classify maps an engine error to its outcome. A nil error is OutcomeOK;
// an unrecognized error is OutcomeUnexpected.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, engine.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, engine.ErrWriteConflict),
		errors.Is(err, engine.ErrLockTimeout),
		errors.Is(err, engine.ErrDeadlock):
		return OutcomeConflict
	case errors.Is(err, engine.ErrTransactionExpired):
		return OutcomeExpired
	case errors.Is(err, engine.ErrCorruptedValue):
		return OutcomeCorruption
	default:
		return OutcomeUnexpected
	}
}
