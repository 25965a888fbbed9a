package txnstress

import "sync/atomic"

// Stats accumulates workload counters. One Stats instance is shared by all
// inserters of a harness session and lives for the whole run; counters are
// never reset. All fields are safe for concurrent update.
type Stats struct {
	SuccessCount  atomic.Uint64
	FailureCount  atomic.Uint64
	BytesInserted atomic.Uint64
	BytesRead     atomic.Uint64
	GetsDone      atomic.Uint64
	PutsDone      atomic.Uint64
	DeletesDone   atomic.Uint64
	FoundCount    atomic.Uint64

	lastStatus atomic.Int32
}

// SetLastStatus records the most recent terminal outcome.
func (s *Stats) SetLastStatus(o Outcome) {
	s.lastStatus.Store(int32(o))
}

// LastStatus returns the most recent terminal outcome.
func (s *Stats) LastStatus() Outcome {
	return Outcome(s.lastStatus.Load())
}

// StatsSnapshot is a point-in-time copy of the counters for reporting.
type StatsSnapshot struct {
	SuccessCount  uint64
	FailureCount  uint64
	BytesInserted uint64
	BytesRead     uint64
	GetsDone      uint64
	PutsDone      uint64
	DeletesDone   uint64
	FoundCount    uint64
	LastStatus    Outcome
}

// Snapshot copies the current counter values. The copy is not atomic across
// counters; it is meant for periodic reporting, not exact accounting.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SuccessCount:  s.SuccessCount.Load(),
		FailureCount:  s.FailureCount.Load(),
		BytesInserted: s.BytesInserted.Load(),
		BytesRead:     s.BytesRead.Load(),
		GetsDone:      s.GetsDone.Load(),
		PutsDone:      s.PutsDone.Load(),
		DeletesDone:   s.DeletesDone.Load(),
		FoundCount:    s.FoundCount.Load(),
		LastStatus:    s.LastStatus(),
	}
}
