package txnstress

import (
	"fmt"
	"math"
)

// verify.go recomputes the sum of values under every set's prefix and
// asserts all sets agree. Sets are visited in a random order, each via
// either a prefix range scan or (1 in 10) point lookups over the whole key
// range, so both read paths get exercised. A decoded sentinel value or a
// total mismatch is corruption.

// CorruptionError reports a broken invariant found during verification:
// either an impossible stored value, or two sets whose totals disagree.
type CorruptionError struct {
	// Set is the set where the problem was found; PrevSet is the previously
	// visited set when totals disagree (-1 otherwise).
	Set     int
	PrevSet int

	// Total and PrevTotal are the disagreeing sums (total mismatch only).
	Total     uint64
	PrevTotal uint64

	// Key and Value identify an impossible stored value (sentinel hit or
	// undecodable text); Key is nil for a total mismatch.
	Key   []byte
	Value []byte
}

func (e *CorruptionError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("txnstress: corruption: set %d key %q holds impossible value %q", e.Set, e.Key, e.Value)
	}
	return fmt.Sprintf("txnstress: corruption: set %d total %d != set %d total %d",
		e.Set, e.Total, e.PrevSet, e.PrevTotal)
}

// Verify checks the cross-set sum invariant over numSets sets of keysPerSet
// keys each. When takeSnapshot is set, all reads are pinned to one snapshot
// so concurrent writers cannot produce false positives; the snapshot is
// released on every exit path. rng randomizes the set visitation order and
// the scan-versus-point-lookup choice; a nil rng visits sets in index order
// and always scans.
func Verify(b Backend, numSets uint16, keysPerSet uint64, takeSnapshot bool, rng *Rand64) error {
	var snap Snapshot
	if takeSnapshot {
		snap = b.GetSnapshot()
		defer b.ReleaseSnapshot(snap)
	}

	order := make([]int, numSets)
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	prevSet := -1
	var prevTotal uint64
	for _, set := range order {
		var total uint64
		var err error
		if rng != nil && rng.OneIn(10) {
			total, err = sumByLookup(b, snap, uint16(set), keysPerSet)
		} else {
			total, err = sumByScan(b, snap, uint16(set))
		}
		if err != nil {
			return err
		}
		if prevSet >= 0 && total != prevTotal {
			return &CorruptionError{
				Set:       set,
				PrevSet:   prevSet,
				Total:     total,
				PrevTotal: prevTotal,
			}
		}
		prevSet, prevTotal = set, total
	}
	return nil
}

// sumByScan totals a set with prefix range scans, one per column group,
// stopping each scan at the first key outside the set's prefix.
func sumByScan(b Backend, snap Snapshot, set uint16) (uint64, error) {
	prefix := SetPrefix(set)
	var total uint64
	for group := 0; group < b.ColumnGroups(); group++ {
		it, err := b.NewIterator(snap, group)
		if err != nil {
			return 0, err
		}
		for it.Seek(prefix); it.Valid(); it.Next() {
			if !MatchesSet(it.Key(), set) {
				break
			}
			v, err := decodeChecked(set, it.Key(), it.Value())
			if err != nil {
				_ = it.Close()
				return 0, err
			}
			total += v
		}
		if err := it.Error(); err != nil {
			_ = it.Close()
			return 0, err
		}
		if err := it.Close(); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// sumByLookup totals a set with a point lookup per key in [0, keysPerSet),
// recomputing each key's column group so reads land where the writer wrote.
func sumByLookup(b Backend, snap Snapshot, set uint16, keysPerSet uint64) (uint64, error) {
	groups := b.ColumnGroups()
	var total uint64
	for key := uint64(0); key < keysPerSet; key++ {
		physKey := EncodeKey(set, key)
		raw, err := b.Get(snap, ColumnGroupOf(physKey, groups), physKey)
		switch Classify(err) {
		case OutcomeOK:
			v, derr := decodeChecked(set, physKey, raw)
			if derr != nil {
				return 0, derr
			}
			total += v
		case OutcomeNotFound:
		default:
			return 0, err
		}
	}
	return total, nil
}

// decodeChecked decodes a stored counter and rejects the reserved
// sentinels, which no transaction ever legitimately writes.
func decodeChecked(set uint16, key, raw []byte) (uint64, error) {
	v, err := DecodeValue(raw)
	if err != nil || v == 0 || v == math.MaxUint64 {
		return 0, &CorruptionError{
			Set:     int(set),
			PrevSet: -1,
			Key:     append([]byte(nil), key...),
			Value:   append([]byte(nil), raw...),
		}
	}
	return v, nil
}
