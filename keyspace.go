package txnstress

import (
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"
)

// keyspace.go maps (set, key) pairs onto flat storage keys. Each logical set
// owns a 4-digit decimal prefix, 1-based, so set 0 becomes "0001". The raw
// key's decimal text follows the prefix. Values are decimal-text-encoded
// counters; 0 and MaxUint64 are reserved as corruption sentinels and are
// never legitimately stored.

// setPrefixLen is the width of the zero-padded set prefix.
const setPrefixLen = 4

// maxEncodableSet is the largest set index EncodeKey accepts: set+1 must fit
// in the 4-digit prefix.
const maxEncodableSet = 9998

// EncodeKey builds the physical key for (set, key): the 4-digit set prefix
// followed by the key's decimal text. Panics if set is out of the encodable
// range, which is a caller bug rather than a runtime condition.
func EncodeKey(set uint16, key uint64) []byte {
	if set > maxEncodableSet {
		panic(fmt.Sprintf("txnstress: set %d out of range, prefix would exceed %d digits", set, setPrefixLen))
	}
	buf := make([]byte, 0, setPrefixLen+20)
	buf = appendSetPrefix(buf, set)
	buf = strconv.AppendUint(buf, key, 10)
	return buf
}

// SetPrefix returns the 4-digit prefix for set, suitable for range scans.
func SetPrefix(set uint16) []byte {
	if set > maxEncodableSet {
		panic(fmt.Sprintf("txnstress: set %d out of range, prefix would exceed %d digits", set, setPrefixLen))
	}
	return appendSetPrefix(make([]byte, 0, setPrefixLen), set)
}

func appendSetPrefix(buf []byte, set uint16) []byte {
	n := uint64(set) + 1
	return append(buf,
		byte('0'+n/1000%10),
		byte('0'+n/100%10),
		byte('0'+n/10%10),
		byte('0'+n%10))
}

// MatchesSet reports whether physicalKey belongs to set, by comparing the
// 4-byte prefix.
func MatchesSet(physicalKey []byte, set uint16) bool {
	if len(physicalKey) < setPrefixLen {
		return false
	}
	n := uint64(set) + 1
	return physicalKey[0] == byte('0'+n/1000%10) &&
		physicalKey[1] == byte('0'+n/100%10) &&
		physicalKey[2] == byte('0'+n/10%10) &&
		physicalKey[3] == byte('0'+n%10)
}

// ColumnGroupOf deterministically assigns a physical key to one of groupCount
// column groups. It is a pure hash of the key, so verification can recompute
// a key's group without knowing the write order that created it.
func ColumnGroupOf(physicalKey []byte, groupCount int) int {
	if groupCount <= 1 {
		return 0
	}
	return int(xxh3.Hash(physicalKey) % uint64(groupCount))
}

// EncodeValue renders a counter value as decimal text.
func EncodeValue(v uint64) []byte {
	return strconv.AppendUint(nil, v, 10)
}

// DecodeValue parses a stored counter value. Callers are responsible for
// rejecting the 0 and MaxUint64 sentinels.
func DecodeValue(data []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("txnstress: invalid stored value %q: %w", data, err)
	}
	return v, nil
}
