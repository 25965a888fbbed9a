package engine

// iterator.go implements ordered iteration over one column group. The
// iterator resolves each key's visible version against its sequence number
// and read timestamp bounds, skipping deletions and keys with no visible
// version. It is safe to use while writers run: skip list nodes are never
// unlinked and version chains are copy-on-write.

// maxTimestamp is the largest representable timestamp; it disables the
// timestamp bound on plain (non-timestamped) reads.
const maxTimestamp = ^uint64(0)

// Iterator iterates over the keys of one column group in ascending order,
// yielding each key's visible value.
type Iterator struct {
	list *skipList
	seq  uint64
	ts   uint64

	node  *skipNode
	value []byte
	err   error
}

// Seek positions the iterator at the first key >= target with a visible
// version.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
	it.settle()
}

// SeekToFirst positions the iterator at the first key with a visible version.
func (it *Iterator) SeekToFirst() {
	it.node = it.list.first()
	it.settle()
}

// Valid returns true if the iterator is positioned at a live entry.
func (it *Iterator) Valid() bool {
	return it.node != nil && it.err == nil
}

// Next advances to the next key with a visible version.
// REQUIRES: Valid()
func (it *Iterator) Next() {
	if it.node == nil {
		return
	}
	it.node = it.node.getNext(0)
	it.settle()
}

// Key returns the current key.
// REQUIRES: Valid()
func (it *Iterator) Key() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.key
}

// Value returns the current (decoded) value.
// REQUIRES: Valid()
func (it *Iterator) Value() []byte {
	return it.value
}

// Error returns the first error encountered while decoding values.
func (it *Iterator) Error() error {
	return it.err
}

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.node = nil
	it.value = nil
	return it.err
}

// settle advances past keys whose visible version is absent or a deletion,
// and decodes the value at the resting position.
func (it *Iterator) settle() {
	for it.node != nil {
		v, ok := visibleAt(it.node.chain(), it.seq, it.ts)
		if ok && v.kind == kindValue {
			val, err := decodeValue(v.value)
			if err != nil {
				it.err = err
				return
			}
			it.value = val
			return
		}
		it.node = it.node.getNext(0)
	}
	it.value = nil
}

// visibleAt returns the newest version within both the sequence and
// timestamp bounds.
func visibleAt(chain []version, seq, ts uint64) (version, bool) {
	for _, v := range chain {
		if v.seq <= seq && v.ts <= ts {
			return v, true
		}
	}
	return version{}, false
}
