package engine

// batch.go implements WriteBatch, a collection of writes applied atomically
// by DB.Write. All writes in a batch become visible at a single sequence
// number, so readers never observe a partially applied batch.

import "bytes"

// batchOp is one operation in a WriteBatch.
type batchOp struct {
	group int
	kind  versionKind
	key   []byte
	value []byte
}

// WriteBatch holds a collection of writes to be applied atomically.
// Keys and values are copied, so callers may reuse their buffers.
//
// A WriteBatch can be reused by calling Clear() after Write().
type WriteBatch struct {
	ops  []batchOp
	size int
}

// NewWriteBatch creates a new empty WriteBatch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// Put adds a key-value pair to the batch (default column group).
func (wb *WriteBatch) Put(key, value []byte) {
	wb.PutCG(0, key, value)
}

// PutCG adds a key-value pair to the batch for the given column group.
func (wb *WriteBatch) PutCG(group int, key, value []byte) {
	wb.ops = append(wb.ops, batchOp{
		group: group,
		kind:  kindValue,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	wb.size += len(key) + len(value)
}

// Delete adds a deletion for the key to the batch (default column group).
func (wb *WriteBatch) Delete(key []byte) {
	wb.DeleteCG(0, key)
}

// DeleteCG adds a deletion for the key to the batch for the given column group.
func (wb *WriteBatch) DeleteCG(group int, key []byte) {
	wb.ops = append(wb.ops, batchOp{
		group: group,
		kind:  kindDelete,
		key:   append([]byte(nil), key...),
	})
	wb.size += len(key)
}

// Clear resets the batch to empty, allowing it to be reused.
func (wb *WriteBatch) Clear() {
	wb.ops = wb.ops[:0]
	wb.size = 0
}

// Count returns the number of operations in the batch.
func (wb *WriteBatch) Count() int {
	return len(wb.ops)
}

// Size returns the total key+value bytes accumulated in the batch.
func (wb *WriteBatch) Size() int {
	return wb.size
}

// Lookup returns the effect of the batch on (group, key): the latest pending
// value, whether any pending op matches, and whether that op is a deletion.
// Used for read-your-own-writes before the batch is applied.
func (wb *WriteBatch) Lookup(group int, key []byte) (value []byte, found, deleted bool) {
	return wb.get(group, key)
}

// get is the internal form of Lookup.
func (wb *WriteBatch) get(group int, key []byte) (value []byte, found, deleted bool) {
	for i := len(wb.ops) - 1; i >= 0; i-- {
		op := wb.ops[i]
		if op.group != group || !bytes.Equal(op.key, key) {
			continue
		}
		if op.kind == kindDelete {
			return nil, true, true
		}
		return op.value, true, false
	}
	return nil, false, false
}
