package engine

// skiplist.go implements the ordered in-memory index backing each column
// group. Nodes are keyed by user key and carry a copy-on-write version chain,
// so readers and iterators never block writers.
//
// Semantics follow the classic memtable skip list:
//   - Lock-free reads (concurrent reads are safe without locking)
//   - Inserts require external synchronization
//   - Nodes are never deleted until the list is destroyed

import (
	"bytes"
	"math/rand"
	"sync/atomic"
)

const (
	skipListMaxHeight = 12

	// On average, 1/branching nodes are promoted to the next level.
	skipListBranching = 4
)

// versionKind discriminates entries in a node's version chain.
type versionKind byte

const (
	kindValue versionKind = iota
	kindDelete
)

// version is one entry in a node's version chain. Chains are ordered newest
// first: by timestamp descending for timestamped groups, and by sequence
// number descending otherwise (plain groups leave ts at zero, which preserves
// pure sequence ordering).
type version struct {
	seq   uint64
	ts    uint64
	kind  versionKind
	value []byte // stored (possibly compressed) representation
}

// skipNode is a node in the skip list.
type skipNode struct {
	key      []byte
	versions atomic.Pointer[[]version]
	next     []atomic.Pointer[skipNode]
}

func newSkipNode(key []byte, height int) *skipNode {
	return &skipNode{
		key:  key,
		next: make([]atomic.Pointer[skipNode], height),
	}
}

func (n *skipNode) getNext(level int) *skipNode {
	return n.next[level].Load()
}

func (n *skipNode) setNext(level int, node *skipNode) {
	n.next[level].Store(node)
}

// chain returns the node's version chain (newest first). May be nil for a
// node that was created but not yet populated.
func (n *skipNode) chain() []version {
	p := n.versions.Load()
	if p == nil {
		return nil
	}
	return *p
}

// addVersion inserts v into the chain, keeping (ts desc, seq desc) order.
// Copy-on-write so concurrent readers see either the old or the new chain.
// REQUIRES: external synchronization with other writers.
func (n *skipNode) addVersion(v version) {
	old := n.chain()
	idx := 0
	for idx < len(old) {
		if old[idx].ts < v.ts || (old[idx].ts == v.ts && old[idx].seq < v.seq) {
			break
		}
		idx++
	}
	updated := make([]version, 0, len(old)+1)
	updated = append(updated, old[:idx]...)
	updated = append(updated, v)
	updated = append(updated, old[idx:]...)
	n.versions.Store(&updated)
}

// skipList is a lock-free (for reads) skip list keyed by user key.
type skipList struct {
	head      *skipNode
	maxHeight int32 // current max height, atomically accessed
	rng       *rand.Rand
	count     int64
}

func newSkipList() *skipList {
	return &skipList{
		head:      newSkipNode(nil, skipListMaxHeight),
		maxHeight: 1,
		rng:       rand.New(rand.NewSource(0xDEADBEEF)),
	}
}

// getOrInsert returns the node for key, inserting an empty node if absent.
// REQUIRES: external synchronization (the DB write mutex).
func (sl *skipList) getOrInsert(key []byte) *skipNode {
	prev := make([]*skipNode, skipListMaxHeight)
	x := sl.findGreaterOrEqual(key, prev)
	if x != nil && bytes.Equal(x.key, key) {
		return x
	}

	height := sl.randomHeight()
	maxH := int(atomic.LoadInt32(&sl.maxHeight))
	if height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = sl.head
		}
		atomic.StoreInt32(&sl.maxHeight, int32(height))
	}

	node := newSkipNode(append([]byte(nil), key...), height)
	for i := 0; i < height; i++ {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	atomic.AddInt64(&sl.count, 1)
	return node
}

// get returns the node for key, or nil if absent.
func (sl *skipList) get(key []byte) *skipNode {
	x := sl.findGreaterOrEqual(key, nil)
	if x != nil && bytes.Equal(x.key, key) {
		return x
	}
	return nil
}

// findGreaterOrEqual finds the first node with key >= the given key.
// If prev is not nil, it is filled with the predecessor at each level.
func (sl *skipList) findGreaterOrEqual(key []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && bytes.Compare(key, next.key) > 0 {
			x = next
		} else {
			if prev != nil {
				prev[level] = x
			}
			if level == 0 {
				return next
			}
			level--
		}
	}
}

func (sl *skipList) first() *skipNode {
	return sl.head.getNext(0)
}

func (sl *skipList) randomHeight() int {
	height := 1
	for height < skipListMaxHeight && sl.rng.Intn(skipListBranching) == 0 {
		height++
	}
	return height
}
