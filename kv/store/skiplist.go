package store

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
	"unsafe"
)

const maxHeight = 16

// skipnode links records through atomic next pointers. The record slot is
// also atomic so an update can swap in a replacement value while readers are
// traversing.
type skipnode struct {
	rec    unsafe.Pointer // *Record
	height int
	nexts  [maxHeight]unsafe.Pointer // *skipnode
}

func (n *skipnode) record() Record {
	return *(*Record)(atomic.LoadPointer(&n.rec))
}

func (n *skipnode) setRecord(r Record) {
	atomic.StorePointer(&n.rec, unsafe.Pointer(&r))
}

func (n *skipnode) next(level int) *skipnode {
	return (*skipnode)(atomic.LoadPointer(&n.nexts[level]))
}

func (n *skipnode) setNext(level int, next *skipnode) {
	atomic.StorePointer(&n.nexts[level], unsafe.Pointer(next))
}

// skiplist is an ordered map over opaque records. Any number of readers may
// traverse concurrently with a single structural writer; the caller
// serializes writers (the store does so with its upgrade lock). Ordering is
// supplied by the comparator, which must also understand probe records.
type skiplist struct {
	height int32
	length int32
	head   *skipnode
	cmp    func(a, b Record) int
	rand   rand.Source64
}

func newSkiplist(cmp func(a, b Record) int) *skiplist {
	return &skiplist{
		height: 1,
		head:   &skipnode{height: maxHeight},
		cmp:    cmp,
		rand:   rand.NewSource(time.Now().UnixNano()).(rand.Source64),
	}
}

func (sl *skiplist) getHeight() int {
	return int(atomic.LoadInt32(&sl.height))
}

func (sl *skiplist) setHeight(height int) {
	atomic.StoreInt32(&sl.height, int32(height))
}

func (sl *skiplist) len() int {
	return int(atomic.LoadInt32(&sl.length))
}

// findGreater returns the first node whose record compares >= key, reporting
// whether it compares equal. A nil node means every record is smaller.
func (sl *skiplist) findGreater(key Record, allowEqual bool) (*skipnode, bool) {
	prev := sl.head
	level := sl.getHeight() - 1
	for {
		next := prev.next(level)
		if next != nil {
			cmp := sl.cmp(next.record(), key)
			if cmp < 0 {
				// next is still smaller, keep moving right.
				prev = next
				continue
			}
			if cmp == 0 {
				if allowEqual {
					return next, true
				}
				level = 0
				prev = next
				continue
			}
		}
		// next is greater than key or nil. Go down a level.
		if level > 0 {
			level--
			continue
		}
		return next, false
	}
}

// findLess returns the last node whose record compares < key (or <= when
// allowEqual), never the head.
func (sl *skiplist) findLess(key Record, allowEqual bool) (*skipnode, bool) {
	prev := sl.head
	level := sl.getHeight() - 1
	for {
		next := prev.next(level)
		if next != nil {
			cmp := sl.cmp(key, next.record())
			if cmp > 0 {
				prev = next
				continue
			}
			if cmp == 0 && allowEqual {
				return next, true
			}
		}
		if level > 0 {
			level--
			continue
		}
		break
	}
	if prev == sl.head {
		return nil, false
	}
	return prev, false
}

// findLast returns the last node, or nil when the list is empty.
func (sl *skiplist) findLast() *skipnode {
	n := sl.head
	level := sl.getHeight() - 1
	for {
		next := n.next(level)
		if next != nil {
			n = next
			continue
		}
		if level == 0 {
			if n == sl.head {
				return nil
			}
			return n
		}
		level--
	}
}

// findSpliceForLevel returns (before, after) with before < key <= after on
// the given level, and whether after compares equal to key.
func (sl *skiplist) findSpliceForLevel(key Record, before *skipnode, level int) (*skipnode, *skipnode, bool) {
	for {
		next := before.next(level)
		if next == nil {
			return before, nil, false
		}
		cmp := sl.cmp(next.record(), key)
		if cmp >= 0 {
			return before, next, cmp == 0
		}
		before = next
	}
}

func (sl *skiplist) get(key Record) (*skipnode, bool) {
	return sl.findGreater(key, true)
}

// insert links rec into the list, returning false if an equal key already
// exists. Single structural writer only.
func (sl *skiplist) insert(rec Record) bool {
	lsHeight := sl.getHeight()
	var prev [maxHeight + 1]*skipnode
	var next [maxHeight + 1]*skipnode
	prev[lsHeight] = sl.head
	for i := lsHeight - 1; i >= 0; i-- {
		var exists bool
		prev[i], next[i], exists = sl.findSpliceForLevel(rec, prev[i+1], i)
		if exists {
			return false
		}
	}

	height := sl.randomHeight()
	n := &skipnode{height: height}
	n.setRecord(rec)
	if height > lsHeight {
		sl.setHeight(height)
	}

	// Link from the base level up; a reader entering at a higher level can
	// only find the node once the levels below are already in place.
	for i := 0; i < height; i++ {
		if next[i] != nil {
			n.nexts[i] = unsafe.Pointer(next[i])
		}
		if prev[i] == nil {
			prev[i] = sl.head
		}
		prev[i].setNext(i, n)
	}
	atomic.AddInt32(&sl.length, 1)
	return true
}

// delete unlinks the node matching key, returning false if there is none.
// Single structural writer only.
func (sl *skiplist) delete(key Record) bool {
	lsHeight := sl.getHeight()
	var prevs [maxHeight + 1]*skipnode
	prevs[lsHeight] = sl.head
	var keyNode *skipnode
	for i := lsHeight - 1; i >= 0; i-- {
		var match bool
		prevs[i], keyNode, match = sl.findSpliceForLevel(key, prevs[i+1], i)
		if !match {
			keyNode = nil
		}
	}
	if keyNode == nil {
		return false
	}
	// Unlink from the top level down so the list stays consistent at every
	// point for concurrent readers.
	for i := keyNode.height - 1; i >= 0; i-- {
		prevs[i].setNext(i, keyNode.next(i))
	}
	atomic.AddInt32(&sl.length, -1)
	return true
}

func (sl *skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && sl.rand.Uint64() < uint64(math.MaxUint64)/4 {
		h++
	}
	return h
}
