package store

import (
	"github.com/pingcap/errors"

	"github.com/memstore-db/memstore/kv/metrics"
	"github.com/memstore-db/memstore/kv/transaction"
	"github.com/memstore-db/memstore/kv/upgradelock"
)

type lockMode int

const (
	lockNone lockMode = iota
	lockRead
	lockUpgrade
)

// Cursor iterates over a range of a store. It holds exactly one lock,
// acquired when the scan opened, and releases it as soon as iteration is
// exhausted or fails; Close is always safe to call again. Every step yields
// a defensive copy of the stored record, so mutating the returned value
// never writes through to the store.
type Cursor struct {
	store  *Store
	txn    *transaction.Txn
	bounds scanBounds
	locker upgradelock.Locker
	mode   lockMode

	node  *skipnode
	rec   Record
	valid bool
}

// Valid reports whether the cursor is positioned on a record.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Record returns a copy of the current record, or nil when the cursor is
// exhausted.
func (c *Cursor) Record() Record {
	return c.rec
}

// Next advances to the following record in iteration order. Advancing past
// the last record releases the cursor's lock. A fault during the step is
// returned as a recoverable fetch error, with the lock released first.
func (c *Cursor) Next() (err error) {
	if !c.valid {
		return nil
	}
	defer c.guard(&err)
	c.settle(c.advance())
	return nil
}

// Skip advances past up to n records, returning how many were skipped.
func (c *Cursor) Skip(n int) (int, error) {
	if n < 0 {
		return 0, errors.Errorf("cannot skip negative amount: %d", n)
	}
	skipped := 0
	for skipped < n && c.valid {
		if err := c.Next(); err != nil {
			return skipped, err
		}
		skipped++
	}
	return skipped, nil
}

// Close releases the cursor's lock and detaches it from its transaction.
// Closing an already-closed cursor is a no-op.
func (c *Cursor) Close() {
	c.valid = false
	c.node = nil
	c.rec = nil
	c.release()
}

// seek positions the cursor on the first record in iteration order.
func (c *Cursor) seek() (err error) {
	defer c.guard(&err)
	sl := c.store.list
	var n *skipnode
	if c.bounds.reverse {
		if c.bounds.end == nil {
			n = sl.findLast()
		} else {
			n, _ = sl.findLess(c.bounds.end, true)
		}
	} else {
		if c.bounds.start == nil {
			n = sl.head.next(0)
		} else {
			n, _ = sl.findGreater(c.bounds.start, true)
		}
	}
	c.settle(n)
	return nil
}

func (c *Cursor) advance() *skipnode {
	if c.bounds.reverse {
		// The copy in hand works as its own probe; re-searching by value
		// stays correct even if the current node was deleted underneath
		// us.
		n, _ := c.store.list.findLess(c.rec, false)
		return n
	}
	return c.node.next(0)
}

// settle accepts n as the current position if it is inside the bounds, and
// otherwise exhausts the cursor and releases the lock early.
func (c *Cursor) settle(n *skipnode) {
	if n == nil {
		c.exhaust()
		return
	}
	rec := n.record()
	if !c.bounds.within(c.store.binding.Compare, rec) {
		c.exhaust()
		return
	}
	c.node = n
	c.rec = c.store.binding.Copy(rec)
	c.valid = true
	if t := c.store.triggers.AfterLoad; t != nil {
		t(c.rec)
	}
}

func (c *Cursor) exhaust() {
	c.valid = false
	c.node = nil
	c.rec = nil
	c.release()
}

func (c *Cursor) release() {
	switch c.mode {
	case lockRead:
		c.store.lock.UnlockFromRead(c.locker)
	case lockUpgrade:
		c.store.lock.UnlockFromUpgrade(c.locker)
	}
	c.mode = lockNone
	if c.txn != nil {
		c.txn.Unregister(c)
		c.txn = nil
	}
}

// guard converts a panic during a cursor step into a recoverable fetch
// fault, releasing the cursor's lock first.
func (c *Cursor) guard(err *error) {
	if r := recover(); r != nil {
		c.release()
		c.valid = false
		c.node = nil
		c.rec = nil
		metrics.LockFaults.WithLabelValues("fetch", "cursor").Inc()
		*err = &FetchError{Cause: errors.Errorf("cursor iteration fault: %v", r)}
	}
}
