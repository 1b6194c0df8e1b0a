// Package transaction provides nested units of work over upgradable-locked
// stores: lock tracking per transaction, compensating undo logs replayed on
// abort, and a manager that maps requested isolation levels onto the two
// levels the engine actually distinguishes.
package transaction

import (
	"context"

	"github.com/pingcap/errors"

	"github.com/memstore-db/memstore/kv/metrics"
	"github.com/memstore-db/memstore/kv/upgradelock"
)

// Status is the lifecycle state of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// ErrNotActive is returned when an operation is attempted on a committed or
// aborted transaction.
var ErrNotActive = errors.New("transaction is not active")

// Undoable is a compensating action recorded by a mutation. Compensations
// run in reverse order during abort, while the transaction's write locks are
// still held, and must not fail.
type Undoable func()

// Resource is anything a transaction must release when it finishes,
// typically an open cursor.
type Resource interface {
	Close()
}

// Txn is a possibly-nested transaction. A child shares its locker identity
// with the top-level ancestor, so lock acquisitions nest naturally through
// the lock's reentrancy counters.
//
// A Txn must not be used from multiple goroutines concurrently.
type Txn struct {
	mgr    *Manager
	parent *Txn
	child  *Txn
	level  IsolationLevel
	locker upgradelock.Locker
	status Status

	upgrades  map[*upgradelock.Lock]struct{}
	writes    map[*upgradelock.Lock]struct{}
	undo      []Undoable
	resources map[Resource]struct{}
}

// Status returns the transaction's lifecycle state.
func (t *Txn) Status() Status {
	return t.status
}

// Level returns the effective isolation level.
func (t *Txn) Level() IsolationLevel {
	return t.level
}

// Locker returns the lock owner identity shared by this transaction tree.
func (t *Txn) Locker() upgradelock.Locker {
	return t.locker
}

func (t *Txn) active() error {
	if t.status != StatusActive {
		return errors.Trace(ErrNotActive)
	}
	return nil
}

// Begin starts a nested transaction. The child must finish before the
// parent; committing or aborting the parent first aborts the child.
func (t *Txn) Begin(level IsolationLevel) (*Txn, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if t.child != nil {
		return nil, errors.New("transaction already has an active child")
	}
	eff, err := EffectiveLevel(level)
	if err != nil {
		return nil, err
	}
	if eff == LevelNone {
		return nil, errors.New("nested transaction requires an isolation level")
	}
	child := &Txn{
		mgr:      t.mgr,
		parent:   t,
		level:    eff,
		locker:   t.locker,
		upgrades: make(map[*upgradelock.Lock]struct{}),
		writes:   make(map[*upgradelock.Lock]struct{}),
	}
	t.child = child
	if t.mgr != nil {
		t.mgr.active.Inc()
	}
	metrics.TxnActive.Inc()
	return child, nil
}

// AddUndo appends a compensating action to the undo log.
func (t *Txn) AddUndo(u Undoable) {
	t.undo = append(t.undo, u)
}

// LockForUpgrade acquires the store lock in upgrade mode on behalf of the
// transaction. When the transaction already holds the lock for upgrade or
// write, nothing is acquired. The returned release function is non-nil only
// when the hold is operation-scoped: under read-committed isolation a plain
// read releases its lock as soon as the read completes, while a for-update
// read, or any read under serializable isolation, keeps the hold until the
// transaction finishes.
func (t *Txn) LockForUpgrade(ctx context.Context, l *upgradelock.Lock, forUpdate bool) (func(), error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if _, ok := t.writes[l]; ok {
		return nil, nil
	}
	if _, ok := t.upgrades[l]; ok {
		return nil, nil
	}
	if err := l.LockForUpgradeContext(ctx, t.locker); err != nil {
		return nil, err
	}
	if forUpdate || t.level == LevelSerializable {
		t.upgrades[l] = struct{}{}
		return nil, nil
	}
	locker := t.locker
	return func() { l.UnlockFromUpgrade(locker) }, nil
}

// LockForWrite acquires the store lock in write mode on behalf of the
// transaction and keeps it until commit or abort. Repeated acquisition of
// the same lock is a no-op.
func (t *Txn) LockForWrite(ctx context.Context, l *upgradelock.Lock) error {
	if err := t.active(); err != nil {
		return err
	}
	if _, ok := t.writes[l]; ok {
		return nil
	}
	if err := l.LockForWriteContext(ctx, t.locker); err != nil {
		return err
	}
	t.writes[l] = struct{}{}
	return nil
}

// Register attaches a resource to be closed when the transaction finishes.
func (t *Txn) Register(r Resource) {
	if t.resources == nil {
		t.resources = make(map[Resource]struct{})
	}
	t.resources[r] = struct{}{}
}

// Unregister detaches a resource, typically because it closed itself.
func (t *Txn) Unregister(r Resource) {
	delete(t.resources, r)
}

// Commit finishes the transaction. A top-level commit releases every held
// lock and discards the undo log. Committing a child merges its undo log and
// held locks into the parent: the parent's undo entries stay in front since
// they are older, and locks the parent already holds are released once
// rather than tracked twice.
func (t *Txn) Commit() error {
	if err := t.active(); err != nil {
		return err
	}
	if t.child != nil {
		if err := t.child.Abort(); err != nil {
			return err
		}
	}
	t.closeResources()

	if t.parent != nil {
		p := t.parent
		p.undo = append(p.undo, t.undo...)
		for l := range t.writes {
			if _, ok := p.writes[l]; ok {
				l.UnlockFromWrite(t.locker)
			} else {
				p.writes[l] = struct{}{}
			}
		}
		for l := range t.upgrades {
			if _, ok := p.upgrades[l]; ok {
				l.UnlockFromUpgrade(t.locker)
			} else {
				p.upgrades[l] = struct{}{}
			}
		}
		t.undo = nil
		t.finish(StatusCommitted, "merged")
		return nil
	}

	t.undo = nil
	t.releaseLocks()
	t.finish(StatusCommitted, "committed")
	return nil
}

// Abort rolls the transaction back: the undo log is replayed in reverse
// while the write locks are still held, then every held lock is released. A
// child abort unwinds only its own log; the parent stays active.
func (t *Txn) Abort() error {
	if err := t.active(); err != nil {
		return err
	}
	if t.child != nil {
		if err := t.child.Abort(); err != nil {
			return err
		}
	}
	t.closeResources()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.releaseLocks()
	t.finish(StatusAborted, "aborted")
	return nil
}

func (t *Txn) releaseLocks() {
	for l := range t.writes {
		l.UnlockFromWrite(t.locker)
	}
	for l := range t.upgrades {
		l.UnlockFromUpgrade(t.locker)
	}
	t.writes = nil
	t.upgrades = nil
}

func (t *Txn) closeResources() {
	rs := t.resources
	t.resources = nil
	for r := range rs {
		r.Close()
	}
}

func (t *Txn) finish(status Status, result string) {
	t.status = status
	if t.parent != nil {
		t.parent.child = nil
	}
	metrics.TxnActive.Dec()
	metrics.TxnFinished.WithLabelValues(result).Inc()
	if t.mgr != nil {
		t.mgr.finished(t)
	}
}
