// Package store implements an in-memory ordered record store guarded by an
// upgradable lock. Records are opaque; ordering, probe construction, and
// copying are supplied per record type through a Binding. The underlying
// skiplist is safe for concurrent readers against a single structural
// writer, so the lock exists to provide atomicity, isolation, and visibility
// rather than to protect the map's structure: inserts and deletes only need
// the upgrade lock, while an in-place update swaps a record seen by
// concurrent readers and therefore needs the full write lock.
//
// Every operation takes an optional transaction. With a nil transaction the
// operation is auto-commit and holds its lock only for the call. Inside a
// transaction, reads take the upgrade lock rather than a shared read lock:
// two transactions that both read-locked a store and later escalated to
// write would deadlock, whereas at most one holder can sit on the upgrade
// path. Mutations take the write lock for the remainder of the transaction,
// appending a compensating action to its undo log.
package store

import (
	"context"
	"time"

	"github.com/memstore-db/memstore/kv/metrics"
	"github.com/memstore-db/memstore/kv/transaction"
	"github.com/memstore-db/memstore/kv/upgradelock"
)

// Record is an opaque, externally defined value with a well-ordered key.
// Key fields must not change after insertion.
type Record = interface{}

// Binding supplies the per-record-type contract the store needs: a total
// order over records and probes, construction of search-only probe records
// from leading ordering property values plus a tie-breaker tag, and full
// value copying.
type Binding interface {
	// Compare orders two records, either of which may be a probe.
	Compare(a, b Record) int
	// NewProbe builds a search-only record from leading ordering property
	// values. A probe with tie -1 sorts just before any real record with
	// the same values, +1 just after; tie 0 compares equal to one.
	NewProbe(tie int, props ...interface{}) Record
	// Copy returns a full-value copy of r.
	Copy(r Record) Record
}

// Store is an ordered map from a record's key projection to the record.
type Store struct {
	name     string
	binding  Binding
	list     *skiplist
	lock     *upgradelock.Lock
	timeout  time.Duration
	triggers Triggers
}

// New creates an empty store. Every blocking lock acquisition made on the
// store's behalf is bounded by lockTimeout; zero means wait forever.
func New(name string, binding Binding, lockTimeout time.Duration) *Store {
	return &Store{
		name:    name,
		binding: binding,
		list:    newSkiplist(binding.Compare),
		lock:    upgradelock.New(),
		timeout: lockTimeout,
	}
}

// SetTriggers installs the store's hooks. Not safe to call concurrently
// with operations.
func (s *Store) SetTriggers(t Triggers) {
	s.triggers = t
}

func (s *Store) Name() string {
	return s.name
}

// Size returns the number of live records.
func (s *Store) Size() int {
	return s.list.len()
}

// Load returns a copy of the record matching probe, or nil when there is
// none. Auto-commit loads take a shared read lock for the call;
// transactional loads take the upgrade lock per the transaction's isolation
// level.
func (s *Store) Load(ctx context.Context, txn *transaction.Txn, probe Record) (Record, error) {
	return s.load(ctx, txn, probe, false)
}

// LoadForUpdate is Load with the acquired upgrade lock held until the
// transaction finishes, declaring the caller's intent to write. Outside a
// transaction it behaves exactly like Load.
func (s *Store) LoadForUpdate(ctx context.Context, txn *transaction.Txn, probe Record) (Record, error) {
	return s.load(ctx, txn, probe, true)
}

func (s *Store) load(ctx context.Context, txn *transaction.Txn, probe Record, forUpdate bool) (Record, error) {
	metrics.StoreOps.WithLabelValues(s.name, "load").Inc()
	lctx, cancel := s.opCtx(ctx)
	defer cancel()

	if txn == nil {
		locker := newLocker()
		if err := s.lock.LockForReadContext(lctx, locker); err != nil {
			return nil, s.fetchErr(err)
		}
		defer s.lock.UnlockFromRead(locker)
		return s.copyOut(s.list.get(probe))
	}

	release, err := txn.LockForUpgrade(lctx, s.lock, forUpdate)
	if err != nil {
		return nil, s.fetchErr(err)
	}
	if release != nil {
		defer release()
	}
	return s.copyOut(s.list.get(probe))
}

// Insert adds rec under its key. It returns false, not an error, when the
// key already exists, so callers can build insert-or-update idioms without
// error-driven control flow.
func (s *Store) Insert(ctx context.Context, txn *transaction.Txn, rec Record) (bool, error) {
	metrics.StoreOps.WithLabelValues(s.name, "insert").Inc()
	lctx, cancel := s.opCtx(ctx)
	defer cancel()

	if txn == nil {
		// An insert never mutates an existing entry, so the upgrade lock
		// is enough to serialize structural writers.
		locker := newLocker()
		if err := s.lock.LockForUpgradeContext(lctx, locker); err != nil {
			return false, s.persistErr(err)
		}
		defer s.lock.UnlockFromUpgrade(locker)
		return s.doInsert(nil, rec)
	}

	if err := txn.LockForWrite(lctx, s.lock); err != nil {
		return false, s.persistErr(err)
	}
	return s.doInsert(txn, rec)
}

// Update replaces the stored record matching rec's key with a copy of rec.
// It returns false when no such record exists.
func (s *Store) Update(ctx context.Context, txn *transaction.Txn, rec Record) (bool, error) {
	metrics.StoreOps.WithLabelValues(s.name, "update").Inc()
	lctx, cancel := s.opCtx(ctx)
	defer cancel()

	if txn == nil {
		locker := newLocker()
		if err := s.lock.LockForWriteContext(lctx, locker); err != nil {
			return false, s.persistErr(err)
		}
		defer s.lock.UnlockFromWrite(locker)
		return s.doUpdate(nil, rec)
	}

	if err := txn.LockForWrite(lctx, s.lock); err != nil {
		return false, s.persistErr(err)
	}
	return s.doUpdate(txn, rec)
}

// Delete removes the record matching probe, returning false when there is
// none.
func (s *Store) Delete(ctx context.Context, txn *transaction.Txn, probe Record) (bool, error) {
	metrics.StoreOps.WithLabelValues(s.name, "delete").Inc()
	lctx, cancel := s.opCtx(ctx)
	defer cancel()

	if txn == nil {
		locker := newLocker()
		if err := s.lock.LockForUpgradeContext(lctx, locker); err != nil {
			return false, s.persistErr(err)
		}
		defer s.lock.UnlockFromUpgrade(locker)
		return s.doDelete(nil, probe)
	}

	if err := txn.LockForWrite(lctx, s.lock); err != nil {
		return false, s.persistErr(err)
	}
	return s.doDelete(txn, probe)
}

// Scan opens a cursor over the records within r. The cursor holds a read
// lock (auto-commit) or an upgrade lock (transactional) for its lifetime.
func (s *Store) Scan(ctx context.Context, txn *transaction.Txn, r Range) (*Cursor, error) {
	metrics.StoreOps.WithLabelValues(s.name, "scan").Inc()
	lctx, cancel := s.opCtx(ctx)
	defer cancel()

	c := &Cursor{store: s, bounds: s.resolveRange(r)}
	if txn == nil {
		locker := newLocker()
		if err := s.lock.LockForReadContext(lctx, locker); err != nil {
			return nil, s.fetchErr(err)
		}
		c.locker, c.mode = locker, lockRead
	} else {
		if r.ForUpdate {
			// Pin the upgrade hold to the transaction so it outlives the
			// cursor.
			if _, err := txn.LockForUpgrade(lctx, s.lock, true); err != nil {
				return nil, s.fetchErr(err)
			}
		}
		locker := txn.Locker()
		if err := s.lock.LockForUpgradeContext(lctx, locker); err != nil {
			return nil, s.fetchErr(err)
		}
		c.locker, c.mode = locker, lockUpgrade
		c.txn = txn
		txn.Register(c)
	}
	if err := c.seek(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) doInsert(txn *transaction.Txn, rec Record) (bool, error) {
	if t := s.triggers.BeforeInsert; t != nil {
		if err := t(rec); err != nil {
			return false, err
		}
	}
	stored := s.binding.Copy(rec)
	if !s.list.insert(stored) {
		return false, nil
	}
	if txn != nil {
		txn.AddUndo(func() { s.list.delete(stored) })
	}
	if t := s.triggers.AfterInsert; t != nil {
		t(rec)
	}
	return true, nil
}

func (s *Store) doUpdate(txn *transaction.Txn, rec Record) (bool, error) {
	n, ok := s.list.get(rec)
	if !ok {
		return false, nil
	}
	old := n.record()
	oldCopy := s.binding.Copy(old)
	if t := s.triggers.BeforeUpdate; t != nil {
		if err := t(oldCopy, rec); err != nil {
			return false, err
		}
	}
	n.setRecord(s.binding.Copy(rec))
	if txn != nil {
		txn.AddUndo(func() {
			if m, ok := s.list.get(old); ok {
				m.setRecord(old)
			}
		})
	}
	if t := s.triggers.AfterUpdate; t != nil {
		t(oldCopy, rec)
	}
	return true, nil
}

func (s *Store) doDelete(txn *transaction.Txn, probe Record) (bool, error) {
	n, ok := s.list.get(probe)
	if !ok {
		return false, nil
	}
	old := n.record()
	oldCopy := s.binding.Copy(old)
	if t := s.triggers.BeforeDelete; t != nil {
		if err := t(oldCopy); err != nil {
			return false, err
		}
	}
	s.list.delete(probe)
	if txn != nil {
		txn.AddUndo(func() { s.list.insert(old) })
	}
	if t := s.triggers.AfterDelete; t != nil {
		t(oldCopy)
	}
	return true, nil
}

func (s *Store) copyOut(n *skipnode, ok bool) (Record, error) {
	if !ok {
		return nil, nil
	}
	out := s.binding.Copy(n.record())
	if t := s.triggers.AfterLoad; t != nil {
		t(out)
	}
	return out, nil
}

// opCtx bounds a lock acquisition by the store's configured timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// newLocker mints a lock owner identity for a single auto-commit operation.
func newLocker() upgradelock.Locker {
	return new(byte)
}
