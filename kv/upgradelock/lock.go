// Package upgradelock provides a three-mode lock supporting shared Read,
// Upgrade, and exclusive Write access, designed for callers that may need to
// escalate a read into a write without risking the classic lock-upgrade
// deadlock.
//
// Read locks are shared. An Upgrade lock is exclusive against other Upgrade
// and Write requests but keeps admitting Read locks, which makes it a safe
// stepping stone towards a Write lock: at most one locker can be heading
// towards a write at any time. A Write lock is fully exclusive. Acquiring a
// Write lock implicitly acquires the Upgrade lock first when the caller does
// not already hold it; such an automatic acquisition is released together
// with the Write lock.
//
// Lock ownership is tracked by an opaque Locker value compared by equality.
// A locker may be a goroutine-local token, a transaction, or a session; the
// lock itself imposes no threading model, but a single locker must not be
// used from multiple goroutines at once. Upgrade and Write modes are
// reentrant for their owner. Read mode is admitted to any number of lockers
// and is not counted per owner.
//
// Waiters are kept in two FIFO queues, one shared by Read and Write requests
// and one for Upgrade requests, so a stream of readers cannot starve a
// queued writer while readers already admitted still run concurrently. The
// queues are lock-free linked lists; the lock state itself is a single
// packed integer updated by compare-and-swap, so there is no mutex anywhere
// on the acquisition path.
package upgradelock

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	uatomic "go.uber.org/atomic"
)

// Locker identifies the owner of an Upgrade or Write hold. Any comparable
// value works; pointer identity is typical.
type Locker interface{}

// ReadBypass lets an embedder admit a read request ahead of queued waiters,
// for example to grant reentrant reads that the lock itself does not track.
type ReadBypass func(locker Locker) bool

// Lock state is packed into one uint32 so every transition is a single CAS:
// the low 30 bits count read holds, the two high bits mark the Upgrade and
// Write holds.
const (
	readMask   uint32 = 1<<30 - 1
	upgradeBit uint32 = 1 << 30
	writeBit   uint32 = 1 << 31
)

type ownerRef struct {
	id Locker
}

// Lock is a Read/Upgrade/Write lock. The zero value is not usable; call New.
type Lock struct {
	state uatomic.Uint32

	// owner holds an ownerRef naming the current Upgrade/Write holder.
	// Reads have no owner.
	owner atomic.Value

	// The counters and the automatic-upgrade flag below are only accessed
	// by the current owner, so they need no synchronization of their own;
	// the CAS transitions on state order the handoff between owners.
	upgradeCount int32
	writeCount   int32
	autoUpgrade  bool

	main     *waitQueue // read and write waiters
	upgrades *waitQueue

	readBypass ReadBypass
}

// New returns an unlocked Lock.
func New() *Lock {
	l := &Lock{
		main:     newWaitQueue(),
		upgrades: newWaitQueue(),
	}
	l.owner.Store(ownerRef{})
	return l
}

// NewWithBypass returns a Lock whose read admission consults fn before
// forcing a request to queue behind earlier waiters.
func NewWithBypass(fn ReadBypass) *Lock {
	l := New()
	l.readBypass = fn
	return l
}

func (l *Lock) isOwner(locker Locker) bool {
	ref, _ := l.owner.Load().(ownerRef)
	return ref.id != nil && ref.id == locker
}

func (l *Lock) setOwner(locker Locker) {
	l.owner.Store(ownerRef{id: locker})
}

func (l *Lock) clearOwner() {
	l.owner.Store(ownerRef{})
}

// LockForRead acquires a shared read hold, blocking until admitted.
func (l *Lock) LockForRead(locker Locker) {
	l.acquireRead(locker, nil, nil)
}

// LockForReadContext acquires a shared read hold, giving up when ctx is
// cancelled or its deadline passes.
func (l *Lock) LockForReadContext(ctx context.Context, locker Locker) error {
	if l.acquireRead(locker, ctx.Done(), nil) {
		return nil
	}
	return ctx.Err()
}

// LockForReadTimeout acquires a shared read hold, returning false if the
// lock was not admitted within d.
func (l *Lock) LockForReadTimeout(locker Locker, d time.Duration) bool {
	if l.tryRead(locker, false) {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	return l.acquireRead(locker, nil, t.C)
}

// TryLockForRead acquires a shared read hold only if it is admissible
// immediately.
func (l *Lock) TryLockForRead(locker Locker) bool {
	return l.tryRead(locker, false)
}

// UnlockFromRead releases one read hold. It panics if no read hold exists.
func (l *Lock) UnlockFromRead(locker Locker) {
	for {
		s := l.state.Load()
		if s&readMask == 0 {
			panic("upgradelock: unbalanced read unlock")
		}
		if l.state.CAS(s, s-1) {
			if (s-1)&readMask == 0 {
				// A writer may have been waiting for readers to drain.
				l.main.wake()
			}
			return
		}
	}
}

// LockForUpgrade acquires the upgrade hold, blocking until admitted.
// Reentrant for the current owner.
func (l *Lock) LockForUpgrade(locker Locker) {
	l.acquireUpgrade(locker, nil, nil)
}

// LockForUpgradeContext acquires the upgrade hold, giving up when ctx is
// cancelled or its deadline passes.
func (l *Lock) LockForUpgradeContext(ctx context.Context, locker Locker) error {
	if l.acquireUpgrade(locker, ctx.Done(), nil) {
		return nil
	}
	return ctx.Err()
}

// LockForUpgradeTimeout acquires the upgrade hold, returning false if it was
// not admitted within d.
func (l *Lock) LockForUpgradeTimeout(locker Locker, d time.Duration) bool {
	if l.tryUpgrade(locker, false) {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	return l.acquireUpgrade(locker, nil, t.C)
}

// TryLockForUpgrade acquires the upgrade hold only if it is admissible
// immediately.
func (l *Lock) TryLockForUpgrade(locker Locker) bool {
	return l.tryUpgrade(locker, false)
}

// UnlockFromUpgrade releases one upgrade hold by locker. Releasing the last
// hold while a write hold is still outstanding keeps the upgrade bit set on
// behalf of the writer; it is dropped when the write hold fully unwinds.
func (l *Lock) UnlockFromUpgrade(locker Locker) {
	if !l.isOwner(locker) || l.upgradeCount == 0 {
		panic("upgradelock: unbalanced upgrade unlock")
	}
	l.upgradeCount--
	if l.upgradeCount > 0 {
		return
	}
	if l.writeCount > 0 {
		// The last explicit hold is gone but a write hold is still
		// outstanding: the upgrade bit is retained on the writer's
		// behalf and unwinds with it.
		if l.autoUpgrade {
			panic("upgradelock: unbalanced upgrade unlock")
		}
		l.autoUpgrade = true
		l.upgradeCount = 1
		return
	}
	l.releaseUpgradeBit()
}

// LockForWrite acquires the exclusive write hold, blocking until admitted.
// Reentrant for the current owner. The upgrade hold is taken first when the
// caller does not already own it.
func (l *Lock) LockForWrite(locker Locker) {
	l.acquireWrite(locker, nil, nil)
}

// LockForWriteContext acquires the exclusive write hold, giving up when ctx
// is cancelled or its deadline passes. An upgrade hold taken automatically
// on the way is rolled back on failure.
func (l *Lock) LockForWriteContext(ctx context.Context, locker Locker) error {
	if l.acquireWrite(locker, ctx.Done(), nil) {
		return nil
	}
	return ctx.Err()
}

// LockForWriteTimeout acquires the exclusive write hold, returning false if
// it was not admitted within d.
func (l *Lock) LockForWriteTimeout(locker Locker, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	return l.acquireWrite(locker, nil, t.C)
}

// TryLockForWrite acquires the exclusive write hold only if it is admissible
// immediately.
func (l *Lock) TryLockForWrite(locker Locker) bool {
	if l.isOwner(locker) {
		if l.writeCount > 0 {
			l.bumpWriteCount()
			return true
		}
		if l.tryWriteBit(false) {
			l.writeCount = 1
			return true
		}
		return false
	}
	if !l.tryUpgrade(locker, false) {
		return false
	}
	if l.tryWriteBit(false) {
		l.writeCount = 1
		l.autoUpgrade = true
		return true
	}
	l.UnlockFromUpgrade(locker)
	return false
}

// UnlockFromWrite releases one write hold by locker. Releasing the last
// write hold also drops the upgrade hold if it was acquired automatically by
// LockForWrite.
func (l *Lock) UnlockFromWrite(locker Locker) {
	if !l.isOwner(locker) || l.writeCount == 0 {
		panic("upgradelock: unbalanced write unlock")
	}
	l.writeCount--
	if l.writeCount > 0 {
		return
	}
	if l.autoUpgrade {
		// Unwind the implicit upgrade hold taken by LockForWrite, or
		// retained when the owner released its last explicit hold while
		// writing.
		l.autoUpgrade = false
		l.upgradeCount--
		if l.upgradeCount == 0 {
			l.clearOwner()
			for {
				s := l.state.Load()
				if l.state.CAS(s, s&^(writeBit|upgradeBit)) {
					break
				}
			}
			l.main.wake()
			l.upgrades.wake()
			return
		}
	}
	for {
		s := l.state.Load()
		if l.state.CAS(s, s&^writeBit) {
			break
		}
	}
	l.main.wake()
}

// tryRead attempts a single read admission. A request that is not yet queued
// defers to earlier waiters unless the bypass policy grants it.
func (l *Lock) tryRead(locker Locker, queued bool) bool {
	for {
		s := l.state.Load()
		if s&writeBit != 0 && !l.isOwner(locker) {
			return false
		}
		if !queued && !l.isOwner(locker) && !l.main.empty() {
			if l.readBypass == nil || !l.readBypass(locker) {
				return false
			}
		}
		if s&readMask == readMask {
			panic("upgradelock: read hold count overflow")
		}
		if l.state.CAS(s, s+1) {
			return true
		}
	}
}

func (l *Lock) acquireRead(locker Locker, done <-chan struct{}, timeoutC <-chan time.Time) bool {
	if l.tryRead(locker, false) {
		return true
	}
	w := newWaiter(wantRead)
	l.main.enqueue(w)
	for {
		if l.main.first() == w && l.tryRead(locker, true) {
			l.main.remove(w)
			// Admitted reads are shared, so pull the next reader in
			// behind us.
			if n := l.main.first(); n != nil && n.want == wantRead {
				n.signal()
			}
			return true
		}
		select {
		case <-w.ch:
		case <-done:
			l.abandon(l.main, w)
			return false
		case <-timeoutC:
			l.abandon(l.main, w)
			return false
		}
	}
}

func (l *Lock) tryUpgrade(locker Locker, queued bool) bool {
	if l.isOwner(locker) {
		if l.upgradeCount == math.MaxInt32 {
			panic("upgradelock: upgrade hold count overflow")
		}
		l.upgradeCount++
		return true
	}
	for {
		s := l.state.Load()
		if s&(upgradeBit|writeBit) != 0 {
			return false
		}
		if !queued && !l.upgrades.empty() {
			return false
		}
		if l.state.CAS(s, s|upgradeBit) {
			l.setOwner(locker)
			l.upgradeCount = 1
			return true
		}
	}
}

func (l *Lock) acquireUpgrade(locker Locker, done <-chan struct{}, timeoutC <-chan time.Time) bool {
	if l.tryUpgrade(locker, false) {
		return true
	}
	w := newWaiter(wantUpgrade)
	l.upgrades.enqueue(w)
	for {
		if l.upgrades.first() == w && l.tryUpgrade(locker, true) {
			l.upgrades.remove(w)
			return true
		}
		select {
		case <-w.ch:
		case <-done:
			l.abandon(l.upgrades, w)
			return false
		case <-timeoutC:
			l.abandon(l.upgrades, w)
			return false
		}
	}
}

func (l *Lock) acquireWrite(locker Locker, done <-chan struct{}, timeoutC <-chan time.Time) bool {
	if l.isOwner(locker) {
		if l.writeCount > 0 {
			l.bumpWriteCount()
			return true
		}
		if l.acquireWriteBit(done, timeoutC) {
			l.writeCount = 1
			return true
		}
		return false
	}
	if !l.acquireUpgrade(locker, done, timeoutC) {
		return false
	}
	if l.acquireWriteBit(done, timeoutC) {
		l.writeCount = 1
		l.autoUpgrade = true
		return true
	}
	l.UnlockFromUpgrade(locker)
	return false
}

// tryWriteBit flips the write bit. The caller must already hold the upgrade
// lock, so the only obstacle is outstanding readers.
func (l *Lock) tryWriteBit(queued bool) bool {
	for {
		s := l.state.Load()
		if s&readMask != 0 {
			return false
		}
		if !queued && !l.main.empty() {
			return false
		}
		if l.state.CAS(s, s|writeBit) {
			return true
		}
	}
}

func (l *Lock) acquireWriteBit(done <-chan struct{}, timeoutC <-chan time.Time) bool {
	if l.tryWriteBit(false) {
		return true
	}
	w := newWaiter(wantWrite)
	l.main.enqueue(w)
	for {
		if l.main.first() == w && l.tryWriteBit(true) {
			l.main.remove(w)
			return true
		}
		select {
		case <-w.ch:
		case <-done:
			l.abandon(l.main, w)
			return false
		case <-timeoutC:
			l.abandon(l.main, w)
			return false
		}
	}
}

func (l *Lock) releaseUpgradeBit() {
	l.clearOwner()
	for {
		s := l.state.Load()
		if l.state.CAS(s, s&^upgradeBit) {
			break
		}
	}
	l.upgrades.wake()
}

// abandon withdraws a cancelled waiter and passes any wakeup it absorbed on
// to its successor.
func (l *Lock) abandon(q *waitQueue, w *waiter) {
	w.cancel()
	q.wake()
	select {
	case <-w.ch:
		// A releaser handed us the baton between cancelling and now;
		// re-pass it so the next waiter is not stranded.
		q.wake()
	default:
	}
}

func (l *Lock) bumpWriteCount() {
	if l.writeCount == math.MaxInt32 {
		panic("upgradelock: write hold count overflow")
	}
	l.writeCount++
}
