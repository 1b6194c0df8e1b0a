package transaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstore-db/memstore/kv/upgradelock"
)

func beginTest(t *testing.T, level IsolationLevel) *Txn {
	t.Helper()
	txn, err := NewManager().Begin(level)
	require.NoError(t, err)
	require.NotNil(t, txn)
	return txn
}

func TestAbortReplaysUndoInReverse(t *testing.T) {
	txn := beginTest(t, LevelSerializable)

	var order []string
	txn.AddUndo(func() { order = append(order, "first") })
	txn.AddUndo(func() { order = append(order, "second") })
	txn.AddUndo(func() { order = append(order, "third") })

	require.NoError(t, txn.Abort())
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestCommitDiscardsUndo(t *testing.T) {
	txn := beginTest(t, LevelSerializable)

	called := false
	txn.AddUndo(func() { called = true })
	require.NoError(t, txn.Commit())
	assert.False(t, called)
}

func TestWriteLockHeldUntilFinish(t *testing.T) {
	l := upgradelock.New()
	txn := beginTest(t, LevelSerializable)

	require.NoError(t, txn.LockForWrite(context.Background(), l))
	// Repeated acquisition of the same lock is absorbed.
	require.NoError(t, txn.LockForWrite(context.Background(), l))

	outsider := new(byte)
	assert.False(t, l.TryLockForRead(outsider))

	require.NoError(t, txn.Commit())
	require.True(t, l.TryLockForWrite(outsider))
	l.UnlockFromWrite(outsider)
}

func TestReadCommittedReleasesAfterRead(t *testing.T) {
	l := upgradelock.New()
	txn := beginTest(t, LevelReadCommitted)
	defer txn.Abort()

	release, err := txn.LockForUpgrade(context.Background(), l, false)
	require.NoError(t, err)
	require.NotNil(t, release)

	outsider := new(byte)
	assert.False(t, l.TryLockForUpgrade(outsider))
	release()
	require.True(t, l.TryLockForUpgrade(outsider))
	l.UnlockFromUpgrade(outsider)
}

func TestSerializableHoldsReadLocks(t *testing.T) {
	l := upgradelock.New()
	txn := beginTest(t, LevelSerializable)

	release, err := txn.LockForUpgrade(context.Background(), l, false)
	require.NoError(t, err)
	assert.Nil(t, release)

	outsider := new(byte)
	assert.False(t, l.TryLockForUpgrade(outsider))

	require.NoError(t, txn.Commit())
	require.True(t, l.TryLockForUpgrade(outsider))
	l.UnlockFromUpgrade(outsider)
}

func TestForUpdatePinsReadCommittedLock(t *testing.T) {
	l := upgradelock.New()
	txn := beginTest(t, LevelReadCommitted)

	release, err := txn.LockForUpgrade(context.Background(), l, true)
	require.NoError(t, err)
	assert.Nil(t, release)

	// A later plain read of the same lock needs no new acquisition.
	release, err = txn.LockForUpgrade(context.Background(), l, false)
	require.NoError(t, err)
	assert.Nil(t, release)

	outsider := new(byte)
	assert.False(t, l.TryLockForUpgrade(outsider))
	require.NoError(t, txn.Abort())
	require.True(t, l.TryLockForUpgrade(outsider))
	l.UnlockFromUpgrade(outsider)
}

func TestUpgradeSkippedWhenWriteHeld(t *testing.T) {
	l := upgradelock.New()
	txn := beginTest(t, LevelSerializable)

	require.NoError(t, txn.LockForWrite(context.Background(), l))
	release, err := txn.LockForUpgrade(context.Background(), l, true)
	require.NoError(t, err)
	assert.Nil(t, release)

	require.NoError(t, txn.Commit())
	outsider := new(byte)
	require.True(t, l.TryLockForWrite(outsider))
	l.UnlockFromWrite(outsider)
}

func TestChildCommitMergesUndoAndLocks(t *testing.T) {
	l := upgradelock.New()
	parent := beginTest(t, LevelSerializable)

	var order []string
	parent.AddUndo(func() { order = append(order, "parent") })

	child, err := parent.Begin(LevelSerializable)
	require.NoError(t, err)
	require.NoError(t, child.LockForWrite(context.Background(), l))
	child.AddUndo(func() { order = append(order, "child-1") })
	child.AddUndo(func() { order = append(order, "child-2") })
	require.NoError(t, child.Commit())

	// The child's lock now belongs to the parent.
	outsider := new(byte)
	assert.False(t, l.TryLockForRead(outsider))

	// Aborting the parent unwinds the merged log youngest first, then
	// releases the transferred lock.
	require.NoError(t, parent.Abort())
	assert.Equal(t, []string{"child-2", "child-1", "parent"}, order)
	require.True(t, l.TryLockForWrite(outsider))
	l.UnlockFromWrite(outsider)
}

func TestChildCommitReleasesDuplicateLocks(t *testing.T) {
	l := upgradelock.New()
	parent := beginTest(t, LevelSerializable)
	require.NoError(t, parent.LockForWrite(context.Background(), l))

	child, err := parent.Begin(LevelSerializable)
	require.NoError(t, err)
	require.NoError(t, child.LockForWrite(context.Background(), l))
	require.NoError(t, child.Commit())

	// The parent's own hold remains after the duplicate was dropped.
	outsider := new(byte)
	assert.False(t, l.TryLockForRead(outsider))

	require.NoError(t, parent.Commit())
	require.True(t, l.TryLockForWrite(outsider))
	l.UnlockFromWrite(outsider)
}

func TestChildAbortLeavesParentActive(t *testing.T) {
	l := upgradelock.New()
	parent := beginTest(t, LevelSerializable)

	parentSeen := false
	parent.AddUndo(func() { parentSeen = true })

	child, err := parent.Begin(LevelSerializable)
	require.NoError(t, err)
	require.NoError(t, child.LockForWrite(context.Background(), l))
	childUndone := false
	child.AddUndo(func() { childUndone = true })
	require.NoError(t, child.Abort())

	assert.True(t, childUndone)
	assert.False(t, parentSeen)
	assert.Equal(t, StatusActive, parent.Status())

	// The child's lock was released with it.
	outsider := new(byte)
	require.True(t, l.TryLockForWrite(outsider))
	l.UnlockFromWrite(outsider)

	require.NoError(t, parent.Commit())
	assert.False(t, parentSeen)
}

type closeTracker struct {
	closed int
}

func (c *closeTracker) Close() { c.closed++ }

func TestResourcesClosedOnFinish(t *testing.T) {
	txn := beginTest(t, LevelSerializable)

	a, b := &closeTracker{}, &closeTracker{}
	txn.Register(a)
	txn.Register(b)
	txn.Unregister(b)

	require.NoError(t, txn.Commit())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 0, b.closed)
}

func TestFinishedTxnRejectsOperations(t *testing.T) {
	l := upgradelock.New()
	txn := beginTest(t, LevelSerializable)
	require.NoError(t, txn.Abort())

	_, err := txn.LockForUpgrade(context.Background(), l, false)
	require.Error(t, err)
	require.Error(t, txn.LockForWrite(context.Background(), l))
	_, err = txn.Begin(LevelSerializable)
	require.Error(t, err)
}
