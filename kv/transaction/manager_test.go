package transaction

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveLevel(t *testing.T) {
	cases := []struct {
		in, out IsolationLevel
	}{
		{LevelNone, LevelNone},
		{LevelReadUncommitted, LevelReadCommitted},
		{LevelReadCommitted, LevelReadCommitted},
		{LevelRepeatableRead, LevelSerializable},
		{LevelSerializable, LevelSerializable},
	}
	for _, c := range cases {
		got, err := EffectiveLevel(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.out, got, "requested %s", c.in)
	}

	_, err := EffectiveLevel(IsolationLevel(42))
	require.Error(t, err)
}

func TestManagerBeginNone(t *testing.T) {
	m := NewManager()
	txn, err := m.Begin(LevelNone)
	require.NoError(t, err)
	assert.Nil(t, txn)
	assert.Equal(t, 0, m.Active())
}

func TestManagerBeginUnsupported(t *testing.T) {
	m := NewManager()
	_, err := m.Begin(IsolationLevel(42))
	require.Error(t, err)
	assert.Equal(t, 0, m.Active())
}

func TestManagerTracksActive(t *testing.T) {
	m := NewManager()

	txn, err := m.Begin(LevelReadCommitted)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, LevelReadCommitted, txn.Level())
	assert.Equal(t, StatusActive, txn.Status())
	assert.Equal(t, 1, m.Active())

	child, err := txn.Begin(LevelSerializable)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Active())

	require.NoError(t, child.Commit())
	assert.Equal(t, 1, m.Active())
	require.NoError(t, txn.Abort())
	assert.Equal(t, 0, m.Active())
}

func TestTxnFinishedTwice(t *testing.T) {
	m := NewManager()
	txn, err := m.Begin(LevelSerializable)
	require.NoError(t, err)

	require.NoError(t, txn.Commit())
	assert.Equal(t, StatusCommitted, txn.Status())
	assert.Equal(t, ErrNotActive, errors.Cause(txn.Commit()))
	assert.Equal(t, ErrNotActive, errors.Cause(txn.Abort()))
}

func TestNestedBeginRules(t *testing.T) {
	m := NewManager()
	txn, err := m.Begin(LevelSerializable)
	require.NoError(t, err)
	defer txn.Abort()

	// No second child while one is active, and no level-free children.
	child, err := txn.Begin(LevelReadCommitted)
	require.NoError(t, err)
	_, err = txn.Begin(LevelReadCommitted)
	require.Error(t, err)
	_, err = txn.Begin(LevelNone)
	require.Error(t, err)

	// The whole tree shares one locker identity.
	assert.Equal(t, txn.Locker(), child.Locker())

	require.NoError(t, child.Abort())
	_, err = txn.Begin(LevelReadCommitted)
	require.NoError(t, err)
}

func TestParentFinishAbortsChild(t *testing.T) {
	m := NewManager()
	txn, err := m.Begin(LevelSerializable)
	require.NoError(t, err)
	child, err := txn.Begin(LevelSerializable)
	require.NoError(t, err)

	var undone bool
	child.AddUndo(func() { undone = true })

	require.NoError(t, txn.Commit())
	assert.Equal(t, StatusAborted, child.Status())
	assert.True(t, undone)
	assert.Equal(t, 0, m.Active())
}

func TestContextCarriesTxn(t *testing.T) {
	m := NewManager()
	txn, err := m.Begin(LevelReadCommitted)
	require.NoError(t, err)
	defer txn.Abort()

	assert.Nil(t, FromContext(context.Background()))
	ctx := NewContext(context.Background(), txn)
	assert.Equal(t, txn, FromContext(ctx))
}
