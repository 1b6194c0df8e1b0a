package transaction

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/memstore-db/memstore/kv/metrics"
	"github.com/memstore-db/memstore/kv/upgradelock"
)

// IsolationLevel is a requested transaction isolation level. The engine only
// distinguishes two behaviors, so requested levels collapse pairwise: both
// read-uncommitted and read-committed behave as read-committed (reads
// release their locks once the read completes), and both repeatable-read and
// serializable behave as serializable (read locks are held until the
// transaction finishes).
type IsolationLevel int

const (
	// LevelNone requests no transaction at all; every operation is
	// auto-commit.
	LevelNone IsolationLevel = iota
	LevelReadUncommitted
	LevelReadCommitted
	LevelRepeatableRead
	LevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelReadUncommitted:
		return "read-uncommitted"
	case LevelReadCommitted:
		return "read-committed"
	case LevelRepeatableRead:
		return "repeatable-read"
	case LevelSerializable:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// EffectiveLevel maps a requested level to the level the engine enforces.
func EffectiveLevel(level IsolationLevel) (IsolationLevel, error) {
	switch level {
	case LevelNone:
		return LevelNone, nil
	case LevelReadUncommitted, LevelReadCommitted:
		return LevelReadCommitted, nil
	case LevelRepeatableRead, LevelSerializable:
		return LevelSerializable, nil
	default:
		return LevelNone, errors.Errorf("unsupported isolation level: %s", level)
	}
}

// Manager creates and tracks transactions.
type Manager struct {
	active atomic.Int32
}

func NewManager() *Manager {
	return &Manager{}
}

// Begin starts a top-level transaction at the requested isolation level.
// LevelNone yields a nil transaction: callers pass it through unchanged and
// every store operation runs auto-commit.
func (m *Manager) Begin(level IsolationLevel) (*Txn, error) {
	eff, err := EffectiveLevel(level)
	if err != nil {
		return nil, err
	}
	if eff == LevelNone {
		return nil, nil
	}
	t := &Txn{
		mgr:      m,
		level:    eff,
		upgrades: make(map[*upgradelock.Lock]struct{}),
		writes:   make(map[*upgradelock.Lock]struct{}),
	}
	// A top-level transaction is its own locker identity; children inherit
	// it so the whole tree owns locks as one.
	t.locker = t
	m.active.Inc()
	metrics.TxnActive.Inc()
	return t, nil
}

// Active returns the number of live transactions created by this manager,
// nested transactions included.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

func (m *Manager) finished(*Txn) {
	m.active.Dec()
}

type txnKey struct{}

// NewContext returns a context carrying txn, so layers that only see a
// context can still find the transaction in whose scope they run.
func NewContext(ctx context.Context, txn *Txn) context.Context {
	return context.WithValue(ctx, txnKey{}, txn)
}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Txn {
	txn, _ := ctx.Value(txnKey{}).(*Txn)
	return txn
}
