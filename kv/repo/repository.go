// Package repo assembles the in-memory storage engine: named stores sharing
// one transaction manager and one configuration. It is the layer a consumer
// holds on to; everything below it is reachable through the stores and
// transactions it hands out.
package repo

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/memstore-db/memstore/kv/config"
	"github.com/memstore-db/memstore/kv/store"
	"github.com/memstore-db/memstore/kv/transaction"
)

// Repository is a set of named stores with a shared transaction manager.
type Repository struct {
	cfg *config.Config
	mgr *transaction.Manager

	mu     sync.Mutex
	stores map[string]*store.Store
	closed bool
}

// Open creates a repository from cfg; a nil cfg means defaults.
func Open(cfg *config.Config) (*Repository, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg, p, err := log.InitLogger(&log.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.ReplaceGlobals(lg, p)
	r := &Repository{
		cfg:    cfg,
		mgr:    transaction.NewManager(),
		stores: make(map[string]*store.Store),
	}
	log.Info("repository open",
		zap.Duration("lock-timeout", cfg.LockTimeout.Duration))
	return r, nil
}

// Store returns the store registered under name, creating it with binding on
// first use. The binding of an existing store is left untouched.
func (r *Repository) Store(name string, binding store.Binding) (*store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("repository is closed")
	}
	if s, ok := r.stores[name]; ok {
		return s, nil
	}
	s := store.New(name, binding, r.cfg.LockTimeout.Duration)
	r.stores[name] = s
	log.Info("store created", zap.String("store", name))
	return s, nil
}

// Begin starts a top-level transaction. See transaction.Manager.Begin.
func (r *Repository) Begin(level transaction.IsolationLevel) (*transaction.Txn, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errors.New("repository is closed")
	}
	return r.mgr.Begin(level)
}

// Manager exposes the shared transaction manager.
func (r *Repository) Manager() *transaction.Manager {
	return r.mgr
}

// Close drops the store registry. Closing twice is a no-op. Records are
// gone with the repository; there is nothing to flush.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.stores = nil
	log.Info("repository closed", zap.Int("active-transactions", r.mgr.Active()))
}
