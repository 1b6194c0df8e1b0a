package memstore

/*
Memstore is an in-memory transactional record store. Records live in ordered
in-process maps; there is no persistence and no network surface, so it is a
storage engine for embedding rather than a database server.

The module is organized into the following packages:

* `kv/upgradelock`: an upgradable read/upgrade/write lock, the sole
  synchronizer guarding each store.
* `kv/store`: ordered record stores over a concurrent skiplist, with range
  cursors and trigger hooks.
* `kv/transaction`: nested transactions with per-transaction lock tracking,
  compensating undo logs, and isolation level mapping.
* `kv/repo`: the assembled repository consumers hold on to.
* `kv/config`, `kv/metrics`: configuration and Prometheus instrumentation.
*/
