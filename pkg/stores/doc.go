// Package stores provides the persistent segment stores behind the engine
// and the history of install attempts.
//
// Three backends implement Store:
//
//   - MemoryStore keeps segments in process memory. It supports a byte
//     budget and allocation failure injection for tests.
//   - SQLiteStore keeps segments as BLOB rows in a SQLite database
//     (modernc.org/sqlite) migrated with golang-migrate.
//   - BadgerStore keeps segments as keys of an embedded Badger database.
//
// Every backend enforces an optional byte capacity; an allocation that
// would exceed it fails with engine.ErrOutOfSpace.
package stores
