// Package store is the persistent store behind the bridge.
//
// Memory is the authoritative object cache: committed objects are
// immutable snapshots that any goroutine may read, and every mutation goes
// through a Tx. A Tx holds the store's single-writer lock from Begin until
// Commit or Rollback, edits private copies of objects, keeps inverse
// relationships in sync, and publishes its change set atomically with a
// fresh version stamped from the store's commit clock.
//
// OpenSQLite and OpenPostgres wrap Memory with a Persister that writes each
// change set to a database before it becomes visible. A failed write
// aborts the commit.
//
// Watch registers a live query. After each commit the query is re-run and
// the callback receives the new result together with a Change describing
// deleted, inserted and updated positions.
package store
