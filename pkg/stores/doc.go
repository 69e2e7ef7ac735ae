// Package stores provides the persistence backends of the orchestrator.
//
// Three drivers implement Store: an in-process MemoryStore for tests and
// single-node development, SQLiteStore (WAL mode, golang-migrate migrations)
// and PostgresStore (pgx pool, row-level claim locking). Every driver keeps
// aggregates as JSON documents with indexed projection columns, enforces
// optimistic versioning on save and hands each QUEUED task to at most one
// claimer, and only once its dependencies have succeeded.
package stores
