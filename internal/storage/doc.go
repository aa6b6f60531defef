// Package storage persists scheduled tasks and owns the claim protocol.
//
// Backends:
//   - memory: process-local, used by tests and dry runs
//   - sqlite: single file, pure Go driver (modernc.org/sqlite)
//   - postgres: pgx connection pool
//
// Every backend enforces the same contract; storetest runs it against each.
package storage
