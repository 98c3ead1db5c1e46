// Package storage is the persistence layer of the orchestrator.
//
// Two drivers share one contract:
//   - memory: maps guarded by a mutex, used by tests and local runs
//   - sqlite: a single-writer SQLite database (modernc.org/sqlite)
//
// The task claim (PENDING -> RUNNING) and the terminal execution update are
// compare-and-set operations in both drivers.
package storage
