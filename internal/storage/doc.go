// Package storage persists content items and publishing rules.
//
// Drivers:
//   - "memory": process-local maps, used by tests and dry runs
//   - "file": memory plus a JSON Lines journal and periodic snapshot
//   - "sqlite": embedded SQLite via modernc.org/sqlite
//   - "postgres": PostgreSQL via github.com/lib/pq
//
// Every status write is a conditional update on the expected prior status,
// and dispatch claims rows with a short lease before publishing.
package storage
