// Package storage persists the history of frame drain passes so it can be
// inspected after the fact.
//
// Drivers:
//   - "file": JSON Lines, no extra dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "bolt": bbolt key/value file with sequence keys
package storage
