// Package storage keeps an optional history of trigger occurrences.
//
// Drivers:
//   - "file": JSON lines appended to a single file
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
