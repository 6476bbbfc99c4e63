// Package storage keeps a history of dispatched runs.
//
// Drivers:
//   - "file": JSON Lines append log with a bounded in-memory tail
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// A Recorder turns engine events into RunRecords.
package storage
