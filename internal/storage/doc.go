// Package storage persists campaigns, attempts and scheduler execution
// history on SQL.
//
// Two drivers are supported:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx stdlib
//
// Timestamps are stored as unix milliseconds on both drivers so range
// filters compare numerically. Schema changes are goose migrations embedded
// per dialect.
package storage
