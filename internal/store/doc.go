// Package store persists task records.
//
// The sqlite driver (modernc.org/sqlite, WAL mode, single writer connection)
// is the production backend; the memory driver backs tests. Both honor the
// same listing contract: priority ascending, then created_at, then id.
package store
