// Package db is the on-device store for donations and expenses.
//
// The store is embedded SQLite (ncruces/go-sqlite3, no cgo) opened in WAL
// mode. It never talks to the network; the sync package reads pending rows
// from here and flips them to synced after a successful upload.
//
// Architecture:
//   - Pool: a fixed number of pinned handles (default 3). Each operation is
//     probed first and retried up to 3 times on a rebuilt pool.
//   - Migrator: named, ordered migrations recorded in schema_migrations.
//   - Bulk writes: one transaction per call, chunked only for pacing.
//
// Reads report absence with a found flag. Updates report absence with
// ErrNotFound.
//
// Example:
//
//	store := db.New(db.DefaultConfig("ledger.db"))
//	if err := store.Init(ctx); err != nil {
//	    return err // *db.InitError, offer reset
//	}
//	defer store.Close()
package db
