// Package database provides the SQLite store behind the gateway's
// configuration and attribute-link repository.
//
// This package manages:
//   - The database connection, optionally in WAL mode
//   - Versioned schema migrations registered by the migrations package,
//     with single-step rollback and a guard against running an older binary
//     on a newer schema
//   - Foreign key enforcement, so deleting a configuration cascades to its links
//
// The connection pool is limited to one connection; SQLite has a single
// writer and the gateway's write rate is low (operator edits only).
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files live in the top-level migrations package, named
// YYYYMMDD_HHMMSS_description.up.sql with a matching .down.sql.
package database
