// Package database provides SQLite connectivity for Growlink Core.
//
// SQLite holds the command audit trail only. Gateway state (telemetry,
// queues, projections) is process-lifetime and never written here.
//
// This package manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Applying embedded schema migrations in version order
//   - Health checks
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
