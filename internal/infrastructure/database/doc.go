// Package database provides SQLite connectivity, embedded schema migrations
// and the transaction helper shared by all repositories.
//
// This package manages:
//   - Database connection with WAL mode and foreign keys enforced
//   - Schema migrations loaded from an fs.FS (embedded by package migrations)
//   - DBTX, the query interface satisfied by both *sql.DB and *sql.Tx
//   - WithTx, which owns commit/rollback for one unit of work
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = database.WithTx(ctx, db, nil, func(ctx context.Context, tx database.DBTX) error {
//	    // mutation and its audit record share tx
//	    return nil
//	})
//
// Migrations are additive-only: new columns must be NULLABLE or have
// DEFAULT values, and each file has both .up.sql and .down.sql.
package database
