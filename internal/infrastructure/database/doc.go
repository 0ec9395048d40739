// Package database provides the SQLite store behind the download ledger.
//
// Open configures WAL mode and a busy timeout so the CLI can record a
// download while another process reads the ledger. Schema changes ship as
// embedded SQL files (see package migrations) and are applied by Migrate:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive. Each version has an .up.sql file and may have a
// .down.sql file used by MigrateDown during development.
package database
