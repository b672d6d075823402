// Package database provides SQLite connectivity for the Tydom bridge.
//
// The store keeps what the bridge must remember across restarts:
//   - the last snapshot of every device (warm start before the gateway answers)
//   - attribute change history
//   - the gateway session password derived from the cloud account
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: each version ships an .up.sql and a .down.sql file.
package database
