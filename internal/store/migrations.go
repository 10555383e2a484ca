package store

import (
	"database/sql"
	"fmt"

	"github.com/hyperengineering/tether/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies the embedded bookkeeping schema (outbox, conflicts,
// cache, schema registry) using goose. Domain tables are not managed here;
// they follow the canonical schema through the schema applier.
func RunMigrations(db *sql.DB) error {
	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
