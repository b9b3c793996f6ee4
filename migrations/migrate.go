package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed *.sql
var files embed.FS

// RunMigrations brings the schema up to date from the embedded SQL files.
// Safe to call on every startup; an already-current schema is not an error.
func RunMigrations(db *sql.DB, logger zerolog.Logger) error {
	source, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	upErr := m.Up()
	switch {
	case errors.Is(upErr, migrate.ErrNoChange):
		logger.Debug().Msg("Schema already up to date")
	case upErr != nil:
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	default:
		logger.Info().Msg("Schema migrations applied")
	}
	return nil
}
