package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres:// migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/animatch/matchmaker/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Direction selects which way Migrate moves the schema.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migrate applies (Up) or rolls back one step of (Down) the embedded
// migrations against the database at dsn. It opens its own connection.
func Migrate(dsn string, dir Direction) error {
	if dir != Up && dir != Down {
		return fmt.Errorf("database: unknown migration direction %q", dir)
	}

	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	switch dir {
	case Up:
		err = m.Up()
	case Down:
		err = m.Steps(-1)
	}
	logger := logging.Component("migrate")
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info().Str("direction", string(dir)).Msg("schema already current")
		return nil
	}
	if err != nil {
		return fmt.Errorf("database: migrate %s: %w", dir, err)
	}

	version, dirty, _ := m.Version()
	logger.Info().
		Str("direction", string(dir)).
		Uint("version", version).
		Bool("dirty", dirty).
		Msg("migrations applied")
	return nil
}

// Version reports the current schema version.
func Version(dsn string) (uint, bool, error) {
	m, err := newMigrator(dsn)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m)

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("database: version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("database: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: init migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		logger := logging.Component("migrate")
		logger.Warn().
			AnErr("source_error", srcErr).
			AnErr("database_error", dbErr).
			Msg("close migrator")
	}
}
