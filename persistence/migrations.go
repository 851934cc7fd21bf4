package persistence

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ailets/ailets-go/config"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/mysql/*.sql
var mysqlMigrations embed.FS

// RunMigrations applies the Dict table's schema migrations for
// Postgres and MySQL backends, grounded on the teacher's
// golang-migrate-backed migrator but narrowed to the one table this
// design persists. SQLite does not go through here: gorm's AutoMigrate
// is sufficient for a single-table, file-local database.
func RunMigrations(cfg config.DatabaseConfig) error {
	var fsys embed.FS
	var subdir string
	switch cfg.Driver {
	case "postgres":
		fsys, subdir = postgresMigrations, "migrations/postgres"
	case "mysql":
		fsys, subdir = mysqlMigrations, "migrations/mysql"
	default:
		return fmt.Errorf("no migrations registered for driver: %s", cfg.Driver)
	}

	sourceDriver, err := iofs.New(fsys, subdir)
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, databaseURL(cfg))
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// databaseURL builds the URL golang-migrate expects, which differs
// slightly from gorm's DSN shape (it wants a scheme prefix).
func databaseURL(cfg config.DatabaseConfig) string {
	switch cfg.Driver {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslModeOrDefault(cfg.SSLMode))
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	default:
		return ""
	}
}

func sslModeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
