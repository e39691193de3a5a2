package postgres

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationTableName keeps goose's bookkeeping table clearly namespaced.
const migrationTableName = "gradeflow_schema_migrations"

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, log *slog.Logger) error {
	goose.SetLogger(&gooseSlogAdapter{log: log.With("component", "migrations")})
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName(migrationTableName)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// gooseSlogAdapter routes goose's output through the structured logger.
type gooseSlogAdapter struct {
	log *slog.Logger
}

func (a *gooseSlogAdapter) Fatalf(format string, v ...interface{}) {
	a.log.Error(fmt.Sprintf(format, v...))
}

func (a *gooseSlogAdapter) Printf(format string, v ...interface{}) {
	a.log.Info(fmt.Sprintf(format, v...))
}
