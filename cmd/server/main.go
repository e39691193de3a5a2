// Command server runs the gradeflow HTTP server: the grading task queue,
// its worker pool, and the REST/SSE API in one process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gradeflow/internal/config"
	"gradeflow/internal/platform/logger"
	"gradeflow/internal/platform/postgres"
)

func main() {
	migrateOnly := flag.Bool("migrate", false,
		"apply database migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Server.LogLevel)

	if err := run(cfg, log, *migrateOnly); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, migrateOnly bool) error {
	db, err := openDatabase(cfg.Database.URL, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	if err := postgres.RunMigrations(db, log); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if migrateOnly {
		log.Info("migrations applied, exiting")
		return nil
	}

	app, err := buildApplication(cfg, db, log)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	return app.Run()
}

// openDatabase opens and verifies the PostgreSQL connection.
func openDatabase(url string, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("failed to close database after ping failure",
				"error", closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connection established")
	return db, nil
}
