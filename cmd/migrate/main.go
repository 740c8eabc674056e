package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"PerpSettle/internal/config"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations: [x] applied, [!] applied but file changed")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  SETTLE_CONFIG         - optional YAML config file")
		fmt.Println("  SETTLE_POSTGRES_DSN   - Postgres connection string")
		fmt.Println("  SETTLE_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range status {
			mark := " "
			switch {
			case s.Drifted:
				mark = "!"
			case s.Applied:
				mark = "x"
			}
			fmt.Printf("[%s] %s\n", mark, s.File)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
