package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PORTFOLIO_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  PORTFOLIO_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("PORTFOLIO_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/portfolioledger?sslmode=disable"
	}

	migrationsDir := os.Getenv("PORTFOLIO_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir, logger)

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
		logger.Info().Msg("last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		versions := make([]string, 0, len(status))
		for v := range status {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			state := "pending"
			if status[v] {
				state = "applied"
			}
			fmt.Printf("%s  %s\n", v, state)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
