// Database migration CLI tool
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/internal/db"
)

var (
	configPath    = flag.String("config", "", "Path to config file")
	command       = flag.String("command", "migrate", "Command to run: migrate or status")
	dbURL         = flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL (overrides config)")
	migrationsDir = flag.String("migrations", "migrations", "Path to migrations directory")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	dsn := *dbURL
	if dsn == "" {
		dsn = cfg.Database.GetDSN()
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	migrator := db.NewMigrator(database, os.DirFS(*migrationsDir))

	switch *command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	case "status":
		migrations, current, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Status check failed")
		}
		fmt.Printf("Current schema version: %d\n", current)
		fmt.Println("VERSION | STATUS  | DESCRIPTION")
		for _, m := range migrations {
			status := "pending"
			if m.Version <= current {
				status = "applied"
			}
			fmt.Printf("%-7d | %-7s | %s\n", m.Version, status, m.Description)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s (use migrate or status)\n", *command)
		os.Exit(1)
	}
}
