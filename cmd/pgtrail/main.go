// Package main is the entry point for the pgtrail administrative binary. It
// dispatches three subcommands (migrate, status, and version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. Applications embed pgtrail as a
// library; this binary exists to install and inspect the schema that the
// library relies on.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/pgtrail/pgtrail/internal/config"
	"github.com/pgtrail/pgtrail/internal/db"
	"github.com/pgtrail/pgtrail/internal/telemetry"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "status"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("pgtrail v%s\n", version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "status":
		return status(cfg)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: migrate, status, version", command)
	}
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("Running migrations", "direction", direction, "database", cfg.Database.Name)
	if err := db.RunMigrations(database, direction); err != nil {
		return err
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	slog.Info("Migrations complete", "version", version, "dirty", dirty)
	return nil
}

func status(cfg *config.Config) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}

	fmt.Printf("database:          %s@%s:%d/%s\n", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	fmt.Printf("migration version: %d\n", version)
	fmt.Printf("dirty:             %t\n", dirty)
	return nil
}
