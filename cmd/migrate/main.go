// Archive schema migration tool for the Postgres backend.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/pumpwatch/pumpwatch/internal/db"
)

func main() {
	command := flag.String("command", "up", "Command to run: up, down or status")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Parse()

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "No database URL: set DATABASE_URL or pass -db")
		os.Exit(2)
	}

	database, err := sql.Open("postgres", *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close database connection: %v\n", err)
		}
	}()

	ctx := context.Background()

	if err := database.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to ping database: %v\n", err)
		os.Exit(1)
	}

	migrator := db.NewMigrator(database, *migrationsDir)

	switch *command {
	case "up", "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
	case "down":
		if err := migrator.Rollback(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := migrator.Status(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		fmt.Fprintln(os.Stderr, "Usage: migrate -command=[up|down|status]")
		os.Exit(2)
	}
}
