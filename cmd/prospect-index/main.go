package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/prospecthq/prospectd/index"
	indexollama "github.com/prospecthq/prospectd/index/ollama"
	prospectlogger "github.com/prospecthq/prospectd/logger"
	"github.com/prospecthq/prospectd/migrations"
)

// prospect-index builds the prospect index from a JSON listings file,
// standalone from the daemon.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath       = flag.String("db", "prospectd.db", "Path to SQLite database file")
		listingsPath = flag.String("listings", "listings.json", "Path to JSON listings file")
		embedModel   = flag.String("embed-model", string(indexollama.ModelMXBAI), "Ollama embedding model")
	)
	flag.Parse()

	logger, err := prospectlogger.InitWithOptions("", true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // no remedy for close error at shutdown

	if err := migrations.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	embedder, err := indexollama.NewEmbedder(indexollama.Model(*embedModel))
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	builder := index.NewBuilder(embedder, index.NewSQLiteIndex(db, logger), logger)
	count, err := builder.BuildFromFile(ctx, *listingsPath)
	if err != nil {
		return fmt.Errorf("index build failed: %w", err)
	}

	fmt.Printf("Index built: %d records from %s\n", count, *listingsPath)
	return nil
}
