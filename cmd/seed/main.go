// Command seed publishes the canonical SKU and retailer records of a seed
// file into the postgres registry. Re-running it with the same file is a
// no-op; changing an already published record is rejected.
//
// Usage:
//
//	go run ./cmd/seed -file configs/registry.seed.yaml [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	seedPath := flag.String("file", "", "seed file to publish (defaults to registry.seedFile)")
	dryRun := flag.Bool("dry-run", false, "parse and validate the seed file without writing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithComponent("registry-seed")

	path := *seedPath
	if path == "" {
		path = cfg.Registry.SeedFile
	}
	if path == "" {
		log.Error("no seed file given, pass -file or set registry.seedFile")
		os.Exit(2)
	}
	seed, err := registry.LoadSeedFile(path)
	if err != nil {
		log.Error("failed to load seed file", "error", err)
		os.Exit(1)
	}
	log.Info("seed file parsed", "file", path, "skus", len(seed.SKUs), "retailers", len(seed.Retailers))
	if *dryRun {
		return
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := registry.NewPostgresStore(db).Seed(ctx, seed.SKUs, seed.Retailers); err != nil {
		log.Error("seeding failed", "error", err)
		os.Exit(1)
	}
	log.Info("registry seeded")
}
