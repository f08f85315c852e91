package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sir_venger/databank/internal/config"
	"github.com/sir_venger/databank/internal/logger"
	"github.com/sir_venger/databank/internal/repo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	dsn := strings.TrimSpace(cfg.CatalogDSN)
	if dsn == "" {
		log.Fatal().Msg("catalog_dsn is not configured")
	}
	if strings.HasPrefix(dsn, repo.MemoryDSN) {
		log.Info().Msg("memory catalog selected, skipping migrations")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applied, err := repo.ApplyMigrations(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}

	log.Info().Ints64("versions", applied).Msg("migrations applied")
}
