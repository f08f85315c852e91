package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sir_venger/databank/internal/app/node"
	"github.com/sir_venger/databank/internal/config"
	"github.com/sir_venger/databank/internal/logger"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides listen_addr)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build storage node")
	}
	defer n.Close()

	stopRetention := n.Start(ctx)
	defer stopRetention()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           n.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown по SIGTERM/SIGINT: дожидаемся активных передач.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("data_root", n.Engine.Root()).
		Dur("retention_ttl", cfg.Retention.TTL).
		Dur("retention_interval", cfg.Retention.Interval).
		Msg("storage listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("listen")
		return
	}
	stop()
	log.Info().Msg("storage stopped")
}
