package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentmarket/internal/app"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/market"
	"agentmarket/internal/telemetry"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		fatal("config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "agentmarket-worker",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
	})
	if err != nil {
		fatal("telemetry", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("db", err)
	}
	defer store.Close()

	objects, err := app.ObjectStore(ctx, cfg)
	if err != nil {
		fatal("object store", err)
	}
	if objects == nil {
		fatal("object store", errors.New("AGENTMARKET_OSS_PROVIDER is required to archive inference logs"))
	}

	archiver := market.NewArchiver(store, objects,
		cfg.ArchiveBatchSize,
		time.Duration(cfg.ArchiveMinAgeHours)*time.Hour,
		app.MarketOptions(cfg),
	)

	ticker := time.NewTicker(time.Duration(cfg.WorkerTickSeconds) * time.Second)
	defer ticker.Stop()

	slog.Info("worker started", "tick_seconds", cfg.WorkerTickSeconds, "batch", cfg.ArchiveBatchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return
		case <-ticker.C:
			n, err := archiver.Drain(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("archive inference logs", "err", err, "archived", n)
				continue
			}
			if n > 0 {
				slog.Info("archived inference logs", "count", n)
			}
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
