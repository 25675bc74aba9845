package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentmarket/internal/app"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/httpapi"
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
		ServiceName:  "agentmarket-api",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
	})
	if err != nil {
		fatal("telemetry", err)
	}

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("db", err)
	}
	defer store.Close()

	prov, err := app.Provider(cfg)
	if err != nil {
		fatal("provider", err)
	}
	pub, err := app.PublisherConfig(ctx, cfg)
	if err != nil {
		fatal("publisher", err)
	}
	rdb, err := app.Redis(ctx, cfg)
	if err != nil {
		fatal("redis", err)
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	svc := market.NewServices(store, prov, pub, app.MarketOptions(cfg))

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Services:           svc,
			Pepper:             cfg.APIKeyPepper,
			AdminToken:         cfg.AdminToken,
			CORSOrigins:        cfg.CORSOrigins,
			Sessions:           app.Sessions(cfg),
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			Redis:              rdb,
			Keyset:             pub.Signer.PublicKeys(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown", "err", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
