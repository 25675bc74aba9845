// Package app turns config into the services shared by the commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/httpapi"
	"agentmarket/internal/inft"
	"agentmarket/internal/market"
	"agentmarket/internal/provider"

	"github.com/redis/go-redis/v9"
)

func MarketOptions(cfg config.Config) market.Options {
	return market.Options{
		DefaultUsageLimit: cfg.GrantUsageLimit,
		GrantTTL:          time.Duration(cfg.GrantTTLDays) * 24 * time.Hour,
		Logger:            slog.Default(),
	}
}

// Provider builds the inference provider: the YAML catalog when configured,
// with the env-configured provider as fallback.
func Provider(cfg config.Config) (provider.Provider, error) {
	var def provider.Provider
	switch cfg.ProviderKind {
	case "static":
		def = provider.Static{}
	default:
		def = provider.NewOpenAI(cfg.ProviderBaseURL, cfg.ProviderAPIKey, 60*time.Second)
	}
	def = provider.WithModel(def, cfg.ProviderDefaultModel)
	if cfg.ProvidersFile == "" {
		return provider.NewCatalog(def), nil
	}
	c, err := provider.LoadCatalog(cfg.ProvidersFile, def)
	if err != nil {
		return nil, fmt.Errorf("load providers file: %w", err)
	}
	return c, nil
}

func StoreConfig(cfg config.Config) inft.StoreConfig {
	return inft.StoreConfig{
		Provider:           cfg.OSSProvider,
		Endpoint:           cfg.OSSEndpoint,
		Region:             cfg.OSSRegion,
		Bucket:             cfg.OSSBucket,
		BasePrefix:         cfg.OSSBasePrefix,
		AccessKeyID:        cfg.OSSAccessKeyID,
		AccessKeySecret:    cfg.OSSAccessKeySecret,
		STSRoleARN:         cfg.OSSSTSRoleARN,
		STSDurationSeconds: cfg.OSSSTSDurationSeconds,
		LocalDir:           cfg.OSSLocalDir,
	}
}

// ObjectStore returns nil when no object store provider is configured.
func ObjectStore(ctx context.Context, cfg config.Config) (inft.ObjectStore, error) {
	if cfg.OSSProvider == "" {
		return nil, nil
	}
	return inft.NewObjectStore(ctx, StoreConfig(cfg))
}

func Signer(cfg config.Config) (inft.Signer, error) {
	s := inft.Signer{
		Issuer: cfg.PlatformCertIssuer,
		KeyID:  cfg.PlatformSigningKeyID,
		TTL:    time.Duration(cfg.PlatformCertTTLSeconds) * time.Second,
	}
	if cfg.PlatformSigningKey == "" {
		return s, nil
	}
	key, err := inft.ParsePrivateKey(cfg.PlatformSigningKey)
	if err != nil {
		return inft.Signer{}, fmt.Errorf("AGENTMARKET_PLATFORM_SIGNING_KEY: %w", err)
	}
	s.Key = key
	return s, nil
}

// PublisherConfig assembles publication. Missing pieces leave the matching
// operations reporting market.ErrUnavailable.
func PublisherConfig(ctx context.Context, cfg config.Config) (market.PublisherConfig, error) {
	log := slog.Default().With("component", "app")
	signer, err := Signer(cfg)
	if err != nil {
		return market.PublisherConfig{}, err
	}
	objects, err := ObjectStore(ctx, cfg)
	if err != nil {
		return market.PublisherConfig{}, fmt.Errorf("object store: %w", err)
	}
	pc := market.PublisherConfig{
		Objects:            objects,
		Signer:             signer,
		EncryptionKey:      cfg.PlatformKeysEncryptionKey,
		Bucket:             cfg.OSSBucket,
		BasePrefix:         cfg.OSSBasePrefix,
		STSDurationSeconds: cfg.OSSSTSDurationSeconds,
	}
	if objects == nil {
		log.WarnContext(ctx, "object store not configured; publication disabled")
		return pc, nil
	}
	sts, err := inft.NewSTSAssumer(StoreConfig(cfg))
	if err != nil {
		return market.PublisherConfig{}, fmt.Errorf("sts: %w", err)
	}
	pc.STS = sts
	if signer.Key == nil {
		log.WarnContext(ctx, "AGENTMARKET_PLATFORM_SIGNING_KEY not set; publication disabled")
	}
	return pc, nil
}

// Redis returns nil when AGENTMARKET_REDIS_URL is empty.
func Redis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("AGENTMARKET_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Sessions returns nil when AGENTMARKET_JWT_SECRET is empty.
func Sessions(cfg config.Config) *httpapi.Sessions {
	if cfg.JWTSecret == "" {
		return nil
	}
	return httpapi.NewSessions(cfg.JWTSecret, cfg.JWTIssuer, time.Duration(cfg.JWTTTLSeconds)*time.Second)
}
