package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AGENTMARKET_DATABASE_URL", "memory://")
	t.Setenv("AGENTMARKET_API_KEY_PEPPER", "pepper")
	for _, k := range []string{
		"AGENTMARKET_PROVIDER", "AGENTMARKET_RATE_LIMIT_PER_MINUTE", "AGENTMARKET_GRANT_USAGE_LIMIT", "AGENTMARKET_GRANT_TTL_DAYS",
		"AGENTMARKET_JWT_TTL_SECONDS", "AGENTMARKET_OSS_STS_DURATION_SECONDS", "AGENTMARKET_CORS_ORIGINS", "AGENTMARKET_OSS_BASE_PREFIX",
		"AGENTMARKET_ARCHIVE_BATCH_SIZE", "AGENTMARKET_OTEL_INSECURE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 100, cfg.GrantUsageLimit)
	assert.Equal(t, 30, cfg.GrantTTLDays)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, 43200, cfg.JWTTTLSeconds)
	assert.Equal(t, "openai", cfg.ProviderKind)
	assert.Equal(t, 900, cfg.OSSSTSDurationSeconds)
	assert.Equal(t, 500, cfg.ArchiveBatchSize)
	assert.Empty(t, cfg.CORSOrigins)
	assert.False(t, cfg.OTLPInsecure)
}

func TestLoadClampsAndParses(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AGENTMARKET_PROVIDER", "Static")
	t.Setenv("AGENTMARKET_GRANT_USAGE_LIMIT", "0")
	t.Setenv("AGENTMARKET_GRANT_TTL_DAYS", "99999")
	t.Setenv("AGENTMARKET_JWT_TTL_SECONDS", "5")
	t.Setenv("AGENTMARKET_OSS_STS_DURATION_SECONDS", "7200")
	t.Setenv("AGENTMARKET_ARCHIVE_BATCH_SIZE", "not-a-number")
	t.Setenv("AGENTMARKET_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("AGENTMARKET_OSS_BASE_PREFIX", "/market/")
	t.Setenv("AGENTMARKET_OTEL_INSECURE", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.ProviderKind)
	assert.Equal(t, 1, cfg.GrantUsageLimit)
	assert.Equal(t, 3650, cfg.GrantTTLDays)
	assert.Equal(t, 60, cfg.JWTTTLSeconds)
	assert.Equal(t, 3600, cfg.OSSSTSDurationSeconds)
	assert.Equal(t, 500, cfg.ArchiveBatchSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "market", cfg.OSSBasePrefix)
	assert.True(t, cfg.OTLPInsecure)
}

func TestLoadRequires(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AGENTMARKET_DATABASE_URL", "")
	_, err := Load()
	assert.EqualError(t, err, "AGENTMARKET_DATABASE_URL is required")

	setBaseEnv(t)
	t.Setenv("AGENTMARKET_API_KEY_PEPPER", "")
	_, err = Load()
	assert.EqualError(t, err, "AGENTMARKET_API_KEY_PEPPER is required")

	setBaseEnv(t)
	t.Setenv("AGENTMARKET_PROVIDER", "grpc")
	_, err = Load()
	assert.Error(t, err)
}
