package app

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/config"
	"agentmarket/internal/inft"
	"agentmarket/internal/provider"
)

func TestProviderStaticFallback(t *testing.T) {
	p, err := Provider(config.Config{ProviderKind: "static"})
	require.NoError(t, err)

	res, err := p.Complete(context.Background(), provider.Request{
		Model:    "gpt-3.5-turbo",
		Messages: []provider.Message{{Role: "user", Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "[gpt-3.5-turbo] ping", res.Content)

	_, err = Provider(config.Config{ProviderKind: "static", ProvidersFile: t.TempDir() + "/missing.yaml"})
	assert.Error(t, err)
}

func TestProviderDefaultModelOverride(t *testing.T) {
	p, err := Provider(config.Config{ProviderKind: "static", ProviderDefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	res, err := p.Complete(context.Background(), provider.Request{
		Model:    "llama-3-8b",
		Messages: []provider.Message{{Role: "user", Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "[gpt-4o-mini] ping", res.Content)
}

func TestSignerParsesKey(t *testing.T) {
	s, err := Signer(config.Config{PlatformCertIssuer: "agentmarket", PlatformSigningKeyID: "k1", PlatformCertTTLSeconds: 60})
	require.NoError(t, err)
	assert.Nil(t, s.Key)
	assert.Equal(t, time.Minute, s.TTL)

	_, err = Signer(config.Config{PlatformSigningKey: "not-a-key"})
	assert.Error(t, err)
}

func TestPublisherConfigWithoutObjectStore(t *testing.T) {
	pc, err := PublisherConfig(context.Background(), config.Config{PlatformKeysEncryptionKey: "k"})
	require.NoError(t, err)
	assert.Nil(t, pc.Objects)
	assert.Nil(t, pc.STS)
	assert.Equal(t, "k", pc.EncryptionKey)
}

func TestPublisherConfigLocal(t *testing.T) {
	_, priv, err := inft.GenerateKeypair()
	require.NoError(t, err)
	cfg := config.Config{
		OSSProvider:           "local",
		OSSLocalDir:           t.TempDir(),
		OSSBucket:             "bkt",
		OSSBasePrefix:         "market",
		OSSSTSDurationSeconds: 900,
		PlatformSigningKey:    base64.StdEncoding.EncodeToString(priv),
		PlatformSigningKeyID:  "k1",
	}

	pc, err := PublisherConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, pc.Objects)
	require.NotNil(t, pc.STS)
	assert.NotNil(t, pc.Signer.Key)
	assert.Equal(t, "market", pc.BasePrefix)
	assert.Equal(t, "local://market/agents/1/metadata.enc", pc.Objects.URI("agents/1/metadata.enc"))

	cfg.OSSLocalDir = ""
	_, err = PublisherConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOptionalClients(t *testing.T) {
	assert.Nil(t, Sessions(config.Config{}))
	assert.NotNil(t, Sessions(config.Config{JWTSecret: "s", JWTTTLSeconds: 60}))

	rdb, err := Redis(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, rdb)

	_, err = Redis(context.Background(), config.Config{RedisURL: "://bad"})
	assert.Error(t, err)
}
