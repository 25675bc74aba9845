package httpapi

import (
	"agentmarket/internal/inft"
	"agentmarket/internal/market"

	"github.com/redis/go-redis/v9"
)

type Deps struct {
	Services   *market.Services
	Pepper     string
	AdminToken string

	// CORSOrigins are allowed in addition to same-host and loopback origins.
	CORSOrigins []string

	// Sessions signs and verifies bearer JWTs. Nil accepts API keys only.
	Sessions *Sessions

	RateLimitPerMinute int
	// Redis shares the rate limit budget across replicas when set.
	Redis *redis.Client

	// Keyset is published at /v1/platform/signing-keys.
	Keyset inft.Keyset
}
