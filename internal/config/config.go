package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	HTTPAddr     string
	APIKeyPepper string
	AdminToken   string
	CORSOrigins  []string

	// Session tokens (HS256). Empty disables JWT auth; API keys still work.
	JWTSecret     string
	JWTIssuer     string
	JWTTTLSeconds int

	RateLimitPerMinute int
	RedisURL           string

	GrantUsageLimit int
	GrantTTLDays    int

	// Inference provider
	ProviderKind         string // "openai" | "static"
	ProviderBaseURL      string
	ProviderAPIKey       string
	ProviderDefaultModel string
	ProvidersFile        string

	// INFT publication (metadata encryption + platform certification)
	PlatformKeysEncryptionKey string
	PlatformSigningKey        string
	PlatformSigningKeyID      string
	PlatformCertIssuer        string
	PlatformCertTTLSeconds    int

	OSSProvider           string // "aliyun" | "s3" | "local" | ""
	OSSEndpoint           string
	OSSRegion             string
	OSSBucket             string
	OSSBasePrefix         string
	OSSAccessKeyID        string
	OSSAccessKeySecret    string
	OSSSTSRoleARN         string
	OSSSTSDurationSeconds int
	OSSLocalDir           string

	OTLPEndpoint string
	OTLPInsecure bool

	WorkerTickSeconds  int
	ArchiveBatchSize   int
	ArchiveMinAgeHours int
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	rateLimit := getenvIntDefault("AGENTMARKET_RATE_LIMIT_PER_MINUTE", 120)
	if rateLimit < 1 {
		rateLimit = 1
	}

	usageLimit := getenvIntDefault("AGENTMARKET_GRANT_USAGE_LIMIT", 100)
	if usageLimit < 1 {
		usageLimit = 1
	}

	ttlDays := getenvIntDefault("AGENTMARKET_GRANT_TTL_DAYS", 30)
	if ttlDays < 1 {
		ttlDays = 1
	}
	if ttlDays > 3650 {
		ttlDays = 3650
	}

	jwtTTL := getenvIntDefault("AGENTMARKET_JWT_TTL_SECONDS", 12*3600)
	if jwtTTL < 60 {
		jwtTTL = 60
	}

	certTTLSeconds := getenvIntDefault("AGENTMARKET_PLATFORM_CERT_TTL_SECONDS", 86400*365)
	if certTTLSeconds < 60 {
		certTTLSeconds = 60
	}

	stsDuration := getenvIntDefault("AGENTMARKET_OSS_STS_DURATION_SECONDS", 900) // 15 minutes
	if stsDuration < 900 {
		stsDuration = 900
	}
	if stsDuration > 3600 {
		stsDuration = 3600
	}

	workerTick := getenvIntDefault("AGENTMARKET_WORKER_TICK_SECONDS", 60)
	if workerTick < 1 {
		workerTick = 1
	}

	batch := getenvIntDefault("AGENTMARKET_ARCHIVE_BATCH_SIZE", 500)
	if batch < 1 {
		batch = 1
	}
	if batch > 5000 {
		batch = 5000
	}

	minAge := getenvIntDefault("AGENTMARKET_ARCHIVE_MIN_AGE_HOURS", 24)
	if minAge < 0 {
		minAge = 0
	}

	cfg := Config{
		DatabaseURL:  strings.TrimSpace(os.Getenv("AGENTMARKET_DATABASE_URL")),
		HTTPAddr:     getenvDefault("AGENTMARKET_HTTP_ADDR", ":8080"),
		APIKeyPepper: os.Getenv("AGENTMARKET_API_KEY_PEPPER"),
		AdminToken:   strings.TrimSpace(os.Getenv("AGENTMARKET_ADMIN_TOKEN")),
		CORSOrigins:  getenvList("AGENTMARKET_CORS_ORIGINS"),

		JWTSecret:     strings.TrimSpace(os.Getenv("AGENTMARKET_JWT_SECRET")),
		JWTIssuer:     getenvDefault("AGENTMARKET_JWT_ISSUER", "agentmarket"),
		JWTTTLSeconds: jwtTTL,

		RateLimitPerMinute: rateLimit,
		RedisURL:           strings.TrimSpace(os.Getenv("AGENTMARKET_REDIS_URL")),

		GrantUsageLimit: usageLimit,
		GrantTTLDays:    ttlDays,

		ProviderKind:         strings.ToLower(getenvDefault("AGENTMARKET_PROVIDER", "openai")),
		ProviderBaseURL:      strings.TrimRight(getenvDefault("AGENTMARKET_PROVIDER_BASE_URL", "https://api.openai.com/v1"), "/"),
		ProviderAPIKey:       strings.TrimSpace(os.Getenv("AGENTMARKET_PROVIDER_API_KEY")),
		ProviderDefaultModel: strings.TrimSpace(os.Getenv("AGENTMARKET_PROVIDER_DEFAULT_MODEL")),
		ProvidersFile:        strings.TrimSpace(os.Getenv("AGENTMARKET_PROVIDERS_FILE")),

		PlatformKeysEncryptionKey: strings.TrimSpace(os.Getenv("AGENTMARKET_PLATFORM_KEYS_ENCRYPTION_KEY")),
		PlatformSigningKey:        strings.TrimSpace(os.Getenv("AGENTMARKET_PLATFORM_SIGNING_KEY")),
		PlatformSigningKeyID:      getenvDefault("AGENTMARKET_PLATFORM_SIGNING_KEY_ID", "platform-1"),
		PlatformCertIssuer:        getenvDefault("AGENTMARKET_PLATFORM_CERT_ISSUER", "agentmarket"),
		PlatformCertTTLSeconds:    certTTLSeconds,

		OSSProvider:           strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_PROVIDER")),
		OSSEndpoint:           strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_ENDPOINT")),
		OSSRegion:             strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_REGION")),
		OSSBucket:             strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_BUCKET")),
		OSSBasePrefix:         strings.Trim(strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_BASE_PREFIX")), "/"),
		OSSAccessKeyID:        strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_ACCESS_KEY_ID")),
		OSSAccessKeySecret:    strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_ACCESS_KEY_SECRET")),
		OSSSTSRoleARN:         strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_STS_ROLE_ARN")),
		OSSSTSDurationSeconds: stsDuration,
		OSSLocalDir:           strings.TrimSpace(os.Getenv("AGENTMARKET_OSS_LOCAL_DIR")),

		OTLPEndpoint: strings.TrimSpace(os.Getenv("AGENTMARKET_OTEL_ENDPOINT")),
		OTLPInsecure: getenvBool("AGENTMARKET_OTEL_INSECURE"),

		WorkerTickSeconds:  workerTick,
		ArchiveBatchSize:   batch,
		ArchiveMinAgeHours: minAge,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("AGENTMARKET_DATABASE_URL is required")
	}
	if cfg.APIKeyPepper == "" {
		return Config{}, errors.New("AGENTMARKET_API_KEY_PEPPER is required")
	}
	switch cfg.ProviderKind {
	case "openai", "static":
	default:
		return Config{}, errors.New("AGENTMARKET_PROVIDER must be openai or static")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getenvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
