package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/DukeRupert/geepity/internal/archive"
	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/DukeRupert/geepity/internal/notify"
	"github.com/DukeRupert/geepity/internal/store"
)

const defaultFreeSystemPrompt = "You are Geepity, a helpful AI assistant. You are friendly, knowledgeable, and concise. " +
	"Never refer to yourself as GPT, GPT-OSS, or any other model name — you are Geepity."

type Config struct {
	Env            string
	Port           int
	LogLevel       string
	RequestTimeout time.Duration

	// Free tier (Chutes)
	ChutesAPIKey     string
	ChutesURL        string
	FreeDefaultModel string
	FreeMaxTokens    int
	FreeTemperature  float64
	FreeSystemPrompt string

	// Pro tier (OpenRouter)
	OpenRouterAPIKey  string
	OpenRouterURL     string
	ProMaxTokens      int
	OpenRouterReferer string
	OpenRouterTitle   string

	// Identity token verification
	FirebaseProjectID string
	FirebaseJWKSURL   string

	// Account store
	AccountStore   string // "postgres", "redis" or "memory"
	DatabaseUrl    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Billing webhooks. The Stripe route is only registered when
	// StripeWebhookSecret is set.
	RevenueCatWebhookSecret string
	StripeSecretKey         string
	StripeWebhookSecret     string

	// Push notifications
	PushProvider          string // "fcm" or "log"
	GoogleCredentialsFile string
	NotifyConcurrency     int
	NotifyQueueSize       int
	NotifyJobTimeout      time.Duration
	NotifyMaxAttempts     int

	// Monthly pro usage reset
	ResetEnabled  bool
	ResetSchedule string

	// Webhook payload archive
	ArchiveProvider   string // "none", "local" or "r2"
	ArchiveLocalPath  string
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string

	// Per-IP rate limiting on proxy and webhook routes
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		Port:           getEnvInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "debug"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),

		ChutesAPIKey:     getEnv("CHUTES_API_KEY", ""),
		ChutesURL:        getEnv("CHUTES_URL", "https://llm.chutes.ai/v1/chat/completions"),
		FreeDefaultModel: getEnv("FREE_DEFAULT_MODEL", domain.FreeDefaultModel),
		FreeMaxTokens:    getEnvInt("FREE_MAX_TOKENS", domain.FreeMaxTokens),
		FreeTemperature:  getEnvFloat("FREE_TEMPERATURE", domain.FreeTemperature),
		FreeSystemPrompt: getEnv("FREE_SYSTEM_PROMPT", defaultFreeSystemPrompt),

		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterURL:     getEnv("OPENROUTER_URL", "https://openrouter.ai/api/v1/chat/completions"),
		ProMaxTokens:      getEnvInt("PRO_MAX_TOKENS", domain.ProMaxTokens),
		OpenRouterReferer: getEnv("OPENROUTER_REFERER", "https://geepity.com"),
		OpenRouterTitle:   getEnv("OPENROUTER_TITLE", "Geepity"),

		FirebaseProjectID: getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseJWKSURL:   getEnv("FIREBASE_JWKS_URL", "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"),

		AccountStore:   getEnv("ACCOUNT_STORE", store.ProviderPostgres),
		DatabaseUrl:    getEnv("DATABASE_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "geepity:account:"),

		RevenueCatWebhookSecret: getEnv("REVENUECAT_WEBHOOK_SECRET", ""),
		StripeSecretKey:         getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:     getEnv("STRIPE_WEBHOOK_SECRET", ""),

		PushProvider:          getEnv("PUSH_PROVIDER", notify.ProviderLog),
		GoogleCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		NotifyConcurrency:     getEnvInt("NOTIFY_CONCURRENCY", 2),
		NotifyQueueSize:       getEnvInt("NOTIFY_QUEUE_SIZE", 256),
		NotifyJobTimeout:      getEnvDuration("NOTIFY_JOB_TIMEOUT", 10*time.Second),
		NotifyMaxAttempts:     getEnvInt("NOTIFY_MAX_ATTEMPTS", 3),

		ResetEnabled:  getEnvBool("RESET_ENABLED", true),
		ResetSchedule: getEnv("RESET_SCHEDULE", "0 0 1 * *"),

		ArchiveProvider:   getEnv("ARCHIVE_PROVIDER", archive.ProviderNone),
		ArchiveLocalPath:  getEnv("ARCHIVE_LOCAL_PATH", "./archive"),
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),

		RateLimitEnabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		TracingEnabled:    getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("TRACING_SAMPLE_RATE", 1.0),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) validate() error {
	// Upstream keys
	if !c.IsDevelopment() {
		if c.ChutesAPIKey == "" {
			return fmt.Errorf("CHUTES_API_KEY is required when ENV is not 'development'")
		}
		if c.OpenRouterAPIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required when ENV is not 'development'")
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got: %s", c.RequestTimeout)
	}

	// Identity
	if c.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}

	// Validate account store configuration
	switch c.AccountStore {
	case store.ProviderPostgres:
		if c.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required when ACCOUNT_STORE is 'postgres'")
		}
	case store.ProviderRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when ACCOUNT_STORE is 'redis'")
		}
	case store.ProviderMemory:
		if !c.IsDevelopment() {
			return fmt.Errorf("ACCOUNT_STORE 'memory' is only allowed in development")
		}
	default:
		return fmt.Errorf("ACCOUNT_STORE must be 'postgres', 'redis' or 'memory', got: %s", c.AccountStore)
	}

	// Validate push provider
	if c.PushProvider != notify.ProviderFCM && c.PushProvider != notify.ProviderLog {
		return fmt.Errorf("PUSH_PROVIDER must be either 'fcm' or 'log', got: %s", c.PushProvider)
	}

	// Validate archive configuration
	switch c.ArchiveProvider {
	case archive.ProviderNone:
	case archive.ProviderLocal:
		if c.ArchiveLocalPath == "" {
			return fmt.Errorf("ARCHIVE_LOCAL_PATH is required when ARCHIVE_PROVIDER is 'local'")
		}
	case archive.ProviderR2:
		if c.R2AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when ARCHIVE_PROVIDER is 'r2'")
		}
		if c.R2AccessKeyID == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID is required when ARCHIVE_PROVIDER is 'r2'")
		}
		if c.R2SecretAccessKey == "" {
			return fmt.Errorf("R2_SECRET_ACCESS_KEY is required when ARCHIVE_PROVIDER is 'r2'")
		}
		if c.R2BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when ARCHIVE_PROVIDER is 'r2'")
		}
	default:
		return fmt.Errorf("ARCHIVE_PROVIDER must be 'none', 'local' or 'r2', got: %s", c.ArchiveProvider)
	}

	if c.RateLimitEnabled && (c.RateLimitRequests < 1 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1, got: %v", c.TracingSampleRate)
	}

	return nil
}

// FreePolicy returns the free tier's proxy policy.
func (c *Config) FreePolicy() domain.TierPolicy {
	temperature := c.FreeTemperature
	return domain.TierPolicy{
		Tier:         domain.TierFree,
		Endpoint:     c.ChutesURL,
		APIKey:       c.ChutesAPIKey,
		DefaultModel: c.FreeDefaultModel,
		SystemPrompt: c.FreeSystemPrompt,
		MaxTokens:    c.FreeMaxTokens,
		Temperature:  &temperature,
	}
}

// ProPolicy returns the pro tier's proxy policy.
func (c *Config) ProPolicy() domain.TierPolicy {
	return domain.TierPolicy{
		Tier:          domain.TierPro,
		Endpoint:      c.OpenRouterURL,
		APIKey:        c.OpenRouterAPIKey,
		DefaultModel:  domain.ProDefaultModel,
		AllowedModels: domain.ProAllowedModels,
		MaxTokens:     c.ProMaxTokens,
		ExtraHeaders: map[string]string{
			"HTTP-Referer": c.OpenRouterReferer,
			"X-Title":      c.OpenRouterTitle,
		},
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
