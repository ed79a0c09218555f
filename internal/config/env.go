package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markdave123-py/crmrag/internal/core"
)

type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string
	Port      string
	JWTSecret string

	DatabaseDriver string
	DatabaseURL    string
	SslCertPath    string
	SQLitePath     string

	FileStore     string
	LocalStoreDir string
	AwsAccessKey  string
	AwsSecretKey  string
	AwsRegion     string
	BucketName    string

	AIProvider         string
	AIFallbackProvider string
	AIAPIKey           string // Gemini
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	EmbedHTTPURL       string
	EmbedModel         string
	EmbedDim           int
	GenModel           string

	AIMaxConcurrent     int
	AIRequestsPerMinute float64
	AIBurstLimit        int
	AIRetryAfter        time.Duration
	RetryMax            int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	RetryBackoffFactor  float64
	RetryJitterFactor   float64

	ChunkSize        int
	EmbedBatchSize   int
	EmbedBatchDelay  time.Duration
	MaxContentLength int
	SearchThreshold  float64
	SearchLimit      int
	IngestWorkers    int

	OCREnabled       bool
	OCRMinConfidence float64
}

// LoadConfig loads the environment variables (and .env if present) and returns config.
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "production"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SslCertPath:    getEnv("SSL_CERT_PATH", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "crmrag.db"),

		FileStore:     strings.ToLower(getEnv("FILE_STORE", "s3")),
		LocalStoreDir: getEnv("LOCAL_STORE_DIR", "./data/files"),
		AwsAccessKey:  getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:  getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:     getEnv("AWS_REGION", "us-east-2"),
		BucketName:    getEnv("BUCKET_NAME", "crmrag-docs"),

		AIProvider:         strings.ToLower(getEnv("AI_PROVIDER", "gemini")),
		AIFallbackProvider: strings.ToLower(getEnv("AI_FALLBACK_PROVIDER", "")),
		AIAPIKey:           getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		EmbedHTTPURL:       getEnv("EMBED_HTTP_URL", ""),
		EmbedModel:         getEnv("EMBED_MODEL", ""), // empty: provider default
		EmbedDim:           getEnvInt("EMBED_DIM", 0),
		GenModel:           getEnv("GEN_MODEL", ""),

		AIMaxConcurrent:     getEnvInt("AI_MAX_CONCURRENT", 5),
		AIRequestsPerMinute: getEnvFloat("AI_REQUESTS_PER_MINUTE", 60),
		AIBurstLimit:        getEnvInt("AI_BURST_LIMIT", 10),
		AIRetryAfter:        time.Duration(getEnvInt("AI_RETRY_AFTER_MS", 1000)) * time.Millisecond,
		RetryMax:            getEnvInt("RETRY_MAX", 3),
		RetryInitialDelay:   getEnvDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:       getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		RetryBackoffFactor:  getEnvFloat("RETRY_BACKOFF_FACTOR", 2),
		RetryJitterFactor:   getEnvFloat("RETRY_JITTER_FACTOR", 0.1),

		ChunkSize:        getEnvInt("CHUNK_SIZE", 1000),
		EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 5),
		EmbedBatchDelay:  getEnvDuration("EMBED_BATCH_DELAY", 200*time.Millisecond),
		MaxContentLength: getEnvInt("MAX_CONTENT_LENGTH", 100000),
		SearchThreshold:  getEnvFloat("SEARCH_THRESHOLD", 0.7),
		SearchLimit:      getEnvInt("SEARCH_LIMIT", 5),
		IngestWorkers:    getEnvInt("INGEST_WORKERS", 2),

		OCREnabled:       getEnvBool("OCR_ENABLED", false),
		OCRMinConfidence: getEnvFloat("OCR_MIN_CONFIDENCE", 60),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether verbose error bodies should be returned.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			add("DATABASE_URL not set")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			add("SQLITE_PATH not set")
		}
	default:
		add("DATABASE_DRIVER %q must be postgres or sqlite", c.DatabaseDriver)
	}

	switch c.FileStore {
	case "s3":
		if c.BucketName == "" {
			add("BUCKET_NAME not set")
		}
	case "local":
		if c.LocalStoreDir == "" {
			add("LOCAL_STORE_DIR not set")
		}
	default:
		add("FILE_STORE %q must be s3 or local", c.FileStore)
	}

	for _, p := range []string{c.AIProvider, c.AIFallbackProvider} {
		switch p {
		case "":
		case "gemini":
			if c.AIAPIKey == "" {
				add("GEMINI_API_KEY not set")
			}
		case "openai":
			if c.OpenAIAPIKey == "" {
				add("OPENAI_API_KEY not set")
			}
		case "http":
			if c.EmbedHTTPURL == "" {
				add("EMBED_HTTP_URL not set")
			}
		default:
			add("unknown AI provider %q", p)
		}
	}
	if c.AIProvider == "" {
		add("AI_PROVIDER not set")
	}

	if c.ChunkSize <= 0 {
		add("CHUNK_SIZE must be positive")
	}
	if c.EmbedBatchSize <= 0 {
		add("EMBED_BATCH_SIZE must be positive")
	}
	if c.AIMaxConcurrent <= 0 {
		add("AI_MAX_CONCURRENT must be positive")
	}
	if c.AIRequestsPerMinute <= 0 || c.AIBurstLimit <= 0 {
		add("AI_REQUESTS_PER_MINUTE and AI_BURST_LIMIT must be positive")
	}
	if c.RetryMax < 0 {
		add("RETRY_MAX must not be negative")
	}
	if c.SearchThreshold < 0 || c.SearchThreshold > 1 {
		add("SEARCH_THRESHOLD must be within [0,1]")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", core.ErrInvalidConfig, errors.Join(errs...))
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warnDefault(key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnDefault(key, v, def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warnDefault(key, v, def)
		return def
	}
	return b
}

// getEnvDuration accepts Go durations ("750ms") or bare milliseconds ("750").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	warnDefault(key, v, def)
	return def
}

// The logger is built from this config, so bad values are reported on stderr.
func warnDefault(key, value string, def any) {
	fmt.Fprintf(os.Stderr, "WARN: %s=%q is invalid, using default %v\n", key, value, def)
}
