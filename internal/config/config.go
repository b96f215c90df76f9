package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "conclave.db"
	defaultGatewayURL      = "http://localhost:9090"
	defaultSubmitWorkers   = 4
	defaultFinalizeWorkers = 4
	defaultSubmitRate      = 10.0
	defaultFinalizeRate    = 10.0
	defaultFinalizeDelay   = 5 * time.Second
	defaultFinalizeTimeout = 5 * time.Minute
	defaultSubmitRetries   = 3
	defaultFinalizeRetries = 5
	defaultRetryBackoff    = 2 * time.Second

	envListenAddr      = "CONCLAVE_LISTEN_ADDR"
	envDBPath          = "CONCLAVE_DB_PATH"
	envLogLevel        = "CONCLAVE_LOG_LEVEL"
	envGatewayURL      = "CONCLAVE_GATEWAY_URL"
	envWebhookSecret   = "CONCLAVE_WEBHOOK_SECRET"
	envCatalogPath     = "CONCLAVE_CATALOG_PATH"
	envSubmitWorkers   = "CONCLAVE_SUBMIT_WORKERS"
	envFinalizeWorkers = "CONCLAVE_FINALIZE_WORKERS"
	envSubmitRate      = "CONCLAVE_SUBMIT_RATE"
	envFinalizeRate    = "CONCLAVE_FINALIZE_RATE"
	envFinalizeDelay   = "CONCLAVE_FINALIZE_DELAY"
	envFinalizeTimeout = "CONCLAVE_FINALIZE_TIMEOUT"
	envSubmitRetries   = "CONCLAVE_SUBMIT_RETRIES"
	envFinalizeRetries = "CONCLAVE_FINALIZE_RETRIES"
	envRetryBackoff    = "CONCLAVE_RETRY_BACKOFF"

	envObjectStoreEndpoint  = "CONCLAVE_OBJECT_STORE_ENDPOINT"
	envObjectStoreAccessKey = "CONCLAVE_OBJECT_STORE_ACCESS_KEY"
	envObjectStoreSecretKey = "CONCLAVE_OBJECT_STORE_SECRET_KEY"
	envObjectStoreBucket    = "CONCLAVE_OBJECT_STORE_BUCKET"
	envObjectStoreSecure    = "CONCLAVE_OBJECT_STORE_SECURE"
)

// ObjectStore holds connection settings for the retained-data object store.
// An empty endpoint disables blob and retained sources.
type ObjectStore struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	GatewayURL    string
	WebhookSecret string
	// CatalogPath overrides the embedded block catalog when set.
	CatalogPath string

	SubmitWorkers   int
	FinalizeWorkers int
	SubmitRate      float64
	FinalizeRate    float64
	FinalizeDelay   time.Duration
	FinalizeTimeout time.Duration
	SubmitRetries   int
	FinalizeRetries int
	RetryBackoff    time.Duration

	ObjectStore ObjectStore
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		GatewayURL:      defaultGatewayURL,
		SubmitWorkers:   defaultSubmitWorkers,
		FinalizeWorkers: defaultFinalizeWorkers,
		SubmitRate:      defaultSubmitRate,
		FinalizeRate:    defaultFinalizeRate,
		FinalizeDelay:   defaultFinalizeDelay,
		FinalizeTimeout: defaultFinalizeTimeout,
		SubmitRetries:   defaultSubmitRetries,
		FinalizeRetries: defaultFinalizeRetries,
		RetryBackoff:    defaultRetryBackoff,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envGatewayURL); v != "" {
		cfg.GatewayURL = v
	}
	cfg.WebhookSecret = os.Getenv(envWebhookSecret)
	cfg.CatalogPath = os.Getenv(envCatalogPath)

	cfg.SubmitWorkers = intEnv(envSubmitWorkers, cfg.SubmitWorkers)
	cfg.FinalizeWorkers = intEnv(envFinalizeWorkers, cfg.FinalizeWorkers)
	cfg.SubmitRate = floatEnv(envSubmitRate, cfg.SubmitRate)
	cfg.FinalizeRate = floatEnv(envFinalizeRate, cfg.FinalizeRate)
	cfg.FinalizeDelay = durationEnv(envFinalizeDelay, cfg.FinalizeDelay)
	cfg.FinalizeTimeout = durationEnv(envFinalizeTimeout, cfg.FinalizeTimeout)
	cfg.SubmitRetries = intEnv(envSubmitRetries, cfg.SubmitRetries)
	cfg.FinalizeRetries = intEnv(envFinalizeRetries, cfg.FinalizeRetries)
	cfg.RetryBackoff = durationEnv(envRetryBackoff, cfg.RetryBackoff)

	cfg.ObjectStore = ObjectStore{
		Endpoint:  os.Getenv(envObjectStoreEndpoint),
		AccessKey: os.Getenv(envObjectStoreAccessKey),
		SecretKey: os.Getenv(envObjectStoreSecretKey),
		Bucket:    os.Getenv(envObjectStoreBucket),
		Secure:    boolEnv(envObjectStoreSecure, false),
	}

	return cfg
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
