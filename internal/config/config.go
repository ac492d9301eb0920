package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Version             string
	HTTPAddr            string
	GRPCAddr            string
	DatabaseURL         string
	AuthSecret          string
	AuthIssuer          string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	WebhookBaseURL      string
	WebhookTimeout      time.Duration
	SecretEncryptionKey string
	PolicyFile          string
	RateBurst           int
	RatePerSec          int
	MaxBodyBytes        int64
	CORSAllowedOrigins  []string
	LogLevel            string
	TelemetryEndpoint   string
	TelemetryInsecure   bool
}

// Load reads configuration from the environment (and an optional .env file).
func Load() (Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := Config{
		Version:             getEnv("MCPGATE_VERSION", "dev"),
		HTTPAddr:            getEnv("MCPGATE_HTTP_ADDR", ":8080"),
		GRPCAddr:            getEnv("MCPGATE_GRPC_ADDR", ":9090"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("MCPGATE_PG_DSN")),
		AuthSecret:          strings.TrimSpace(os.Getenv("MCPGATE_AUTH_SECRET")),
		AuthIssuer:          getEnv("MCPGATE_AUTH_ISSUER", "mcpgate"),
		RedisAddr:           strings.TrimSpace(os.Getenv("MCPGATE_REDIS_ADDR")),
		RedisPassword:       os.Getenv("MCPGATE_REDIS_PASSWORD"),
		RedisDB:             getInt("MCPGATE_REDIS_DB", 0, &errs),
		WebhookBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("MCPGATE_WEBHOOK_BASE_URL")), "/"),
		WebhookTimeout:      getDuration("MCPGATE_WEBHOOK_TIMEOUT", 10*time.Second, &errs),
		SecretEncryptionKey: os.Getenv("MCPGATE_SECRET_ENCRYPTION_KEY"),
		PolicyFile:          strings.TrimSpace(os.Getenv("MCPGATE_POLICY_FILE")),
		RateBurst:           getInt("MCPGATE_RATE_BURST", 50, &errs),
		RatePerSec:          getInt("MCPGATE_RATE_PER_SEC", 20, &errs),
		MaxBodyBytes:        int64(getInt("MCPGATE_MAX_BODY_BYTES", 1<<20, &errs)),
		CORSAllowedOrigins:  getList("MCPGATE_CORS_ALLOWED_ORIGINS", nil),
		LogLevel:            getEnv("MCPGATE_LOG_LEVEL", "info"),
		TelemetryEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TelemetryInsecure:   getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	if cfg.AuthSecret == "" {
		errs = append(errs, errors.New("MCPGATE_AUTH_SECRET is required"))
	}
	if cfg.RateBurst <= 0 || cfg.RatePerSec <= 0 {
		errs = append(errs, errors.New("MCPGATE_RATE_BURST and MCPGATE_RATE_PER_SEC must be positive"))
	}
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MCPGATE_MAX_BODY_BYTES must be positive"))
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// UsesPostgres reports whether a DSN was configured.
func (c Config) UsesPostgres() bool { return c.DatabaseURL != "" }

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer", key))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a positive duration", key))
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
