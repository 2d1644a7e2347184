package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty selects lite mode (SQLite under DataDir)
	DataDir     string
	ProductFile string

	PoolAccount     string
	PoolOwner       string
	PoolOperator    string
	AnnualCap       int64
	ClaimWindow     int64
	LiteSeedBalance int64

	JWTSecret      string
	RedisAddr      string
	RateLimitRPS   float64
	RateLimitBurst int

	OTelEnabled    bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	MetricsEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     getenv("DATA_DIR", "data"),
		ProductFile: getenv("PRODUCT_FILE", "product.yaml"),

		PoolAccount:     getenv("POOL_ACCOUNT", "pool"),
		PoolOwner:       getenv("POOL_OWNER", "owner"),
		PoolOperator:    getenv("POOL_OPERATOR", "operator"),
		AnnualCap:       getInt("ANNUAL_CAP", 0),
		ClaimWindow:     getInt("CLAIM_WINDOW", 0),
		LiteSeedBalance: getInt("LITE_SEED_BALANCE", 0),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: int(getInt("RATE_LIMIT_BURST", 40)),

		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		MetricsEnabled: os.Getenv("METRICS_ENABLED") != "false",
	}
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Malformed numbers fall back to the default rather than failing boot.
func getInt(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring malformed integer env var", "key", key, "value", v)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed float env var", "key", key, "value", v)
		return def
	}
	return f
}
