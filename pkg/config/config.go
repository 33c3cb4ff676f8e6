// Package config loads server and worker configuration from environment
// variables, with an optional YAML profile for worker cadences.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration. Secrets arrive only via environment.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the primary store. postgres:// URLs open lib/pq,
	// file: or :memory: URLs open sqlite, empty falls back to in-memory.
	DatabaseURL          string
	SecondaryDatabaseURL string

	RedisAddr string

	// S3Bucket enables the S3 object store; empty keeps blobs in memory.
	S3Bucket string
	S3Region string

	// JWTSecret signs API tokens. TokenTTL bounds their lifetime.
	JWTSecret string
	TokenTTL  time.Duration

	// TokenVaultKey is the 32-byte AES-256 key for the ad-platform token
	// vault, hex-free raw string.
	TokenVaultKey string

	MetaClientID     string
	MetaClientSecret string

	// PublicEventRPS / Burst bound the unauthenticated /e endpoints.
	PublicEventRPS   float64
	PublicEventBurst int

	ProfilePath string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:                 getenv("PORT", "8080"),
		LogLevel:             getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SecondaryDatabaseURL: os.Getenv("SECONDARY_DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Region:             getenv("S3_REGION", "ap-northeast-1"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		TokenTTL:             getduration("TOKEN_TTL", 12*time.Hour),
		TokenVaultKey:        os.Getenv("TOKEN_VAULT_KEY"),
		MetaClientID:         os.Getenv("META_CLIENT_ID"),
		MetaClientSecret:     os.Getenv("META_CLIENT_SECRET"),
		PublicEventRPS:       getfloat("PUBLIC_EVENT_RPS", 50),
		PublicEventBurst:     getint("PUBLIC_EVENT_BURST", 100),
		ProfilePath:          os.Getenv("WORKER_PROFILE"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
