package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Storage
	Store       string // auto, postgres, sqlite or memory
	DatabaseURL string
	SQLitePath  string

	// Shared services
	RedisURL  string
	Backplane string // auto, redis, nats or none
	NATSURL   string
	NodeID    string

	// Identity
	JWTSecret     string
	AllowIdentify bool // anonymous sockets may bind a user id with identify

	// HTTP
	CORSOrigins []string

	// Sockets
	WSSendBuffer     int
	WSMaxMessageSize int64
	WSRateBurst      int

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	identifyDefault := "false"
	if env == "development" {
		identifyDefault = "true"
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              env,
		Store:            getEnv("STORE", "auto"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/chatrelay.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Backplane:        getEnv("BACKPLANE", "auto"),
		NATSURL:          os.Getenv("NATS_URL"),
		NodeID:           getEnv("NODE_ID", uuid.NewString()[:8]),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AllowIdentify:    getEnv("ALLOW_IDENTIFY", identifyDefault) == "true",
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
		WSSendBuffer:     getEnvInt("WS_SEND_BUFFER", 256),
		WSMaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 64*1024)),
		WSRateBurst:      getEnvInt("WS_RATE_BURST", 20),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	// In production, require a durable store and a real signing secret.
	// Redis stays optional: without it presence and fan-out are process-local.
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
