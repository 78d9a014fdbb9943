package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend API flavours understood by the dispatcher
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string
	AutoMigrate bool

	// Redis (optional, persists monthly spend across restarts)
	RedisURL           string
	SpendFlushInterval time.Duration

	// Inference backend
	BackendURL     string
	BackendAPI     string
	BackendTimeout time.Duration

	// Circuit breaker around the backend
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerOpenTimeout  time.Duration
	BreakerMinRequests  uint32
	BreakerFailureRatio float64

	// Admin surface, disabled when empty
	AdminToken string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		RedisURL:            getEnv("REDIS_URL", ""),
		SpendFlushInterval:  getEnvDuration("SPEND_FLUSH_INTERVAL", 10*time.Second),
		BackendURL:          strings.TrimRight(getEnv("OLLAMA_BASE_URL", "http://localhost:11434"), "/"),
		BackendAPI:          strings.ToLower(getEnv("BACKEND_API", BackendOllama)),
		BackendTimeout:      getEnvDuration("BACKEND_TIMEOUT", 0),
		BreakerMaxRequests:  uint32(getEnvInt("BREAKER_MAX_REQUESTS", 5)),
		BreakerInterval:     getEnvDuration("BREAKER_INTERVAL", time.Minute),
		BreakerOpenTimeout:  getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		BreakerMinRequests:  uint32(getEnvInt("BREAKER_MIN_REQUESTS", 5)),
		BreakerFailureRatio: getEnvFloat("BREAKER_FAILURE_RATIO", 0.5),
		AdminToken:          getEnv("ADMIN_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and enumerations
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.BackendAPI {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("unsupported BACKEND_API %q (want %q or %q)", c.BackendAPI, BackendOllama, BackendOpenAI)
	}

	if c.BackendTimeout < 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must not be negative")
	}
	if c.SpendFlushInterval <= 0 {
		return fmt.Errorf("SPEND_FLUSH_INTERVAL must be positive")
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return fmt.Errorf("BREAKER_FAILURE_RATIO must be in (0, 1]")
	}

	return nil
}

// IsProduction reports whether the gateway runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
