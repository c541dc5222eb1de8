package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Scheduling cycle
	CycleInterval time.Duration
	CycleWorkers  int

	// Queue rules
	RulesFile          string
	RulesWatchDebounce time.Duration

	Store storage.Config

	// Event bus, empty address disables the Redis publisher
	RedisAddr     string
	RedisPassword string

	// Average handle time collaborator, empty URL uses the fallback estimate
	AHTURL     string
	AHTTimeout time.Duration

	OIDCIssuer string
	SkipAuth   bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RulesFile:      getEnv("RULES_FILE", ""),
		Store:          storage.LoadConfig(),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		AHTURL:         strings.TrimSuffix(getEnv("AHT_URL", ""), "/"),
		OIDCIssuer:     getEnv("OIDC_ISSUER", ""),
		SkipAuth:       getEnv("SKIP_AUTH", "false") == "true",
	}

	var err error
	if config.WSReadTimeout, err = seconds("WS_READ_TIMEOUT", "60"); err != nil {
		return nil, err
	}
	if config.WSWriteTimeout, err = seconds("WS_WRITE_TIMEOUT", "10"); err != nil {
		return nil, err
	}
	if config.CycleInterval, err = seconds("CYCLE_INTERVAL_SECONDS", "10"); err != nil {
		return nil, err
	}
	if config.AHTTimeout, err = seconds("AHT_TIMEOUT_SECONDS", "2"); err != nil {
		return nil, err
	}

	debounceMs, err := strconv.Atoi(getEnv("RULES_WATCH_DEBOUNCE_MS", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid RULES_WATCH_DEBOUNCE_MS: %w", err)
	}
	config.RulesWatchDebounce = time.Duration(debounceMs) * time.Millisecond

	config.CycleWorkers, err = strconv.Atoi(getEnv("CYCLE_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid CYCLE_WORKERS: %w", err)
	}
	if config.CycleWorkers < 1 {
		return nil, fmt.Errorf("invalid CYCLE_WORKERS: must be at least 1, got %d", config.CycleWorkers)
	}
	if config.CycleInterval <= 0 {
		return nil, fmt.Errorf("invalid CYCLE_INTERVAL_SECONDS: must be positive")
	}

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

func seconds(key, defaultValue string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
