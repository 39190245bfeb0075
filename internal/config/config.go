package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port         string
	DatabasePath string // sqlite file backing the cursor store

	// Explicit backend target. When set, discovery is bypassed and exactly
	// this address is supervised.
	Target string

	// Discovery settings (used when Target is empty)
	ScanHost          string
	ScanPortStart     int
	ScanPortEnd       int
	TargetsFile       string // optional JSON list of extra host:port candidates
	DiscoveryInterval time.Duration
	VerifyTimeout     time.Duration

	// Per-connection retry policy
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxRetries  int

	// Auxiliary durable-log source (optional)
	RedisURL    string
	RedisStream string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "4180"),
		DatabasePath: getEnv("AGENTDECK_DB", "agentdeck.db"),

		Target: getEnv("AGENTDECK_TARGET", ""),

		ScanHost:          getEnv("AGENTDECK_SCAN_HOST", "127.0.0.1"),
		ScanPortStart:     getIntEnv("AGENTDECK_SCAN_PORT_START", 4096),
		ScanPortEnd:       getIntEnv("AGENTDECK_SCAN_PORT_END", 4106),
		TargetsFile:       getEnv("AGENTDECK_TARGETS_FILE", ""),
		DiscoveryInterval: getDurationEnv("AGENTDECK_DISCOVERY_INTERVAL", 5*time.Second),
		VerifyTimeout:     getDurationEnv("AGENTDECK_VERIFY_TIMEOUT", 3*time.Second),

		BackoffBase: getDurationEnv("AGENTDECK_BACKOFF_BASE", 1*time.Second),
		BackoffMax:  getDurationEnv("AGENTDECK_BACKOFF_MAX", 30*time.Second),
		MaxRetries:  getIntEnv("AGENTDECK_MAX_RETRIES", 8),

		RedisURL:    getEnv("REDIS_URL", ""),
		RedisStream: getEnv("AGENTDECK_REDIS_STREAM", "agentdeck:events"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
