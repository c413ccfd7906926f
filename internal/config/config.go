// Package config loads process configuration from the environment,
// optionally preloading a .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment variable named in spec.md §6.
type Config struct {
	DatabaseURL         string
	APIKey              string
	MaxLogsLimit        int
	EnableAutoReplay    bool
	AutoReplayInterval  time.Duration
	AutoReplayBatchSize int
	MockAgentsURL       string
	LogLevel            string
}

// Load reads configuration from the environment. If a .env file exists in
// the working directory it is loaded first (existing environment variables
// always win); a missing .env is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		APIKey:              os.Getenv("API_KEY"),
		MaxLogsLimit:        envInt("MAX_LOGS_LIMIT", 1000),
		EnableAutoReplay:    envBool("ENABLE_AUTO_REPLAY", true),
		AutoReplayInterval:  envSeconds("AUTO_REPLAY_INTERVAL", 600*time.Second),
		AutoReplayBatchSize: envInt("AUTO_REPLAY_BATCH_SIZE", 50),
		MockAgentsURL:       os.Getenv("MOCK_AGENTS_URL"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("config: API_KEY is required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
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

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
