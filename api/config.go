// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"os"
	"strconv"
	"time"

	"suprema/gateway/ratelimit"
)

// Config holds the process-wide settings, read once at startup.
type Config struct {
	Port string

	// Data store (the read-only tabular source behind the dataset routes)
	DataDSN string

	// Policy database and shared KV
	PolicyDSN string
	RedisURL  string

	// Rate limit fallback and audit sampling
	Fallback      ratelimit.FallbackConfig
	EventSampling float64
	DegradedMode  ratelimit.DegradedMode

	// Deadlines
	DBConnTimeout time.Duration
	HTTPTimeout   time.Duration

	// Optional YAML file with user records
	UsersFile string
}

// LoadConfig reads configuration from the environment with the
// documented defaults.
func LoadConfig() Config {
	return Config{
		Port:      getEnv("PORT", "8508"),
		DataDSN:   getEnv("DATABASE_URL", ""),
		PolicyDSN: getEnv("POLICY_DATABASE_URL", ""),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Fallback: ratelimit.FallbackConfig{
			Enabled:   getEnvBool("USER_RATE_LIMIT_ENABLED", true),
			WindowSec: getEnvInt("USER_RATE_LIMIT_WINDOW_SEC", 3600),
			MaxCalls:  getEnvInt("USER_RATE_LIMIT_MAX_CALLS", 1),
			BlockSec:  getEnvInt("USER_RATE_LIMIT_BLOCK_SEC", 10800),
		},
		EventSampling: getEnvFloat("RATE_EVENT_SAMPLING", 1.0),
		DegradedMode:  ratelimit.DegradedMode(getEnv("RATE_LIMIT_DEGRADED_MODE", string(ratelimit.DegradedDeny))),
		DBConnTimeout: time.Duration(getEnvInt("DB_CONNECTION_TIMEOUT", 300)) * time.Second,
		HTTPTimeout:   time.Duration(getEnvInt("HTTP_TIMEOUT", 900)) * time.Second,
		UsersFile:     getEnv("GATEWAY_USERS_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
