// Package config provides configuration for the relay service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port (stream + ingest endpoints)
	HTTPPort int // Internal HTTP port for /internal/*, /health

	// Storage settings
	DatabaseDSN string

	// Replay settings
	ReplayByteBudget int64 // Max serialized bytes per replay round

	// Ingest settings
	HeartbeatDebounce time.Duration // Min interval between heartbeat writes

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:            getEnvInt("WS_PORT", 8090),
		HTTPPort:          getEnvInt("HTTP_PORT", 8091),
		DatabaseDSN:       getEnv("DATABASE_DSN", "relay.db"),
		ReplayByteBudget:  int64(getEnvInt("REPLAY_BYTE_BUDGET", 1048576)),
		HeartbeatDebounce: time.Duration(getEnvInt("HEARTBEAT_DEBOUNCE_MS", 30000)) * time.Millisecond,
		PingInterval:      time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:      time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:       time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:    int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1048576)),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
