package main

import (
	"os"
	"time"
)

// Environment variables read by the command in addition to the
// configuration overrides in the config package.
const (
	EnvConfigPath = "PROXY_CONFIG_PATH"
	EnvLogFormat  = "PROXY_LOG_FORMAT"
)

// Command defaults.
const (
	DefaultConfigPath      = "configs/proxy.yaml"
	DefaultShutdownTimeout = 30 * time.Second
)

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
