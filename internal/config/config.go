// Package config provides daemon configuration from the environment with
// defaults, and the YAML rule tree describing the monitored services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat returns the number for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// DaemonConfig holds the settings of the monitoring daemon (used by cmd/hostmond).
type DaemonConfig struct {
	ConfigPath      string
	Poll            time.Duration
	StartDelay      time.Duration
	HTTPAddr        string
	HTTPToken       string
	StateDir        string
	Reminder        int
	LogLevel        string
	ShutdownTimeout time.Duration

	CollectorEndpoint string
	CollectorAPIKey   string
	CollectorTimeout  time.Duration
	CollectorRate     float64
	CollectorBurst    int
}

// CollectorEnabled reports whether events are forwarded to a remote collector
func (c DaemonConfig) CollectorEnabled() bool {
	return c.CollectorEndpoint != ""
}

// DefaultDaemonConfig returns daemon config from environment with defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		ConfigPath:        GetEnv("HOSTMON_CONFIG", "/etc/hostmon/hostmon.yaml"),
		Poll:              GetEnvDuration("HOSTMON_POLL", 30*time.Second),
		StartDelay:        GetEnvDuration("HOSTMON_START_DELAY", 0),
		HTTPAddr:          GetEnv("HOSTMON_HTTP_ADDR", "127.0.0.1:2812"),
		HTTPToken:         GetEnv("HOSTMON_HTTP_TOKEN", ""),
		StateDir:          GetEnv("HOSTMON_STATE_DIR", "/var/lib/hostmon"),
		Reminder:          GetEnvInt("HOSTMON_REMINDER", 0),
		LogLevel:          GetEnv("HOSTMON_LOG_LEVEL", "info"),
		ShutdownTimeout:   GetEnvDuration("HOSTMON_SHUTDOWN_TIMEOUT", 15*time.Second),
		CollectorEndpoint: GetEnv("HOSTMON_COLLECTOR_ENDPOINT", ""),
		CollectorAPIKey:   GetEnv("HOSTMON_COLLECTOR_API_KEY", ""),
		CollectorTimeout:  GetEnvDuration("HOSTMON_COLLECTOR_TIMEOUT", 10*time.Second),
		CollectorRate:     GetEnvFloat("HOSTMON_COLLECTOR_RATE", 0),
		CollectorBurst:    GetEnvInt("HOSTMON_COLLECTOR_BURST", 10),
	}
}
