// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration. Flags in cmd/server override it.
type Config struct {
	Port     int
	DBDriver string
	DBDSN    string

	LogLevel  string
	LogFormat string

	// RedisAddress enables the Redis event publisher and distributed locks
	// when set.
	RedisAddress  string
	EventsChannel string

	StaleCheckInterval time.Duration
	StaleAutoRepair    bool
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:               8080,
		DBDriver:           "sqlite3",
		DBDSN:              "./ledger.db",
		LogLevel:           "info",
		LogFormat:          "json",
		EventsChannel:      "ledger:events",
		StaleCheckInterval: time.Minute,
	}
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	// Load env from .env
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a getenv function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Defaults()

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := getenv("DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	cfg.RedisAddress = getenv("REDIS_ADDRESS")
	if v := getenv("EVENTS_CHANNEL"); v != "" {
		cfg.EventsChannel = v
	}
	if v := getenv("STALE_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid STALE_CHECK_INTERVAL %q: %w", v, err)
		}
		cfg.StaleCheckInterval = d
	}
	if v := getenv("STALE_AUTO_REPAIR"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid STALE_AUTO_REPAIR %q: %w", v, err)
		}
		cfg.StaleAutoRepair = b
	}

	return cfg, nil
}
