// Package config loads runtime configuration from environment variables and
// an optional .env file, with viper handling defaults and type coercion.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime settings for the clearing engine server.
type Config struct {
	Addr string `mapstructure:"addr"`

	// DatabaseURL is the PostgreSQL DSN. Empty falls back to the in-memory
	// store.
	DatabaseURL string `mapstructure:"database_url"`

	// RedisURL enables the read-through cache in front of PostgreSQL.
	RedisURL string        `mapstructure:"redis_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// ClickHouseDSN enables the analytics archive sink for immutable records.
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`

	// Owner is the account granted every capability at startup.
	Owner string `mapstructure:"owner"`

	LogLevel string `mapstructure:"log_level"`

	// RateLimit is the per-client request rate (requests per second) with
	// RateBurst as the burst allowance. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration. A .env file in the working directory is applied
// first when present; real environment variables win over it.
func Load() (*Config, error) {
	// Best effort; absence of .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CLEARING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("clickhouse_dsn", "")
	v.SetDefault("owner", "owner")
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit", 50.0)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("shutdown_timeout", 5*time.Second)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
