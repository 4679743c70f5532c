// Package config loads server configuration from an optional YAML file
// with environment variable overrides. Environment always wins so deploys
// can tweak one knob without shipping a new file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Signing      SigningConfig      `yaml:"signing"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Integrations IntegrationsConfig `yaml:"integrations"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig selects the graph and ledger backend.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite", or "memory".
	Driver string `yaml:"driver"`
	// DSN is the connection string; for sqlite it is the file path.
	DSN string `yaml:"dsn"`
}

// SigningConfig locates the receipt signing key.
type SigningConfig struct {
	// KeyFile is a PEM-encoded P-256 private key. Empty means generate an
	// ephemeral key at startup (dev mode only).
	KeyFile string `yaml:"key_file"`
	Kid     string `yaml:"kid"`
}

// RedisConfig enables the shared idempotency cache. Empty Addr keeps the
// in-memory store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// AuthConfig holds the bearer token secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig bounds request rates.
type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// IntegrationsConfig bounds webhook ingestion per provider.
type IntegrationsConfig struct {
	ProviderRPS   int `yaml:"provider_rps"`
	ProviderBurst int `yaml:"provider_burst"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8080",
			LogLevel: "INFO",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Signing: SigningConfig{
			Kid: "certnode-dev",
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
		Integrations: IntegrationsConfig{
			ProviderRPS:   20,
			ProviderBurst: 40,
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Database.Driver != "memory" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database driver %q requires a dsn", cfg.Database.Driver)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.LogLevel, "LOG_LEVEL")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Signing.KeyFile, "SIGNING_KEY_FILE")
	setString(&c.Signing.Kid, "SIGNING_KID")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setInt(&c.RateLimit.RPS, "RATE_LIMIT_RPS")
	setInt(&c.RateLimit.Burst, "RATE_LIMIT_BURST")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
