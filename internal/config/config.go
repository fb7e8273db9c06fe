package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	BuildConcurrency int           `mapstructure:"BUILD_CONCURRENCY"`
	NodeTimeout      time.Duration `mapstructure:"NODE_TIMEOUT"`
	RegistryFile     string        `mapstructure:"REGISTRY_FILE"`
	RulesDir         string        `mapstructure:"RULES_DIR"`
	AuthTokenSecret  string        `mapstructure:"AUTH_TOKEN_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BUILD_CONCURRENCY", 4)
	v.SetDefault("NODE_TIMEOUT", "5m")
	v.SetDefault("RULES_DIR", "configs/rules")
	v.SetDefault("REGISTRY_FILE", "configs/registry.json")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BUILD_CONCURRENCY")
	v.BindEnv("NODE_TIMEOUT")
	v.BindEnv("REGISTRY_FILE")
	v.BindEnv("RULES_DIR")
	v.BindEnv("AUTH_TOKEN_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside
// development the query API refuses to start without a token secret, so
// the materialized timeline is never served unauthenticated by accident.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthTokenSecret == "" {
		return fmt.Errorf("AUTH_TOKEN_SECRET is required when ENV=%q; refusing to serve without authentication", c.Env)
	}
	if c.BuildConcurrency <= 0 {
		return fmt.Errorf("BUILD_CONCURRENCY must be positive, got %d", c.BuildConcurrency)
	}
	if c.NodeTimeout < 0 {
		return fmt.Errorf("NODE_TIMEOUT must not be negative, got %s", c.NodeTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
