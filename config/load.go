package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides. The FLASK_* names are kept from the legacy
// deployment so existing container manifests keep working.
const (
	envEnvironment = "ENVIRONMENT"
	envLogLevel    = "LOGLEVEL"
	envDatabaseURL = "DATABASE_URL"
	envRedisURL    = "REDIS_URL"
	envHTTPHost    = "FLASK_HOST"
	envHTTPPort    = "FLASK_PORT"
)

// Load reads a YAML config file, expands environment variables inside it,
// applies environment overrides, and validates the result.
//
// A missing file is not an error: the production defaults are returned
// (still subject to environment overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file: production defaults.
	case err != nil:
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	default:
		expanded := ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envEnvironment); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envHTTPHost); v != "" {
		cfg.HTTPHost = v
	}
	if v := os.Getenv(envHTTPPort); v != "" {
		cfg.HTTPPort = v
	}
}
