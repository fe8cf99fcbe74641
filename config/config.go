// Package config handles YAML config file loading for the sandbox.
//
// A single config.yml configures the whole process; each connector has its
// own, unrelated, configuration file loaded at registration time.
package config

import (
	"fmt"
	"sort"
	"time"
)

// SinkKind is the kind of result sink a connector dispatches to.
type SinkKind string

const (
	// KindFeed dispatches results as reports appended to a feed.
	KindFeed SinkKind = "feed"
	// KindWatchlist dispatches results to a watchlist (reserved).
	KindWatchlist SinkKind = "watchlist"
)

// Valid reports whether k is a known sink kind.
func (k SinkKind) Valid() bool {
	switch k {
	case KindFeed, KindWatchlist:
		return true
	}
	return false
}

// Sink identifies a downstream destination for analysis results.
type Sink struct {
	Kind SinkKind `yaml:"kind"`
	ID   string   `yaml:"id"`
}

func (s Sink) String() string {
	return fmt.Sprintf("%s %s", s.Kind, s.ID)
}

// UBS configures the Unified Binary Store client.
type UBS struct {
	// URL is the base URL of the UBS API.
	URL string `yaml:"url"`
	// Token is the API token sent with each request.
	Token string `yaml:"token"`
	// Timeout is the per-request timeout (default 30s).
	Timeout Duration `yaml:"timeout"`
}

// Feed configures the feed service that dispatch appends reports to.
type Feed struct {
	// URL is the base URL of the feed API.
	URL string `yaml:"url"`
	// Token is the API token sent with each request.
	Token string `yaml:"token"`
	// Timeout is the per-request timeout (default 30s).
	Timeout Duration `yaml:"timeout"`
}

// Config is the primary source of configuration for the sandbox.
// Values are loaded from config.yml and overridden by environment variables
// (see Load). The struct is not mutated after Load returns.
type Config struct {
	// Environment is the kind of running environment
	// (production or development).
	Environment string `yaml:"environment"`

	// LogLevel is the process-wide loglevel.
	LogLevel string `yaml:"loglevel"`

	// DatabaseURL is the connection URL for the result store.
	DatabaseURL string `yaml:"database"`

	// RedisURL is the connection URL for the binary cache and the queues.
	RedisURL string `yaml:"redis"`

	// HTTPHost is the host the front end listens on.
	HTTPHost string `yaml:"http_host"`

	// HTTPPort is the port the front end listens on.
	HTTPPort string `yaml:"http_port"`

	// BinaryTimeout is the maximum time allotted to each binary download and
	// each per-connector analysis job. Zero means no timeout.
	BinaryTimeout Duration `yaml:"binary_timeout"`

	// BinaryFetchMaxRetry is the maximum number of times to retry retrieval
	// of a binary from the UBS before failing.
	BinaryFetchMaxRetry int `yaml:"binary_fetch_max_retry"`

	// FeedSize is the number of results per dispatch chunk.
	FeedSize int `yaml:"feed_size"`

	// Concurrency is the worker pool size shared across the queues.
	Concurrency int `yaml:"concurrency"`

	// ConnectorDirs are the directories searched for per-connector
	// config.yml files at registration time.
	ConnectorDirs []string `yaml:"connector_dirs"`

	// ResultSinks maps connector names to their result sinks. Connectors
	// without an entry produce results that are never dispatched.
	ResultSinks map[string]Sink `yaml:"result_sinks"`

	UBS  UBS  `yaml:"ubs"`
	Feed Feed `yaml:"feed"`
}

// Default returns the production default configuration.
func Default() *Config {
	return &Config{
		Environment:         "production",
		LogLevel:            "INFO",
		DatabaseURL:         "postgres://localhost/sandbox?sslmode=disable",
		HTTPHost:            "127.0.0.1",
		HTTPPort:            "5000",
		BinaryTimeout:       Duration{60 * time.Second},
		BinaryFetchMaxRetry: 3,
		FeedSize:            10,
		Concurrency:         8,
		ConnectorDirs:       []string{"/usr/share/sandbox/connectors"},
		ResultSinks:         map[string]Sink{},
		UBS:                 UBS{Timeout: Duration{30 * time.Second}},
		Feed:                Feed{Timeout: Duration{30 * time.Second}},
	}
}

// IsDevelopment reports whether the environment is a development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// SinkFor returns the sink configured for the named connector.
func (c *Config) SinkFor(connectorName string) (Sink, bool) {
	s, ok := c.ResultSinks[connectorName]
	return s, ok
}

// SinkNames returns the connector names that have a configured sink,
// sorted for deterministic iteration.
func (c *Config) SinkNames() []string {
	names := make([]string, 0, len(c.ResultSinks))
	for name := range c.ResultSinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validate checks cross-field constraints after load.
func (c *Config) validate() error {
	for name, sink := range c.ResultSinks {
		if !sink.Kind.Valid() {
			return fmt.Errorf("sink for connector %q: unknown sink kind %q", name, sink.Kind)
		}
		if sink.ID == "" {
			return fmt.Errorf("sink for connector %q: missing id", name)
		}
	}
	if c.FeedSize <= 0 {
		return fmt.Errorf("feed_size must be > 0, got %d", c.FeedSize)
	}
	if c.BinaryFetchMaxRetry < 0 {
		return fmt.Errorf("binary_fetch_max_retry must be >= 0, got %d", c.BinaryFetchMaxRetry)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0, got %d", c.Concurrency)
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
