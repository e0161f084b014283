// Package config loads panel configuration from an optional YAML file and
// LOCKFLEET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all panel configuration.
type Config struct {
	// Authority
	AuthorityURL string `yaml:"authority_url"` // HTTP base URL
	PushURL      string `yaml:"push_url"`      // WebSocket URL, derived from AuthorityURL when empty
	Token        string `yaml:"token"`         // bearer token for both channels

	// Sync policy
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`

	// Requests
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`

	// Panel
	ListenAddr     string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"` // WebSocket origin check, empty allows all
	DatabasePath   string   `yaml:"db_path"`

	LogLevel string `yaml:"log_level"` // debug, info, warn, error
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ReconcileInterval: 10 * time.Second,
		StaleThreshold:    20 * time.Second,
		MaxRetries:        5,
		RetryDelay:        time.Second,
		MaxRetryDelay:     30 * time.Second,
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 5,
		ListenAddr:        ":8080",
		DatabasePath:      "lockfleet.db",
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then the environment. It does not validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.AuthorityURL, "LOCKFLEET_AUTHORITY_URL")
	setString(&c.PushURL, "LOCKFLEET_PUSH_URL")
	setString(&c.Token, "LOCKFLEET_TOKEN")
	setString(&c.ListenAddr, "LOCKFLEET_LISTEN")
	setString(&c.DatabasePath, "LOCKFLEET_DB_PATH")
	setString(&c.LogLevel, "LOCKFLEET_LOG_LEVEL")

	if v := os.Getenv("LOCKFLEET_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	var errs []string
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"LOCKFLEET_RECONCILE_INTERVAL", &c.ReconcileInterval},
		{"LOCKFLEET_STALE_THRESHOLD", &c.StaleThreshold},
		{"LOCKFLEET_RETRY_DELAY", &c.RetryDelay},
		{"LOCKFLEET_MAX_RETRY_DELAY", &c.MaxRetryDelay},
		{"LOCKFLEET_REQUEST_TIMEOUT", &c.RequestTimeout},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, d.key+" must be a duration (e.g. 10s)")
				continue
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("LOCKFLEET_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "LOCKFLEET_MAX_RETRIES must be a number")
		} else {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("LOCKFLEET_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, "LOCKFLEET_RATE_LIMIT must be a number (requests per second)")
		} else {
			c.RequestsPerSecond = f
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.AuthorityURL == "" {
		errs = append(errs, "authority URL is required (LOCKFLEET_AUTHORITY_URL)")
	} else if u, err := url.Parse(c.AuthorityURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "authority URL must be an http(s) URL")
	}
	if c.PushURL != "" {
		if u, err := url.Parse(c.PushURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, "push URL must be a ws(s) URL")
		}
	}
	if c.Token == "" {
		errs = append(errs, "token is required (LOCKFLEET_TOKEN)")
	}
	if c.ReconcileInterval < time.Second {
		errs = append(errs, "reconcile interval must be at least 1 second")
	}
	if c.StaleThreshold <= 0 {
		errs = append(errs, "stale threshold must be positive")
	}
	if c.MaxRetries < 1 {
		errs = append(errs, "max retries must be at least 1")
	}
	if c.RetryDelay <= 0 || c.MaxRetryDelay < c.RetryDelay {
		errs = append(errs, "retry delay must be positive and not exceed max retry delay")
	}
	if c.RequestsPerSecond <= 0 {
		errs = append(errs, "requests per second must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log level must be one of debug, info, warn, error")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// PushEndpoint returns PushURL, or the authority's /ws endpoint with the
// scheme switched to ws(s).
func (c *Config) PushEndpoint() string {
	if c.PushURL != "" {
		return c.PushURL
	}
	u, err := url.Parse(c.AuthorityURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
