package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	UpstreamBaseURL string        `mapstructure:"UPSTREAM_BASE_URL"`
	SessionFile     string        `mapstructure:"SESSION_FILE"`
	PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
	HTTPTimeout     time.Duration `mapstructure:"HTTP_TIMEOUT"`
	UploadMaxBytes  int64         `mapstructure:"UPLOAD_MAX_BYTES"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
}

// Polling bounds observed across the dashboard views: faster than 3s hammers
// the task-status endpoint, slower than 10s makes the upload page feel dead.
const (
	MinPollInterval = 3 * time.Second
	MaxPollInterval = 10 * time.Second
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("SESSION_FILE", ".docere-session.json")
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("UPLOAD_MAX_BYTES", 50*1024*1024)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("UPSTREAM_BASE_URL")
	v.BindEnv("SESSION_FILE")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("HTTP_TIMEOUT")
	v.BindEnv("UPLOAD_MAX_BYTES")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	cfg.UpstreamBaseURL = strings.TrimRight(cfg.UpstreamBaseURL, "/")

	if cfg.PollInterval < MinPollInterval {
		cfg.PollInterval = MinPollInterval
	}
	if cfg.PollInterval > MaxPollInterval {
		cfg.PollInterval = MaxPollInterval
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.UpstreamBaseURL, "http://") && !strings.HasPrefix(c.UpstreamBaseURL, "https://") {
		return fmt.Errorf("UPSTREAM_BASE_URL must be an http(s) URL, got %q", c.UpstreamBaseURL)
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}
	if c.SessionFile == "" {
		return fmt.Errorf("SESSION_FILE is required")
	}
	return nil
}
