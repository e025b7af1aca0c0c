package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_RequiresUpstreamBaseURL(t *testing.T) {
	os.Unsetenv("UPSTREAM_BASE_URL")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when UPSTREAM_BASE_URL is missing")
	}
}

func TestLoad_WithUpstreamBaseURL(t *testing.T) {
	os.Setenv("UPSTREAM_BASE_URL", "http://localhost:8000/api/")
	defer os.Unsetenv("UPSTREAM_BASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.UpstreamBaseURL != "http://localhost:8000/api" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.UpstreamBaseURL)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}

	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval 5s, got %s", cfg.PollInterval)
	}

	if cfg.UploadMaxBytes != 50*1024*1024 {
		t.Errorf("expected default upload limit 50MiB, got %d", cfg.UploadMaxBytes)
	}
}

func TestLoad_ClampsPollInterval(t *testing.T) {
	os.Setenv("UPSTREAM_BASE_URL", "http://localhost:8000/api")
	os.Setenv("POLL_INTERVAL", "500ms")
	defer os.Unsetenv("UPSTREAM_BASE_URL")
	defer os.Unsetenv("POLL_INTERVAL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != MinPollInterval {
		t.Errorf("expected clamp to %s, got %s", MinPollInterval, cfg.PollInterval)
	}

	os.Setenv("POLL_INTERVAL", "1m")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != MaxPollInterval {
		t.Errorf("expected clamp to %s, got %s", MaxPollInterval, cfg.PollInterval)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_Validate(t *testing.T) {
	c := &Config{
		UpstreamBaseURL: "http://localhost:8000/api",
		UploadMaxBytes:  1024,
		SessionFile:     "session.json",
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.UpstreamBaseURL = "localhost:8000"
	if err := c.Validate(); err == nil {
		t.Error("expected error for non-http upstream URL")
	}

	c.UpstreamBaseURL = "http://localhost:8000"
	c.UploadMaxBytes = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero upload limit")
	}
}
