package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env:               "development",
		UploadFolder:      "prescriptions",
		BackendTimeout:    10 * time.Second,
		RequestTimeout:    60 * time.Second,
		QueuePageSize:     100,
		QueueDisplayLimit: 3,
		QueueMaxPages:     50,
		CompletionLease:   15 * time.Minute,
		SweepSchedule:     "@every 5m",
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("BACKEND_URL")
	os.Unsetenv("UPLOAD_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.QueueDisplayLimit != 3 {
		t.Errorf("expected default display limit 3, got %d", cfg.QueueDisplayLimit)
	}
	if cfg.BackendTimeout != 10*time.Second {
		t.Errorf("expected default backend timeout 10s, got %s", cfg.BackendTimeout)
	}
	if !cfg.StubBackend() {
		t.Error("expected stub backend when BACKEND_URL is unset")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_UploadURLDefaultsToBackend(t *testing.T) {
	os.Setenv("BACKEND_URL", "http://backend.local:9000/api/")
	defer os.Unsetenv("BACKEND_URL")
	os.Unsetenv("UPLOAD_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BackendURL != "http://backend.local:9000/api" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.BackendURL)
	}
	if cfg.UploadURL != cfg.BackendURL {
		t.Errorf("expected UPLOAD_URL to default to BACKEND_URL, got %s", cfg.UploadURL)
	}
	if cfg.StubBackend() {
		t.Error("expected REST backend when BACKEND_URL is set")
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

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"production without backend", func(c *Config) { c.Env = "production" }, "BACKEND_URL is required"},
		{"bad scheme", func(c *Config) { c.BackendURL = "ftp://x" }, "must use http or https"},
		{"missing host", func(c *Config) { c.UploadURL = "http://" }, "must include a host"},
		{"zero page size", func(c *Config) { c.QueuePageSize = 0 }, "QUEUE_PAGE_SIZE"},
		{"zero display limit", func(c *Config) { c.QueueDisplayLimit = 0 }, "QUEUE_DISPLAY_LIMIT"},
		{"request shorter than backend", func(c *Config) { c.RequestTimeout = time.Second }, "must not be shorter"},
		{"bad schedule", func(c *Config) { c.SweepSchedule = "every now and then" }, "SWEEP_SCHEDULE"},
		{"empty folder", func(c *Config) { c.UploadFolder = "" }, "UPLOAD_FOLDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
