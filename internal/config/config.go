package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	BackendURL        string        `mapstructure:"BACKEND_URL"`
	UploadURL         string        `mapstructure:"UPLOAD_URL"`
	UploadFolder      string        `mapstructure:"UPLOAD_FOLDER"`
	BackendTimeout    time.Duration `mapstructure:"BACKEND_TIMEOUT"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	CacheTTL          time.Duration `mapstructure:"CACHE_TTL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	QueuePageSize     int           `mapstructure:"QUEUE_PAGE_SIZE"`
	QueueDisplayLimit int           `mapstructure:"QUEUE_DISPLAY_LIMIT"`
	QueueMaxPages     int           `mapstructure:"QUEUE_MAX_PAGES"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	CompletionLease   time.Duration `mapstructure:"COMPLETION_LEASE"`
	SweepSchedule     string        `mapstructure:"SWEEP_SCHEDULE"`
}

var keys = []string{
	"PORT", "ENV", "BACKEND_URL", "UPLOAD_URL", "UPLOAD_FOLDER", "BACKEND_TIMEOUT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CACHE_TTL",
	"CORS_ORIGINS", "QUEUE_PAGE_SIZE", "QUEUE_DISPLAY_LIMIT", "QUEUE_MAX_PAGES",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "COMPLETION_LEASE", "SWEEP_SCHEDULE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("UPLOAD_FOLDER", "prescriptions")
	v.SetDefault("BACKEND_TIMEOUT", "10s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CACHE_TTL", "10m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("QUEUE_PAGE_SIZE", 100)
	v.SetDefault("QUEUE_DISPLAY_LIMIT", 3)
	v.SetDefault("QUEUE_MAX_PAGES", 50)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "25M")
	v.SetDefault("COMPLETION_LEASE", "15m")
	v.SetDefault("SWEEP_SCHEDULE", "@every 5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

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

	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.UploadURL = strings.TrimRight(cfg.UploadURL, "/")
	if cfg.UploadURL == "" {
		cfg.UploadURL = cfg.BackendURL
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StubBackend reports whether the in-memory stub backend replaces the REST
// collaborators. This is the case whenever BACKEND_URL is unset.
func (c *Config) StubBackend() bool {
	return c.BackendURL == ""
}

// Validate checks that the configuration is safe to run. Production refuses
// the stub backend, URLs must be absolute http(s) URLs and the queue and
// timeout knobs must be positive.
func (c *Config) Validate() error {
	if c.IsProduction() && c.StubBackend() {
		return fmt.Errorf("BACKEND_URL is required in production")
	}
	if c.BackendURL != "" {
		if err := validateHTTPURL("BACKEND_URL", c.BackendURL); err != nil {
			return err
		}
	}
	if c.UploadURL != "" {
		if err := validateHTTPURL("UPLOAD_URL", c.UploadURL); err != nil {
			return err
		}
	}
	if c.UploadFolder == "" {
		return fmt.Errorf("UPLOAD_FOLDER must not be empty")
	}
	if c.QueuePageSize <= 0 {
		return fmt.Errorf("QUEUE_PAGE_SIZE must be positive, got %d", c.QueuePageSize)
	}
	if c.QueueDisplayLimit <= 0 {
		return fmt.Errorf("QUEUE_DISPLAY_LIMIT must be positive, got %d", c.QueueDisplayLimit)
	}
	if c.QueueMaxPages <= 0 {
		return fmt.Errorf("QUEUE_MAX_PAGES must be positive, got %d", c.QueueMaxPages)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.RequestTimeout < c.BackendTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not be shorter than BACKEND_TIMEOUT (%s)", c.RequestTimeout, c.BackendTimeout)
	}
	if c.CompletionLease <= 0 {
		return fmt.Errorf("COMPLETION_LEASE must be positive")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE %q is invalid: %w", c.SweepSchedule, err)
	}
	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", name, raw)
	}
	return nil
}
