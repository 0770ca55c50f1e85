// Package config loads process configuration from JOBKEEPER_* environment
// variables, reading a .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const Prefix = "JOBKEEPER_"

type Config struct {
	Addr     string `env:"ADDR"      envDefault:":8080"`
	DBPath   string `env:"DB_PATH"   envDefault:"jobkeeper.db"`
	JobsFile string `env:"JOBS_FILE" envDefault:"jobs.yaml"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"` // console or json

	// RecoverOnStart closes executions left running by a previous process.
	RecoverOnStart  bool          `env:"RECOVER_ON_START" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	NotifyTimeout   time.Duration `env:"NOTIFY_TIMEOUT"   envDefault:"30s"`

	Webhook WebhookConfig `envPrefix:"WEBHOOK_"`
}

// WebhookConfig configures the completion notification webhook. Notifications
// are only logged when URL is empty.
type WebhookConfig struct {
	URL        string            `env:"URL"`
	Headers    map[string]string `env:"HEADERS"`
	Timeout    time.Duration     `env:"TIMEOUT"     envDefault:"10s"`
	RetryLimit int               `env:"RETRY_LIMIT" envDefault:"3"`
}

// Load reads .env (if any) and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse(env.Options{Prefix: Prefix})
}

func Parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize trims values and falls back to defaults for out-of-range input.
func (c *Config) Sanitize() {
	c.Addr = strings.TrimSpace(c.Addr)
	c.DBPath = strings.TrimSpace(c.DBPath)
	c.JobsFile = strings.TrimSpace(c.JobsFile)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Webhook.URL = strings.TrimSpace(c.Webhook.URL)

	if c.LogFormat != "json" {
		c.LogFormat = "console"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.RetryLimit < 0 {
		c.Webhook.RetryLimit = 0
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: ADDR must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("config: DB_PATH must not be empty")
	}
	if c.JobsFile == "" {
		return errors.New("config: JOBS_FILE must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
