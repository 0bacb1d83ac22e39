package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the badge scanning service.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"10m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"gradescanner"`

	AllowAnyOrigin bool `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	CaptureInterval time.Duration `env:"SCAN_CAPTURE_INTERVAL" envDefault:"250ms"`

	// Roster sources, highest priority first: DatabaseURL, RosterFile,
	// Roster. With none set the built-in roster is used.
	DatabaseURL string `env:"DATABASE_URL"`
	RosterFile  string `env:"ROSTER_FILE"`
	Roster      string `env:"ROSTER"`

	RecognizerMode       string        `env:"RECOGNIZER_MODE" envDefault:"auto"`
	RecognizerHTTPURL    string        `env:"RECOGNIZER_HTTP_URL"`
	RecognizerTimeout    time.Duration `env:"RECOGNIZER_TIMEOUT" envDefault:"5s"`
	RecognizerMaxRPS     float64       `env:"RECOGNIZER_MAX_RPS" envDefault:"8"`
	RecognizerMaxRetries int           `env:"RECOGNIZER_MAX_RETRIES" envDefault:"2"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	cfg.MetricsNamespace = strings.TrimSpace(cfg.MetricsNamespace)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RosterFile = strings.TrimSpace(cfg.RosterFile)
	cfg.RecognizerMode = strings.ToLower(strings.TrimSpace(cfg.RecognizerMode))
	cfg.RecognizerHTTPURL = strings.TrimSpace(cfg.RecognizerHTTPURL)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFile = strings.TrimSpace(cfg.LogFile)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("APP_BIND_ADDR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.MetricsNamespace == "" {
		return fmt.Errorf("APP_METRICS_NAMESPACE must not be empty")
	}
	if c.CaptureInterval <= 0 {
		return fmt.Errorf("SCAN_CAPTURE_INTERVAL must be positive")
	}
	switch c.RecognizerMode {
	case "auto", "mock":
	case "http":
		if c.RecognizerHTTPURL == "" {
			return fmt.Errorf("RECOGNIZER_HTTP_URL is required when RECOGNIZER_MODE=http")
		}
	default:
		return fmt.Errorf("RECOGNIZER_MODE must be one of auto, http, mock (got %q)", c.RecognizerMode)
	}
	if c.RecognizerTimeout <= 0 {
		return fmt.Errorf("RECOGNIZER_TIMEOUT must be positive")
	}
	if c.RecognizerMaxRPS < 0 {
		return fmt.Errorf("RECOGNIZER_MAX_RPS must be >= 0")
	}
	if c.RecognizerMaxRetries < 0 {
		return fmt.Errorf("RECOGNIZER_MAX_RETRIES must be >= 0")
	}
	return nil
}
