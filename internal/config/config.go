package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay scheduler.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	// WebhookBaseURL is the externally reachable base of this service; the
	// /webhook path is appended when registering subscriptions upstream.
	WebhookBaseURL string

	PollInterval time.Duration
	APITimeout   time.Duration

	MaxConnsPerSource int
	ConnRatePerSource int
	CheckOrigin       bool
	AllowedOrigins    []string

	DefaultExecutions int

	TasksFile   string
	DatabaseURL string

	MetricsNamespace string
	LogLevel         string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8443"),
		WebhookBaseURL:    envOrDefault("APP_WEBHOOK_BASE_URL", "http://localhost:8443"),
		TasksFile:         envOrDefault("APP_TASKS_FILE", "tasks.json"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "socketwss"),
		LogLevel:          envOrDefault("APP_LOG_LEVEL", "info"),
		PollInterval:      5 * time.Second,
		APITimeout:        5 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		MaxConnsPerSource: 5,
		ConnRatePerSource: 0,
		DefaultExecutions: 1,
	}

	var err error
	cfg.PollInterval, err = durationFromEnv("APP_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.APITimeout, err = durationFromEnv("APP_API_TIMEOUT", cfg.APITimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConnsPerSource, err = intFromEnv("APP_MAX_CONNS_PER_SOURCE", cfg.MaxConnsPerSource)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnRatePerSource, err = intFromEnv("APP_CONN_RATE_PER_SOURCE", cfg.ConnRatePerSource)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultExecutions, err = intFromEnv("APP_DEFAULT_EXECUTIONS", cfg.DefaultExecutions)
	if err != nil {
		return Config{}, err
	}
	cfg.CheckOrigin, err = boolFromEnv("APP_CHECK_ORIGIN", cfg.CheckOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = csvFromEnv("APP_ALLOWED_ORIGINS")

	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("APP_POLL_INTERVAL must be positive")
	}
	if cfg.APITimeout <= 0 {
		return Config{}, fmt.Errorf("APP_API_TIMEOUT must be positive")
	}
	if cfg.MaxConnsPerSource <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONNS_PER_SOURCE must be positive")
	}
	if cfg.ConnRatePerSource < 0 {
		return Config{}, fmt.Errorf("APP_CONN_RATE_PER_SOURCE must be >= 0")
	}
	if cfg.DefaultExecutions <= 0 {
		return Config{}, fmt.Errorf("APP_DEFAULT_EXECUTIONS must be positive")
	}
	if cfg.CheckOrigin && len(cfg.AllowedOrigins) == 0 {
		return Config{}, fmt.Errorf("APP_CHECK_ORIGIN is enabled but APP_ALLOWED_ORIGINS is empty")
	}
	if strings.TrimSpace(cfg.TasksFile) == "" {
		return Config{}, fmt.Errorf("APP_TASKS_FILE must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func csvFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
