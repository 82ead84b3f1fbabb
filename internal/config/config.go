// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration shared by the gateway and worker.
type Config struct {
	Port               string
	AppEnv             string
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	SessionTTL         time.Duration
	Redis              RedisConfig
	Relay              RelayConfig
	LLM                LLMConfig
	Worker             WorkerConfig
}

// RedisConfig controls the connection to the session and stream store.
type RedisConfig struct {
	URL string
}

// RelayConfig controls the gateway's wait on per-session response streams.
type RelayConfig struct {
	// PollInterval bounds each blocking XREAD while waiting indefinitely.
	PollInterval time.Duration
	// ResponseTimeout caps the wait for a reply; 0 waits forever.
	ResponseTimeout time.Duration
	// MaxWaiters caps relays blocked on a response stream at once. It is
	// also the pool size of the gateway's blocking Redis client.
	MaxWaiters int
}

// LLMConfig controls the chat-completions provider.
type LLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration // 0 = no client-side timeout
}

// WorkerConfig controls the stream consumer process.
type WorkerConfig struct {
	ContextLimit int
	HealthAddr   string
	MetricsAddr  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	redisURL := getEnv("REDIS_URL", "")
	if redisURL == "" {
		redisURL = buildRedisURL(
			getEnv("REDIS_USER", ""),
			getEnv("REDIS_PASSWORD", ""),
			getEnv("REDIS_HOST", "localhost"),
			getEnv("REDIS_PORT", "6379"),
			getEnvInt("REDIS_DB", 0),
		)
	}

	apiKey := getEnv("LLM_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("GROQ_API_KEY", "")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "3500"),
		AppEnv:             getEnv("APP_ENV", "production"),
		LogLevel:           parseLevel(getEnv("LOG_LEVEL", "info")),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		SessionTTL:         time.Duration(getEnvInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		Redis: RedisConfig{
			URL: redisURL,
		},
		Relay: RelayConfig{
			PollInterval:    getEnvDuration("STREAM_POLL_INTERVAL_MS", 5*time.Second),
			ResponseTimeout: getEnvDuration("RESPONSE_TIMEOUT_MS", 0),
			MaxWaiters:      getEnvInt("RELAY_MAX_WAITERS", 256),
		},
		LLM: LLMConfig{
			BaseURL:   strings.TrimSuffix(getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"), "/"),
			APIKey:    apiKey,
			Model:     getEnv("LLM_MODEL", "openai/gpt-oss-20b"),
			MaxTokens: getEnvInt("LLM_MAX_TOKENS", 512),
			Timeout:   getEnvDuration("LLM_TIMEOUT_MS", 0),
		},
		Worker: WorkerConfig{
			ContextLimit: getEnvInt("WORKER_CONTEXT_LIMIT", 10),
			HealthAddr:   getEnv("WORKER_HEALTH_ADDR", ":50051"),
			MetricsAddr:  getEnv("WORKER_METRICS_ADDR", ":9101"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.Redis.URL == "" {
		return errors.New("REDIS_URL cannot be empty")
	}
	if _, err := url.Parse(c.Redis.URL); err != nil {
		return fmt.Errorf("REDIS_URL is not a valid URL: %w", err)
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL_SECONDS must be > 0")
	}
	if c.Relay.PollInterval <= 0 {
		return errors.New("STREAM_POLL_INTERVAL_MS must be > 0")
	}
	if c.Relay.ResponseTimeout < 0 {
		return errors.New("RESPONSE_TIMEOUT_MS cannot be negative")
	}
	if c.Relay.MaxWaiters <= 0 {
		return errors.New("RELAY_MAX_WAITERS must be > 0")
	}
	if c.Worker.ContextLimit <= 0 {
		return errors.New("WORKER_CONTEXT_LIMIT must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return errors.New("LLM_MAX_TOKENS must be > 0")
	}
	return nil
}

// RequireLLM checks the settings only the worker needs.
func (c *Config) RequireLLM() error {
	if c.LLM.APIKey == "" {
		return errors.New("GROQ_API_KEY or LLM_API_KEY must be set")
	}
	if c.LLM.BaseURL == "" {
		return errors.New("LLM_BASE_URL cannot be empty")
	}
	if c.LLM.Model == "" {
		return errors.New("LLM_MODEL cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func buildRedisURL(user, password, host, port string, db int) string {
	u := &url.URL{
		Scheme: "redis",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + strconv.Itoa(db),
	}
	switch {
	case user != "" && password != "":
		u.User = url.UserPassword(user, password)
	case password != "":
		u.User = url.UserPassword("", password)
	case user != "":
		u.User = url.User(user)
	}
	return u.String()
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
