package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/redis/go-redis/v9"
)

// ClientConfig holds configuration for connecting to Redis.
type ClientConfig struct {
	URL            string
	ConnectTimeout time.Duration
	MaxRetries     int
	// PoolSize overrides the go-redis default of 10 connections per CPU
	// when positive.
	PoolSize int
}

// DefaultClientConfig returns default configuration for url.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		ConnectTimeout: 5 * time.Second,
		MaxRetries:     5,
	}
}

// NewRedisClient parses the URL, builds the client and pings it so startup
// fails fast on a bad endpoint. Connection failures are retried with
// exponential backoff.
func NewRedisClient(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	rdb := redis.NewClient(opts)

	if err := pingWithRetry(ctx, rdb, cfg, logger); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			logger.Warn("failed to close redis client after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("redis at %s not ready: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB, "pool_size", opts.PoolSize)
	return rdb, nil
}

func pingWithRetry(ctx context.Context, rdb *redis.Client, cfg ClientConfig, logger *slog.Logger) error {
	maxRetries := max(cfg.MaxRetries, 1)
	baseDelay := 200 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return nil
		}
		if !shared.IsConnectionError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 200ms, 400ms, 800ms, ...
		logger.Warn("Redis ping failed, retrying", "attempt", i+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
