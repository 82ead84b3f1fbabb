package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/redis/go-redis/v9"
)

// DefaultSessionTTL is how long a session lives after it is created.
const DefaultSessionTTL = time.Hour

const appendMaxRetries = 5

// RedisStore implements SessionStore with one JSON document per token.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed session store. A non-positive ttl
// falls back to DefaultSessionTTL.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

var _ SessionStore = (*RedisStore)(nil)

// Create writes the session document and its expiry in a single SET.
func (s *RedisStore) Create(ctx context.Context, token, name string) (*domain.Session, error) {
	session := domain.NewSession(token, name)

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if err := s.rdb.Set(ctx, token, data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by token.
func (s *RedisStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	data, err := s.rdb.Get(ctx, token).Bytes()
	if shared.IsRedisNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if session.Messages == nil {
		session.Messages = []domain.Message{}
	}
	return &session, nil
}

// GetBounded retrieves a session truncated to its last limit messages.
func (s *RedisStore) GetBounded(ctx context.Context, token string, limit int) (*domain.Session, error) {
	session, err := s.Get(ctx, token)
	if err != nil || session == nil {
		return session, err
	}
	session.Messages = session.Last(limit)
	return session, nil
}

// AppendMessages appends to the stored message array inside a WATCH
// transaction so concurrent appends never lose messages. The key keeps its
// remaining TTL.
func (s *RedisStore) AppendMessages(ctx context.Context, token string, messages ...domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, msg := range messages {
		if err := msg.Source.Validate(); err != nil {
			return fmt.Errorf("append messages: %w", err)
		}
	}

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, token).Bytes()
		if shared.IsRedisNil(err) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		session.Messages = append(session.Messages, messages...)

		updated, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, token, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	return appendWithRetry(ctx, token, func() error {
		return s.rdb.Watch(ctx, txf, token)
	})
}

// Exists reports whether a session key is present.
func (s *RedisStore) Exists(ctx context.Context, token string) (bool, error) {
	n, err := s.rdb.Exists(ctx, token).Result()
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n == 1, nil
}

// appendWithRetry retries fn with exponential backoff while the WATCH
// transaction conflicts with a concurrent writer or the connection drops.
func appendWithRetry(ctx context.Context, token string, fn func() error) error {
	baseDelay := 10 * time.Millisecond

	var err error
	for i := 0; i < appendMaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsRetryableError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<i) // 10ms, 20ms, 40ms, ...
		slog.Debug("Session append failed, retrying",
			"token", token,
			"attempt", i+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("append messages for %s after %d attempts: %w", token, appendMaxRetries, err)
}
