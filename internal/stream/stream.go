// Package stream wraps Redis streams as a simple publish / read-from-start /
// delete transport.
//
// Reads always start at the beginning of the stream and there is no
// consumer-group offset tracking, so deleting an entry after it has been
// handled is the only acknowledgement. A consumer that crashes between
// handling and deleting will see the entry again (at-least-once).
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/redis/go-redis/v9"
)

const (
	// BlockForever waits until at least one entry is available.
	BlockForever time.Duration = 0
	// NoBlock returns immediately when the stream is empty.
	NoBlock time.Duration = -1

	startID = "0-0"

	defaultPollInterval = 5 * time.Second
)

// Entry is one record read from a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Stream is the transport used by the gateway and the worker.
type Stream struct {
	rdb          redis.UniversalClient
	blocking     redis.UniversalClient
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Stream.
type Option func(*Stream)

// WithPollInterval bounds each XREAD BLOCK issued while waiting forever, so
// that a cancelled context is noticed within one interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBlockingClient routes blocking reads to rdb. A blocked XREAD holds its
// connection for the whole wait, so a dedicated pool keeps waiting readers
// from starving publishes and other commands on the main client.
func WithBlockingClient(rdb redis.UniversalClient) Option {
	return func(s *Stream) {
		if rdb != nil {
			s.blocking = rdb
		}
	}
}

// WithLogger sets the logger used for producer-side failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a stream transport on top of rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Stream {
	s := &Stream{
		rdb:          rdb,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blocking == nil {
		s.blocking = rdb
	}
	return s
}

// Publish appends one entry and returns the id Redis assigned to it.
// Failures are logged and reported as an empty id; Publish never fails the
// caller's loop.
func (s *Stream) Publish(ctx context.Context, stream string, fields map[string]string) string {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		s.logger.Error("Failed to publish to stream", "stream", stream, "error", err)
		return ""
	}
	return id
}

// Read returns up to count entries from the start of the stream.
//
// block == BlockForever waits until an entry arrives or ctx is done,
// block > 0 waits at most that long and block < 0 does not wait. An empty
// result is returned as an empty slice with a nil error.
func (s *Stream) Read(ctx context.Context, stream string, count int64, block time.Duration) ([]Entry, error) {
	if block != BlockForever {
		return s.read(ctx, stream, count, block)
	}

	for {
		entries, err := s.read(ctx, stream, count, s.pollInterval)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (s *Stream) read(ctx context.Context, stream string, count int64, block time.Duration) ([]Entry, error) {
	client := s.rdb
	if block >= 0 {
		client = s.blocking
	}
	// go-redis omits BLOCK for negative durations.
	res, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, startID},
		Count:   count,
		Block:   block,
	}).Result()
	if shared.IsRedisNil(err) {
		return []Entry{}, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		// go-redis turns a context deadline into a socket deadline, so an
		// expired deadline surfaces as an i/o timeout rather than ctx.Err().
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}

	entries := []Entry{}
	for _, str := range res {
		for _, msg := range str.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

// Delete removes an entry. Deleting an unknown id is not an error.
func (s *Stream) Delete(ctx context.Context, stream, id string) error {
	if err := s.rdb.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("delete %s from stream %s: %w", id, stream, err)
	}
	return nil
}

// Expire applies a TTL to the whole stream key. Failures are logged.
func (s *Stream) Expire(ctx context.Context, stream string, ttl time.Duration) {
	if err := s.rdb.Expire(ctx, stream, ttl).Err(); err != nil {
		s.logger.Error("Failed to set stream expiry", "stream", stream, "ttl", ttl, "error", err)
	}
}

func toEntry(msg redis.XMessage) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case []byte:
			fields[k] = string(val)
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return Entry{ID: msg.ID, Fields: fields}
}
