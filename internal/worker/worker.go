// Package worker consumes the shared request stream, queries the language
// model with bounded session context and publishes replies on per-session
// response streams.
//
// A reply is either the model's text or, when no answer can be produced
// (expired session, provider failure), an error reason. The gateway relays
// the latter to the client as a {"error": "<reason>"} text frame, so those
// frames are part of the chat protocol alongside plain-text replies.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/stream"
)

const (
	// DefaultContextLimit is how many history messages accompany a query.
	DefaultContextLimit = 10
	// DefaultResponseTTL is applied to each response stream after a reply.
	DefaultResponseTTL = time.Hour
)

// Reasons published as error responses.
const (
	reasonSessionMissing = "Session expired or does not exist"
	reasonFailed         = "Failed to generate a response"
)

// Processing outcomes recorded in metrics.
const (
	outcomeReplied   = "replied"
	outcomeExpired   = "expired"
	outcomeFailed    = "failed"
	outcomeMalformed = "malformed"
)

var errSessionMissing = errors.New(reasonSessionMissing)

// Config holds worker tuning.
type Config struct {
	ContextLimit int
	ResponseTTL  time.Duration
}

// Worker is the single sequential consumer of the request stream.
type Worker struct {
	stream   *stream.Stream
	sessions store.SessionStore
	model    agent.Model
	cfg      Config
	metrics  *metrics.Worker
	logger   *slog.Logger
}

// New creates a worker. Zero config values fall back to the defaults and a
// nil m records into unregistered collectors.
func New(st *stream.Stream, sessions store.SessionStore, model agent.Model, cfg Config, m *metrics.Worker, logger *slog.Logger) *Worker {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.ResponseTTL <= 0 {
		cfg.ResponseTTL = DefaultResponseTTL
	}
	if m == nil {
		m = metrics.NewWorker(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		stream:   st,
		sessions: sessions,
		model:    model,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Run processes request entries until ctx is cancelled, which returns nil.
// A failing stream read or delete is fatal and returned to the caller.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker loop started", "stream", relay.RequestStream, "context_limit", w.cfg.ContextLimit)

	for {
		entries, err := w.stream.Read(ctx, relay.RequestStream, 1, stream.BlockForever)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker loop stopped")
				return nil
			}
			return fmt.Errorf("read requests: %w", err)
		}

		for _, entry := range entries {
			w.handle(ctx, entry)

			// Reads always start at the head of the stream, so an entry that
			// is not deleted would be processed forever.
			if err := w.stream.Delete(ctx, relay.RequestStream, entry.ID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("acknowledge request %s: %w", entry.ID, err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, entry stream.Entry) {
	req, err := relay.DecodeRequest(entry)
	if err != nil {
		w.logger.Warn("Dropping malformed request", "id", entry.ID, "error", err)
		w.metrics.Processed.WithLabelValues(outcomeMalformed).Inc()
		return
	}

	err = w.Process(ctx, req)
	switch {
	case err == nil:
		w.metrics.Processed.WithLabelValues(outcomeReplied).Inc()
	case errors.Is(err, errSessionMissing):
		w.logger.Warn("Session not found for request", "id", entry.ID, "token", req.Token)
		w.metrics.Processed.WithLabelValues(outcomeExpired).Inc()
		w.reply(ctx, req.Token, relay.Response{Error: reasonSessionMissing})
	default:
		w.logger.Error("Failed to process request", "id", entry.ID, "token", req.Token, "error", err)
		w.metrics.Processed.WithLabelValues(outcomeFailed).Inc()
		w.reply(ctx, req.Token, relay.Response{Error: reasonFailed})
	}
}

// Process answers one request: it queries the model with the bounded session
// history, publishes the reply and appends the exchange to the session.
func (w *Worker) Process(ctx context.Context, req relay.Request) error {
	userMsg := domain.NewMessage(req.Text, domain.SourceUser)

	session, err := w.sessions.GetBounded(ctx, req.Token, w.cfg.ContextLimit)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	if session == nil {
		return errSessionMissing
	}

	history := append(session.Messages, userMsg)

	start := time.Now()
	reply, err := w.model.Query(ctx, history)
	w.metrics.QueryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("query model: %w", err)
	}

	w.reply(ctx, req.Token, relay.Response{Text: reply.Content})

	// The reply is already on its way, so a failed save must not also
	// publish an error response for the same request.
	if err := w.sessions.AppendMessages(ctx, req.Token, userMsg, reply); err != nil {
		w.logger.Error("Failed to save exchange", "token", req.Token, "error", err)
	}

	w.logger.Info("Request processed", "token", req.Token, "history", len(history))
	return nil
}

// reply publishes resp on the session's response stream and refreshes its
// expiry so unread replies are eventually reclaimed.
func (w *Worker) reply(ctx context.Context, token string, resp relay.Response) {
	name := relay.ResponseStream(token)
	if id := w.stream.Publish(ctx, name, resp.Fields()); id == "" {
		return
	}
	w.stream.Expire(ctx, name, w.cfg.ResponseTTL)
}
