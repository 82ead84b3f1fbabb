package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"
)

// Close reasons sent with StatusPolicyViolation.
const (
	ReasonTokenRequired   = "Token is required"
	ReasonInvalidSession  = "Session not authenticated or expired token"
	reasonLookupFailed    = "Session lookup failed"
	reasonSessionFinished = "session ended"
)

// ErrResponseTimeout is reported to the client when no reply arrives within
// the configured response timeout.
var ErrResponseTimeout = errors.New("timed out waiting for a response")

// Error frames sent when a message cannot be relayed.
const (
	errPublishFailed     = "message could not be queued"
	errResponseFailed    = "response could not be read"
	errResponseMalformed = "response was malformed"
)

// errorFrame is the JSON frame sent in place of a reply.
type errorFrame struct {
	Error string `json:"error"`
}

// WebSocketHandler authenticates a session token and relays each text frame
// through the request stream, answering with the worker's reply.
type WebSocketHandler struct {
	store           store.SessionStore
	stream          *stream.Stream
	manager         *ConnectionManager
	metrics         *metrics.Gateway
	responseTimeout time.Duration
	waiters         *semaphore.Weighted
	logger          *slog.Logger
}

// HandlerOption configures a WebSocketHandler.
type HandlerOption func(*WebSocketHandler)

// WithResponseTimeout bounds how long a relay waits for a reply. Zero waits
// until the client disconnects.
func WithResponseTimeout(d time.Duration) HandlerOption {
	return func(h *WebSocketHandler) {
		h.responseTimeout = d
	}
}

// WithMaxWaiters caps how many relays may block on a response stream at
// once. It should match the pool size of the stream's blocking client;
// relays beyond the cap queue for a slot instead of exhausting the pool.
// Zero leaves relays unbounded.
func WithMaxWaiters(n int) HandlerOption {
	return func(h *WebSocketHandler) {
		if n > 0 {
			h.waiters = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics sets the gateway collectors.
func WithMetrics(m *metrics.Gateway) HandlerOption {
	return func(h *WebSocketHandler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *WebSocketHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebSocketHandler creates a new chat WebSocket handler.
func NewWebSocketHandler(sessions store.SessionStore, st *stream.Stream, mgr *ConnectionManager, opts ...HandlerOption) *WebSocketHandler {
	h := &WebSocketHandler{
		store:   sessions,
		stream:  st,
		manager: mgr,
		metrics: metrics.NewGateway(nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromRequest(r)
	h.logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r), "has_token", token != "")

	// Rejections are delivered as close frames, so the handshake is always
	// completed first.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	if token == "" {
		h.reject(ws, "missing_token", ReasonTokenRequired)
		return
	}

	exists, err := h.store.Exists(r.Context(), token)
	if err != nil {
		h.logger.Error("Session lookup failed", "token", token, "error", err)
		h.metrics.Rejected.WithLabelValues("lookup_failed").Inc()
		_ = ws.Close(websocket.StatusInternalError, reasonLookupFailed)
		return
	}
	if !exists {
		h.reject(ws, "invalid_session", ReasonInvalidSession)
		return
	}

	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, reasonSessionFinished); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "token", token)
		}
	}()

	h.manager.Register(token, ws)
	defer h.manager.Unregister(token, ws)
	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan string)
	go func() {
		defer cancel()
		defer close(frames)
		h.readLoop(ctx, ws, token, frames)
	}()

	h.relayLoop(ctx, ws, token, frames)
	h.logger.Info("Chat session disconnected", "token", token)
}

func (h *WebSocketHandler) reject(ws *websocket.Conn, label, reason string) {
	h.logger.Warn("WebSocket rejected", "reason", reason)
	h.metrics.Rejected.WithLabelValues(label).Inc()
	_ = ws.Close(websocket.StatusPolicyViolation, reason)
}

// readLoop forwards client frames until the client disconnects.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, token string, frames chan<- string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "token", token)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "token", token)
			}
			return
		}

		select {
		case frames <- string(data):
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) relayLoop(ctx context.Context, ws *websocket.Conn, token string, frames <-chan string) {
	// Replies owed to requests this connection already gave up on. The worker
	// answers a session's requests in order, so they are the next entries on
	// the response stream.
	var stale int
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-frames:
			if !ok {
				return
			}
			if err := h.relayMessage(ctx, ws, token, text, &stale); err != nil {
				if ctx.Err() == nil {
					h.logger.Warn("Relay stopped", "token", token, "error", err)
				}
				return
			}
		}
	}
}

// relayMessage publishes one user message and delivers the matching reply. It
// returns an error only when the connection is no longer usable.
func (h *WebSocketHandler) relayMessage(ctx context.Context, ws *websocket.Conn, token, text string, stale *int) error {
	id := h.stream.Publish(ctx, relay.RequestStream, relay.Request{Token: token, Text: text}.Fields())
	if id == "" {
		h.metrics.PublishFailures.Inc()
		return h.manager.SendJSON(ctx, ws, errorFrame{Error: errPublishFailed})
	}
	h.metrics.Relayed.WithLabelValues("inbound").Inc()

	readCtx := ctx
	if h.responseTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, h.responseTimeout)
		defer cancel()
	}

	responses := relay.ResponseStream(token)
	entry, err := h.awaitResponse(readCtx, token, responses, stale)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		*stale++
		h.logger.Warn("No response before timeout", "token", token, "timeout", h.responseTimeout, "stale", *stale)
		return h.manager.SendJSON(ctx, ws, errorFrame{Error: ErrResponseTimeout.Error()})
	case err != nil:
		*stale++
		h.logger.Error("Failed to read response", "token", token, "error", err)
		return h.manager.SendJSON(ctx, ws, errorFrame{Error: errResponseFailed})
	}

	resp, err := relay.DecodeResponse(entry)
	if err != nil {
		h.logger.Warn("Dropping malformed response", "token", token, "id", entry.ID, "error", err)
		h.deleteResponse(ctx, responses, entry.ID)
		return h.manager.SendJSON(ctx, ws, errorFrame{Error: errResponseMalformed})
	}

	if resp.Failed() {
		err = h.manager.SendJSON(ctx, ws, errorFrame{Error: resp.Error})
	} else {
		err = h.manager.Send(ctx, ws, resp.Text)
	}
	if err != nil {
		// Left in place so a reconnecting client still receives it.
		return err
	}
	h.metrics.Relayed.WithLabelValues("outbound").Inc()
	h.deleteResponse(ctx, responses, entry.ID)
	return nil
}

// awaitResponse blocks until the reply to the latest request arrives. Late
// replies to timed-out requests are read first and discarded.
func (h *WebSocketHandler) awaitResponse(ctx context.Context, token, responses string, stale *int) (stream.Entry, error) {
	if h.waiters != nil {
		if err := h.waiters.Acquire(ctx, 1); err != nil {
			return stream.Entry{}, err
		}
		defer h.waiters.Release(1)
	}

	for {
		entries, err := h.stream.Read(ctx, responses, 1, stream.BlockForever)
		if err != nil {
			return stream.Entry{}, err
		}
		if len(entries) == 0 {
			continue
		}
		entry := entries[0]
		if *stale == 0 {
			return entry, nil
		}
		// An entry that cannot be deleted is still owed, so the count holds.
		if err := h.stream.Delete(ctx, responses, entry.ID); err != nil {
			return stream.Entry{}, fmt.Errorf("discard late response: %w", err)
		}
		*stale--
		h.logger.Info("Discarded late response", "token", token, "id", entry.ID, "stale", *stale)
	}
}

func (h *WebSocketHandler) deleteResponse(ctx context.Context, responses, id string) {
	if err := h.stream.Delete(ctx, responses, id); err != nil {
		h.logger.Error("Failed to delete response", "stream", responses, "id", id, "error", err)
	}
}
