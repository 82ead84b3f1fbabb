// Package chat relays WebSocket chat frames between clients and the worker.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conn is the subset of *websocket.Conn the manager needs.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

// ConnectionManager tracks the live connection for each session token.
type ConnectionManager struct {
	mu     sync.RWMutex
	active map[string]Conn
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		active: make(map[string]Conn),
	}
}

// Get returns the active connection for token, or nil.
func (m *ConnectionManager) Get(token string) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[token]
}

// Register binds conn to token. A previous connection for the same token is
// closed, since two relays would race for the same response stream.
// Closing waits on the close handshake, so it happens outside the lock.
func (m *ConnectionManager) Register(token string, conn Conn) {
	m.mu.Lock()
	existing, ok := m.active[token]
	m.active[token] = conn
	m.mu.Unlock()

	slog.Info("Chat connection registered", "token", token)
	if ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
		slog.Info("Chat connection replaced", "token", token)
	}
}

// Unregister removes conn for token. It is a no-op when token is unknown or
// conn has already been replaced.
func (m *ConnectionManager) Unregister(token string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[token]; ok && current == conn {
		delete(m.active, token)
		slog.Info("Chat connection unregistered", "token", token)
	}
}

// Count returns the number of registered connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Send writes text to conn as a single text frame.
func (m *ConnectionManager) Send(ctx context.Context, conn Conn, text string) error {
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("send text frame: %w", err)
	}
	return nil
}

// SendJSON writes v to conn as a JSON text frame.
func (m *ConnectionManager) SendJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send json frame: %w", err)
	}
	return nil
}

// CloseAll closes every registered connection, used on shutdown. The
// registry is emptied first and the close handshakes run in parallel.
func (m *ConnectionManager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.active))
	for token, conn := range m.active {
		conns = append(conns, conn)
		delete(m.active, token)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			_ = c.Close(websocket.StatusGoingAway, reason)
		}(conn)
	}
	wg.Wait()
}
