package chat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   []string
	closed   websocket.StatusCode
	writeErr error

	// When set, Close signals closing and then waits for release, like a
	// peer that never answers the close handshake.
	closing chan struct{}
	release chan struct{}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, string(p))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	if c.release != nil {
		close(c.closing)
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = code
	return nil
}

func TestConnectionManager_Register(t *testing.T) {
	m := NewConnectionManager()
	conn := &fakeConn{}

	m.Register("tok-1", conn)

	if got := m.Get("tok-1"); got != conn {
		t.Errorf("expected connection %v, got %v", conn, got)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", m.Count())
	}
}

func TestConnectionManager_Unregister(t *testing.T) {
	m := NewConnectionManager()
	conn := &fakeConn{}

	m.Register("tok-1", conn)
	m.Unregister("tok-1", conn)

	if got := m.Get("tok-1"); got != nil {
		t.Errorf("expected nil connection, got %v", got)
	}
	// Unknown tokens are ignored.
	m.Unregister("missing", conn)
	if m.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", m.Count())
	}
}

func TestConnectionManager_ReplaceClosesPrevious(t *testing.T) {
	m := NewConnectionManager()
	first := &fakeConn{}
	second := &fakeConn{}

	m.Register("tok-1", first)
	m.Register("tok-1", second)

	if first.closed != websocket.StatusNormalClosure {
		t.Errorf("expected replaced connection to be closed, got status %d", first.closed)
	}

	// The stale handler unregistering must not drop the new connection.
	m.Unregister("tok-1", first)
	if got := m.Get("tok-1"); got != second {
		t.Errorf("expected connection %v, got %v", second, got)
	}
}

func newStuckConn() *fakeConn {
	return &fakeConn{closing: make(chan struct{}), release: make(chan struct{})}
}

// awaitUnblocked fails the test if fn does not return within a second.
func awaitUnblocked(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked while a connection was closing", what)
	}
}

func TestConnectionManager_ReplaceDoesNotHoldLock(t *testing.T) {
	m := NewConnectionManager()
	stuck := newStuckConn()
	next := &fakeConn{}
	m.Register("tok-1", stuck)

	registered := make(chan struct{})
	go func() {
		m.Register("tok-1", next)
		close(registered)
	}()
	<-stuck.closing

	awaitUnblocked(t, "Count", func() { _ = m.Count() })
	awaitUnblocked(t, "Get", func() {
		if got := m.Get("tok-1"); got != next {
			t.Errorf("expected new connection while the old one closes, got %v", got)
		}
	})
	awaitUnblocked(t, "Register", func() { m.Register("tok-2", &fakeConn{}) })

	close(stuck.release)
	<-registered
}

func TestConnectionManager_CloseAllDoesNotHoldLock(t *testing.T) {
	m := NewConnectionManager()
	stuck := newStuckConn()
	m.Register("tok-1", stuck)

	closed := make(chan struct{})
	go func() {
		m.CloseAll("server shutting down")
		close(closed)
	}()
	<-stuck.closing

	awaitUnblocked(t, "Count", func() {
		if n := m.Count(); n != 0 {
			t.Errorf("expected registry emptied before closing, got %d", n)
		}
	})
	awaitUnblocked(t, "Unregister", func() { m.Unregister("tok-1", stuck) })

	close(stuck.release)
	<-closed
}

func TestConnectionManager_Send(t *testing.T) {
	m := NewConnectionManager()
	conn := &fakeConn{}
	ctx := context.Background()

	if err := m.Send(ctx, conn, "hi there"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := m.SendJSON(ctx, conn, map[string]string{"error": "boom"}); err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}

	want := []string{"hi there", `{"error":"boom"}`}
	if len(conn.frames) != len(want) {
		t.Fatalf("expected %d frames, got %v", len(want), conn.frames)
	}
	for i := range want {
		if conn.frames[i] != want[i] {
			t.Errorf("frame %d: expected %q, got %q", i, want[i], conn.frames[i])
		}
	}

	conn.writeErr = errors.New("broken pipe")
	if err := m.Send(ctx, conn, "lost"); err == nil {
		t.Error("expected write error")
	}
}

func TestConnectionManager_CloseAll(t *testing.T) {
	m := NewConnectionManager()
	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i] = &fakeConn{}
		m.Register("tok-"+strconv.Itoa(i), conns[i])
	}

	m.CloseAll("server shutting down")

	if m.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", m.Count())
	}
	for i, c := range conns {
		if c.closed != websocket.StatusGoingAway {
			t.Errorf("conn %d: expected going-away close, got %d", i, c.closed)
		}
	}
}

func TestConnectionManager_ConcurrentAccess(t *testing.T) {
	m := NewConnectionManager()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := "tok-" + strconv.Itoa(i)
			conn := &fakeConn{}
			m.Register(token, conn)
			_ = m.Get(token)
			m.Unregister(token, conn)
		}(i)
	}
	wg.Wait()

	if m.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", m.Count())
	}
}
