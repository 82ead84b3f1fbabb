package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/redis/go-redis/v9"
)

type fakeModel struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]domain.Message
}

func (m *fakeModel) Query(_ context.Context, messages []domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]domain.Message(nil), messages...))
	if m.err != nil {
		return domain.Message{}, m.err
	}
	return domain.NewMessage(m.reply, domain.SourceAssistant), nil
}

func (m *fakeModel) lastCall() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

type testEnv struct {
	mr       *miniredis.Miniredis
	sessions *store.RedisStore
	stream   *stream.Stream
	model    *fakeModel
	worker   *Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		mr:       mr,
		sessions: store.NewRedisStore(rdb, time.Hour),
		stream:   stream.New(rdb, stream.WithPollInterval(50*time.Millisecond)),
		model:    &fakeModel{reply: "Hi Alice!"},
	}
	env.worker = New(env.stream, env.sessions, env.model, Config{}, nil, nil)
	return env
}

// start runs the worker loop until the test ends.
func (env *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (env *testEnv) awaitResponse(t *testing.T, token string) relay.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := env.stream.Read(ctx, relay.ResponseStream(token), 1, stream.BlockForever)
	if err != nil {
		t.Fatalf("no response for %s: %v", token, err)
	}
	resp, err := relay.DecodeResponse(entries[0])
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	return resp
}

func (env *testEnv) awaitDrained(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := env.stream.Read(context.Background(), relay.RequestStream, 1, stream.NoBlock)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(entries) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("request stream still holds %s", entries[0].ID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.sessions.Create(ctx, "tok-alice", "Alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.start(t)

	env.stream.Publish(ctx, relay.RequestStream, relay.Request{Token: "tok-alice", Text: "Hello"}.Fields())

	resp := env.awaitResponse(t, "tok-alice")
	if resp.Failed() || resp.Text != "Hi Alice!" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// The model saw an empty history plus the new user message.
	call := env.model.lastCall()
	if len(call) != 1 || call[0].Content != "Hello" || call[0].Source != domain.SourceUser {
		t.Errorf("unexpected model input %+v", call)
	}

	env.awaitDrained(t)

	session, err := env.sessions.Get(ctx, "tok-alice")
	if err != nil || session == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(session.Messages))
	}
	if session.Messages[0].Source != domain.SourceUser || session.Messages[0].Content != "Hello" {
		t.Errorf("unexpected first message %+v", session.Messages[0])
	}
	if session.Messages[1].Source != domain.SourceAssistant || session.Messages[1].Content != "Hi Alice!" {
		t.Errorf("unexpected second message %+v", session.Messages[1])
	}

	if ttl := env.mr.TTL(relay.ResponseStream("tok-alice")); ttl != time.Hour {
		t.Errorf("expected response stream TTL 1h, got %v", ttl)
	}
}

func TestWorker_BoundsContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.sessions.Create(ctx, "tok-1", "Bob"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 15; i++ {
		msg := domain.NewMessage("m"+strconv.Itoa(i), domain.SourceUser)
		if err := env.sessions.AppendMessages(ctx, "tok-1", msg); err != nil {
			t.Fatalf("AppendMessages failed: %v", err)
		}
	}

	if err := env.worker.Process(ctx, relay.Request{Token: "tok-1", Text: "latest"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	call := env.model.lastCall()
	if len(call) != DefaultContextLimit+1 {
		t.Fatalf("expected %d messages, got %d", DefaultContextLimit+1, len(call))
	}
	if call[0].Content != "m5" {
		t.Errorf("expected context to start at m5, got %s", call[0].Content)
	}
	if call[len(call)-1].Content != "latest" {
		t.Errorf("expected user message last, got %s", call[len(call)-1].Content)
	}

	session, _ := env.sessions.Get(ctx, "tok-1")
	if len(session.Messages) != 17 {
		t.Errorf("expected 17 stored messages, got %d", len(session.Messages))
	}
}

func TestWorker_ExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.start(t)

	env.stream.Publish(ctx, relay.RequestStream, relay.Request{Token: "gone", Text: "Hello"}.Fields())

	resp := env.awaitResponse(t, "gone")
	if !resp.Failed() || resp.Error != reasonSessionMissing {
		t.Errorf("unexpected response %+v", resp)
	}
	env.awaitDrained(t)

	if env.model.lastCall() != nil {
		t.Error("expected no model calls")
	}
	if env.mr.Exists("gone") {
		t.Error("expired session must not be recreated")
	}
}

func TestWorker_ModelFailure(t *testing.T) {
	env := newTestEnv(t)
	env.model.err = errors.New("provider down")
	ctx := context.Background()

	if _, err := env.sessions.Create(ctx, "tok-1", "Alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.start(t)

	env.stream.Publish(ctx, relay.RequestStream, relay.Request{Token: "tok-1", Text: "Hello"}.Fields())

	resp := env.awaitResponse(t, "tok-1")
	if !resp.Failed() || resp.Error != reasonFailed {
		t.Errorf("unexpected response %+v", resp)
	}
	env.awaitDrained(t)

	session, _ := env.sessions.Get(ctx, "tok-1")
	if len(session.Messages) != 0 {
		t.Errorf("expected no stored messages after failure, got %d", len(session.Messages))
	}
}

func TestWorker_SkipsMalformedEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.sessions.Create(ctx, "tok-1", "Alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	env.stream.Publish(ctx, relay.RequestStream, map[string]string{"a": "1", "b": "2"})
	env.stream.Publish(ctx, relay.RequestStream, relay.Request{Token: "tok-1", Text: "Hello"}.Fields())
	env.start(t)

	if resp := env.awaitResponse(t, "tok-1"); resp.Text != "Hi Alice!" {
		t.Errorf("unexpected response %+v", resp)
	}
	env.awaitDrained(t)
}

func TestWorker_ProcessesInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.sessions.Create(ctx, "tok-1", "Alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		env.stream.Publish(ctx, relay.RequestStream, relay.Request{Token: "tok-1", Text: text}.Fields())
	}
	env.start(t)
	env.awaitDrained(t)

	session, _ := env.sessions.Get(ctx, "tok-1")
	if len(session.Messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(session.Messages))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got := session.Messages[i*2].Content; got != want {
			t.Errorf("exchange %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_RunFailsWhenStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	done := make(chan error, 1)
	go func() { done <- env.worker.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected transport error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
