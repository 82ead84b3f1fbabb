// Package domain contains core domain types for the chat relay.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the local, human-readable format used for message and
// session timestamps. Values are not guaranteed to be monotonic.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// ErrInvalidSource is returned when a message source is neither user nor assistant.
var ErrInvalidSource = errors.New("invalid message source")

// Source identifies who authored a message.
type Source string

const (
	// SourceUser marks a message typed by the client.
	SourceUser Source = "user"
	// SourceAssistant marks a message produced by the language model.
	SourceAssistant Source = "assistant"
)

// Validate reports whether s is one of the two known sources.
func (s Source) Validate() error {
	switch s {
	case SourceUser, SourceAssistant:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSource, string(s))
	}
}

// UnmarshalJSON rejects unknown sources.
func (s *Source) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	src := Source(raw)
	if err := src.Validate(); err != nil {
		return err
	}
	*s = src
	return nil
}

// Message is one entry in a conversation.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"msg"`
	Timestamp string `json:"timestamp"`
	Source    Source `json:"source"`
}

// NewMessage creates a message with a fresh id and the current timestamp.
func NewMessage(content string, source Source) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: Now(),
		Source:    source,
	}
}

// Session is a named conversation keyed by its token.
type Session struct {
	Token        string    `json:"token"`
	Messages     []Message `json:"messages"`
	Name         string    `json:"name"`
	SessionStart string    `json:"session_start"`
}

// NewSession creates an empty session started now.
func NewSession(token, name string) *Session {
	return &Session{
		Token:        token,
		Messages:     []Message{},
		Name:         name,
		SessionStart: Now(),
	}
}

// Last returns the trailing limit messages in insertion order.
// A negative limit is treated as zero.
func (s *Session) Last(limit int) []Message {
	limit = max(limit, 0)
	if limit >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-limit:]
}

// Now formats the current local time with TimestampLayout.
func Now() string {
	return time.Now().Format(TimestampLayout)
}
