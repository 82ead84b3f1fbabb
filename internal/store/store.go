// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/chatrelay/internal/domain"
)

// ErrSessionNotFound is returned by write paths when the session key is
// absent or expired. Read paths report a missing session as (nil, nil).
var ErrSessionNotFound = errors.New("session expired or does not exist")

// SessionStore defines the interface for persisting chat sessions.
type SessionStore interface {
	// Create writes a fresh, empty session under token with the store's TTL.
	Create(ctx context.Context, token, name string) (*domain.Session, error)

	// Get retrieves the full session. Returns (nil, nil) if it does not exist.
	Get(ctx context.Context, token string) (*domain.Session, error)

	// GetBounded retrieves the session with only the last limit messages.
	// Returns (nil, nil) if it does not exist.
	GetBounded(ctx context.Context, token string, limit int) (*domain.Session, error)

	// AppendMessages appends messages to the session history in order.
	// It does not refresh the session's expiry.
	AppendMessages(ctx context.Context, token string, messages ...domain.Message) error

	// Exists reports whether the session key is present and unexpired.
	Exists(ctx context.Context, token string) (bool, error)
}
