package agent

import (
	"context"

	"github.com/ashureev/chatrelay/internal/domain"
)

// Model defines the interface for querying a language model.
// This interface is implemented by the chat-completions client.
type Model interface {
	// Query sends the ordered conversation and returns the assistant reply
	// as a new message.
	Query(ctx context.Context, messages []domain.Message) (domain.Message, error)
}

// Ensure ChatClient implements Model.
var _ Model = (*ChatClient)(nil)
