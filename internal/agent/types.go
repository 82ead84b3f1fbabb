// Package agent implements the language-model client used by the worker.
package agent

import "time"

const (
	// DefaultModel is the provider model identifier used for every query.
	DefaultModel = "openai/gpt-oss-20b"
	// DefaultMaxCompletionTokens caps the length of each reply.
	DefaultMaxCompletionTokens = 512
	// DefaultBaseURL points at Groq's OpenAI-compatible API.
	DefaultBaseURL = "https://api.groq.com/openai/v1"
)

// Config holds chat client configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// Timeout bounds each HTTP call. Zero means no client-side timeout.
	Timeout time.Duration
}

// DefaultConfig returns default chat client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Model:     DefaultModel,
		MaxTokens: DefaultMaxCompletionTokens,
	}
}

// chatMessage is one role/content pair in a chat-completions request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Stream              bool          `json:"stream"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

// chatResponse is the chat-completions response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// errorResponse is the provider's error envelope.
type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}
