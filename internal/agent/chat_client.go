package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
)

var (
	// ErrNoChoices is returned when the provider answers without a completion.
	ErrNoChoices = errors.New("no choices in chat completion response")
	// ErrProvider wraps non-2xx responses from the provider.
	ErrProvider = errors.New("chat completion provider error")
)

// ChatClient queries an OpenAI-compatible chat-completions endpoint.
type ChatClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewChatClient creates a new chat client. Zero-valued fields of cfg fall
// back to DefaultConfig.
func NewChatClient(cfg Config, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &ChatClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Query maps each message to a role/content pair, issues one non-streaming
// completion call and wraps the reply as an assistant message.
func (c *ChatClient) Query(ctx context.Context, messages []domain.Message) (domain.Message, error) {
	reqMessages := make([]chatMessage, len(messages))
	for i, msg := range messages {
		reqMessages[i] = chatMessage{
			Role:    string(msg.Source),
			Content: msg.Content,
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:               c.cfg.Model,
		Messages:            reqMessages,
		Stream:              false,
		MaxCompletionTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.Message{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("Sending chat completion", "model", c.cfg.Model, "messages", len(reqMessages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Message{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return domain.Message{}, fmt.Errorf("%w [%d]: %s (type: %s)", ErrProvider, resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return domain.Message{}, fmt.Errorf("%w [%d]: %s", ErrProvider, resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.Message{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return domain.Message{}, ErrNoChoices
	}

	if result.Usage != nil {
		c.logger.Debug("Chat completion received",
			"id", result.ID,
			"prompt_tokens", result.Usage.PromptTokens,
			"completion_tokens", result.Usage.CompletionTokens)
	}

	return domain.NewMessage(result.Choices[0].Message.Content, domain.SourceAssistant), nil
}
