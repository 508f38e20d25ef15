package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/labgrader/internal/config"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoChoices is returned when the service answers without any choice.
var ErrNoChoices = errors.New("LLM returned no choices")

// Message is one chat message.
type Message struct {
	Role    string
	Content string
}

// Completer sends a conversation to a model and returns the reply text. An
// empty model selects the completer's default.
type Completer interface {
	Complete(ctx context.Context, messages []Message, model string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages []Message, model string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	return f(ctx, messages, model)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	jsonMode    bool
	logger      *slog.Logger
}

// New creates a client for the resolved provider configuration.
func New(cfg config.LLM, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger.With("provider", string(cfg.Provider)),
	}
}

// Model returns the default model name.
func (c *Client) Model() string { return c.model }

// WithJSONMode returns a copy that asks for a JSON object response. When the
// endpoint rejects the response format the request is repeated in text mode.
func (c *Client) WithJSONMode() *Client {
	cp := *c
	cp.jsonMode = true
	return &cp
}

// WithMaxTokens returns a copy that caps the reply length.
func (c *Client) WithMaxTokens(n int) *Client {
	cp := *c
	cp.maxTokens = n
	return &cp
}

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	if model == "" {
		model = c.model
	}
	reqID := uuid.NewString()
	log := c.logger.With("req_id", reqID, "model", model)

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAI(messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if c.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	log.Debug("llm.request", "messages", len(messages), "json_mode", c.jsonMode)
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil && c.jsonMode && ctx.Err() == nil {
		log.Warn("llm.json_mode.rejected", "error", err)
		req.ResponseFormat = nil
		resp, err = c.api.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		log.Error("llm.request.failed", "error", err)
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	log.Debug("llm.response", "chars", len(raw), "finish_reason", string(resp.Choices[0].FinishReason))
	return raw, nil
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	return nil
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
