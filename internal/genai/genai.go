// Package genai provides text generation for OrderPilot using the OpenAI API.
//
// The client is intentionally small: OrderPilot keeps all conversation logic
// deterministic and only uses generation where prose quality matters and
// failure is tolerable, such as incident summaries attached to escalation
// cases. Callers must treat generation as best-effort and keep a static
// fallback for when the API is unavailable.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrMissingAPIKey indicates no API key was provided or found in the environment.
var ErrMissingAPIKey = errors.New("genai: missing OpenAI API key")

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// Opts holds configuration for the generation client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the generation client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key explicitly instead of reading the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient creates a generation client. The API key is taken from the
// options or, when absent, from the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI.NewClient: missing API key")
		return nil, ErrMissingAPIKey
	}

	slog.Debug("GenAI.NewClient: initializing OpenAI client", "model", cfg.Model)
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// GeneratePrompt produces a single completion for the given system and user
// prompts and returns the trimmed message text.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.GenerateWithMessages(ctx, messages)
}

// GenerateWithMessages produces a completion for an explicit message list.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	slog.Debug("GenAI.GenerateWithMessages: sending chat completion request",
		"model", c.model, "messageCount", len(messages))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI.GenerateWithMessages: chat completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI.GenerateWithMessages: empty response from API")
		return "", errors.New("chat completion returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("GenAI.GenerateWithMessages: completion received", "length", len(text))
	return text, nil
}
