package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	"github.com/Kocoro-lab/marketbrief/internal/tracing"
)

// Config for an OpenAI-compatible chat completions endpoint.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client talks to /chat/completions on any OpenAI-compatible server.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

var _ Provider = (*Client)(nil)

// NewClient returns a client; calls fail with ErrNotConfigured when the
// base URL or model is empty.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "llm", "llm", circuitbreaker.LLMDefaults, logger)
	return &Client{cfg: cfg, http: hw, logger: logger}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends history and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, history []Message, opts ...Option) (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.Model == "" {
		return "", ErrNotConfigured
	}
	options := &Options{Temperature: c.cfg.Temperature, MaxTokens: c.cfg.MaxTokens}
	for _, opt := range opts {
		opt(options)
	}
	req := chatRequest{
		Model:       c.cfg.Model,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	for _, m := range history {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if options.JSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	ctx, span := tracing.StartProviderSpan(ctx, "llm", http.MethodPost, url)
	defer span.End()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, header)

	var resp chatResponse
	if err := c.http.PostJSON(ctx, url, header, req, &resp); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("llm chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Generate is Chat with a single user message.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...Option) (string, error) {
	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, opts...)
}
