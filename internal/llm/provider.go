package llm

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when no model endpoint or key is set.
var ErrNotConfigured = errors.New("llm: not configured")

// Message is a provider-agnostic chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Option tweaks a single request.
type Option func(*Options)

type Options struct {
	Temperature float64
	MaxTokens   int
	// JSON asks the model for a single JSON object reply.
	JSON bool
}

func WithTemperature(temp float64) Option {
	return func(o *Options) { o.Temperature = temp }
}

func WithMaxTokens(n int) Option {
	return func(o *Options) { o.MaxTokens = n }
}

func WithJSON() Option {
	return func(o *Options) { o.JSON = true }
}

// Provider is the generative capability used by the planner's extractor
// and the report generator.
type Provider interface {
	Chat(ctx context.Context, history []Message, options ...Option) (string, error)
	Generate(ctx context.Context, prompt string, options ...Option) (string, error)
}
