// Package provider talks to the upstream language-model provider: it wraps an
// Upstream in the circuit breaker and a bounded retry loop, and classifies
// failures into a closed error taxonomy.
package provider

import "context"

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn sent upstream.
type Message struct {
	Role    Role
	Content string
}

// Options tune a single generation. Zero values fall back to upstream defaults.
type Options struct {
	Model         string
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	SystemPrompt  string
	StopSequences []string
}

// Request is a full conversation plus generation options.
type Request struct {
	Messages []Message
	Options  Options
}

// Usage holds token counters reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Upstream is one provider backend.
type Upstream interface {
	Name() string
	// StreamMessage generates a reply, calling onDelta for every text delta in
	// arrival order. An error from onDelta aborts the stream and is returned.
	StreamMessage(ctx context.Context, req Request, onDelta func(text string) error) (Usage, error)
	CreateMessage(ctx context.Context, req Request) (Completion, error)
}
