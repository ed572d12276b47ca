package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 1024
)

// AnthropicConfig configures the Anthropic upstream.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	HTTPClient   *http.Client
}

// AnthropicUpstream streams messages from the Anthropic Messages API.
type AnthropicUpstream struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropic builds an upstream. Retries inside the SDK are disabled since
// Client owns the retry policy.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicUpstream, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &AnthropicUpstream{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Name implements Upstream.
func (a *AnthropicUpstream) Name() string { return "anthropic" }

// StreamMessage implements Upstream.
func (a *AnthropicUpstream) StreamMessage(ctx context.Context, req Request, onDelta func(string) error) (Usage, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(req))
	defer stream.Close()

	message := anthropic.Message{}
	stopped := false
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return Usage{}, err
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if err := onDelta(ev.Delta.Text); err != nil {
					return Usage{}, err
				}
			}
		case anthropic.MessageStopEvent:
			stopped = true
		}
	}
	if err := stream.Err(); err != nil {
		return Usage{}, err
	}
	// a connection closed before message_stop is a cut-off reply, not a finished one
	if !stopped {
		return Usage{}, io.ErrUnexpectedEOF
	}
	return Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// CreateMessage implements Upstream.
func (a *AnthropicUpstream) CreateMessage(ctx context.Context, req Request) (Completion, error) {
	message, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return Completion{}, err
	}
	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return Completion{
		Text:  sb.String(),
		Model: string(message.Model),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

func (a *AnthropicUpstream) params(req Request) anthropic.MessageNewParams {
	model := req.Options.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.Options.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.Options.SystemPrompt}}
	}
	if req.Options.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		params.TopP = anthropic.Float(*req.Options.TopP)
	}
	if len(req.Options.StopSequences) > 0 {
		params.StopSequences = req.Options.StopSequences
	}
	return params
}
