package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	loremgen "github.com/bozaro/golorem"
)

// LoremConfig configures the offline upstream.
type LoremConfig struct {
	// Words is the reply length in words, capped by the request's MaxTokens.
	Words int
	// Delay between words; zero streams as fast as the reader consumes.
	Delay time.Duration
}

// LoremUpstream generates placeholder text locally. It serves offline
// development and end-to-end tests without a provider key.
type LoremUpstream struct {
	mu        sync.Mutex
	generator *loremgen.Lorem
	words     int
	delay     time.Duration
}

// NewLorem creates a lorem upstream.
func NewLorem(cfg LoremConfig) *LoremUpstream {
	if cfg.Words <= 0 {
		cfg.Words = 40
	}
	return &LoremUpstream{generator: loremgen.New(), words: cfg.Words, delay: cfg.Delay}
}

// Name implements Upstream.
func (l *LoremUpstream) Name() string { return "lorem" }

// StreamMessage implements Upstream, emitting one word per delta.
func (l *LoremUpstream) StreamMessage(ctx context.Context, req Request, onDelta func(string) error) (Usage, error) {
	if len(req.Messages) == 0 {
		return Usage{}, &APIError{Kind: KindInvalidRequest, Message: "no messages provided", Status: 400}
	}
	words := strings.Fields(l.reply(req))
	for i, word := range words {
		if i > 0 {
			word = " " + word
			if err := sleepContext(ctx, l.delay); err != nil {
				return Usage{}, err
			}
		}
		if err := onDelta(word); err != nil {
			return Usage{}, err
		}
	}
	return Usage{
		InputTokens:  CountRequestTokens(req),
		OutputTokens: CountTokens(strings.Join(words, " ")),
	}, nil
}

// CreateMessage implements Upstream.
func (l *LoremUpstream) CreateMessage(ctx context.Context, req Request) (Completion, error) {
	if len(req.Messages) == 0 {
		return Completion{}, &APIError{Kind: KindInvalidRequest, Message: "no messages provided", Status: 400}
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	text := strings.Join(strings.Fields(l.reply(req)), " ")
	model := req.Options.Model
	if model == "" {
		model = "lorem"
	}
	return Completion{
		Text:  text,
		Model: model,
		Usage: Usage{InputTokens: CountRequestTokens(req), OutputTokens: CountTokens(text)},
	}, nil
}

func (l *LoremUpstream) reply(req Request) string {
	limit := l.words
	if req.Options.MaxTokens > 0 && req.Options.MaxTokens < limit {
		limit = req.Options.MaxTokens
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var sb strings.Builder
	count := 0
	for count < limit {
		sentence := l.generator.Sentence(5, 15)
		for _, w := range strings.Fields(sentence) {
			if count == limit {
				break
			}
			if count > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(w)
			count++
		}
	}
	return sb.String()
}
