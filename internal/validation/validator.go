// Package validation turns a raw chat request into a validated one: structure,
// sanitization, caller identity, conversation ownership and a content-safety
// scan, in that order.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/auth"
	"github.com/tokligence/chatstream-gateway/internal/firewall"
	"github.com/tokligence/chatstream-gateway/internal/provider"
	"github.com/tokligence/chatstream-gateway/internal/store"
)

// Rejection is a terminal validation failure. Reason is safe to show clients.
type Rejection struct {
	Kind   string
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Kind, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Status maps the rejection to an HTTP status code.
func (r *Rejection) Status() int {
	switch r.Kind {
	case provider.KindUnauthenticated:
		return http.StatusUnauthorized
	case provider.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func reject(kind, reason string, err error) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, Err: err}
}

// HistoryMessage is one prior turn supplied by the client.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Body is the POST /chat payload.
type Body struct {
	Message        string           `json:"message"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Messages       []HistoryMessage `json:"messages,omitempty"`
	Model          string           `json:"model,omitempty"`
	MaxTokens      int              `json:"maxTokens,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	TopP           *float64         `json:"topP,omitempty"`
	SystemPrompt   string           `json:"systemPrompt,omitempty"`
	StopSequences  []string         `json:"stopSequences,omitempty"`
	Stream         *bool            `json:"stream,omitempty"`
}

// Validated is an accepted request.
type Validated struct {
	SessionID      string
	CallerID       string
	CallerName     string
	ConversationID string
	Message        string
	// History holds prior turns supplied by the client, oldest first. It does
	// not include Message.
	History         []provider.Message
	HistorySupplied bool
	Options         provider.Options
	Stream          bool
	RemoteAddr      string
	UserAgent       string
	EstimatedTokens int
}

// ProviderRequest builds the upstream request: history followed by the new
// user message.
func (v Validated) ProviderRequest() provider.Request {
	msgs := make([]provider.Message, 0, len(v.History)+1)
	msgs = append(msgs, v.History...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: v.Message})
	return provider.Request{Messages: msgs, Options: v.Options}
}

// OwnerLookup resolves conversation ownership.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, conversationID string) (string, error)
}

// Config configures a Validator.
type Config struct {
	MaxMessageChars int // default 32000
	MaxHistory      int // default 100
	Auth            *auth.Manager
	Owners          OwnerLookup
	// Scanner is the content-safety scan; nil disables it.
	Scanner *firewall.Scanner
	// NewSessionID defaults to random UUIDs.
	NewSessionID func() string
	Logger       logrus.FieldLogger
}

// Validator checks chat requests. It is safe for concurrent use.
type Validator struct {
	cfg    Config
	schema interface{ Validate(any) error }
	log    logrus.FieldLogger
}

// New compiles the request schema and returns a Validator.
func New(cfg Config) (*Validator, error) {
	if cfg.Auth == nil {
		return nil, errors.New("validation: auth manager required")
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 32000
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() string { return uuid.NewString() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	schema, err := compileSchema(requestSchema(cfg.MaxMessageChars, cfg.MaxHistory))
	if err != nil {
		return nil, fmt.Errorf("validation: compile schema: %w", err)
	}
	return &Validator{cfg: cfg, schema: schema, log: cfg.Logger.WithField("component", "validation")}, nil
}

// Validate runs every check in order and stops at the first rejection. A
// non-Rejection error means an unexpected failure (storage unavailable).
func (v *Validator) Validate(ctx context.Context, raw []byte, r *http.Request) (Validated, error) {
	// (1) structure
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Validated{}, reject(provider.KindValidationFailed, "request body must be valid JSON", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Validated{}, reject(provider.KindValidationFailed, schemaReason(err), err)
	}
	var body Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return Validated{}, reject(provider.KindValidationFailed, "request body is invalid", err)
	}

	// (2) sanitize
	message := Sanitize(body.Message, v.cfg.MaxMessageChars)
	if message == "" {
		return Validated{}, reject(provider.KindValidationFailed, "message is empty", nil)
	}
	history := make([]provider.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		content := Sanitize(m.Content, v.cfg.MaxMessageChars)
		if content == "" {
			continue
		}
		history = append(history, provider.Message{Role: provider.Role(m.Role), Content: content})
	}
	opts := provider.Options{
		Model:         strings.TrimSpace(body.Model),
		MaxTokens:     body.MaxTokens,
		Temperature:   body.Temperature,
		TopP:          body.TopP,
		SystemPrompt:  Sanitize(body.SystemPrompt, v.cfg.MaxMessageChars),
		StopSequences: body.StopSequences,
	}

	// (3) authenticate
	identity, err := v.cfg.Auth.Authenticate(r)
	if err != nil {
		return Validated{}, reject(provider.KindUnauthenticated, "a valid bearer token is required", err)
	}

	// (4) ownership
	if body.ConversationID != "" && v.cfg.Owners != nil {
		owner, err := v.cfg.Owners.OwnerOf(ctx, body.ConversationID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return Validated{}, reject(provider.KindUnauthorized, "conversation not found", err)
		case err != nil:
			return Validated{}, fmt.Errorf("validation: owner lookup: %w", err)
		case owner != identity.CallerID:
			v.log.WithFields(logrus.Fields{
				"caller_id":       identity.CallerID,
				"conversation_id": body.ConversationID,
			}).Warn("conversation ownership mismatch")
			return Validated{}, reject(provider.KindUnauthorized, "conversation not found", nil)
		}
	}

	// (5) content safety
	if v.cfg.Scanner != nil {
		texts := []string{message, opts.SystemPrompt}
		for _, m := range history {
			texts = append(texts, m.Content)
		}
		for _, text := range texts {
			if _, err := v.cfg.Scanner.Check(text); err != nil {
				var violation *firewall.Violation
				if errors.As(err, &violation) {
					v.log.WithFields(logrus.Fields{
						"caller_id": identity.CallerID,
						"pattern":   violation.Detection.Pattern,
					}).Info("content safety scan rejected request")
				}
				return Validated{}, reject(provider.KindValidationFailed, err.Error(), err)
			}
		}
	}

	out := Validated{
		SessionID:       v.cfg.NewSessionID(),
		CallerID:        identity.CallerID,
		CallerName:      identity.Name,
		ConversationID:  body.ConversationID,
		Message:         message,
		History:         history,
		HistorySupplied: body.Messages != nil,
		Options:         opts,
		Stream:          body.Stream == nil || *body.Stream,
		RemoteAddr:      remoteAddr(r),
		UserAgent:       r.UserAgent(),
	}
	out.EstimatedTokens = provider.CountRequestTokens(out.ProviderRequest())
	return out, nil
}

// remoteAddr prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
