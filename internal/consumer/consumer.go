// Package consumer drives a chat request against the gateway from the caller
// side: it decodes the event stream, coalesces token updates, retries dropped
// connections that have not yet delivered output, and supports cancellation.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/sse"
)

// State of a Client.
type State string

const (
	StateIdle        State = "idle"
	StateStreaming   State = "streaming"
	StateRateLimited State = "rate_limited"
	StateErrored     State = "errored"
)

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the POST /chat body.
type Request struct {
	Message        string    `json:"message"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
	Model          string    `json:"model,omitempty"`
	MaxTokens      int       `json:"maxTokens,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	TopP           *float64  `json:"topP,omitempty"`
	SystemPrompt   string    `json:"systemPrompt,omitempty"`
	StopSequences  []string  `json:"stopSequences,omitempty"`
}

// Result is a completed generation.
type Result struct {
	SessionID      string
	ConversationID string
	MessageID      string
	Content        string
	Usage          *sse.Usage
	Attempts       int
}

// Handler receives progress. Calls are never concurrent and arrive in order:
// OnStart, OnUpdate*, then one of OnComplete, OnError or OnRateLimited.
type Handler interface {
	OnStart(sessionID string)
	// OnUpdate receives the full text accumulated so far, at most once per
	// coalescing interval.
	OnUpdate(text string)
	OnComplete(Result)
	OnError(err error)
	OnRateLimited(retryAfter time.Duration)
}

// HandlerFuncs adapts optional functions to Handler.
type HandlerFuncs struct {
	Start       func(sessionID string)
	Update      func(text string)
	Complete    func(Result)
	Error       func(error)
	RateLimited func(time.Duration)
}

func (h HandlerFuncs) OnStart(id string) {
	if h.Start != nil {
		h.Start(id)
	}
}

func (h HandlerFuncs) OnUpdate(text string) {
	if h.Update != nil {
		h.Update(text)
	}
}

func (h HandlerFuncs) OnComplete(r Result) {
	if h.Complete != nil {
		h.Complete(r)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

func (h HandlerFuncs) OnRateLimited(d time.Duration) {
	if h.RateLimited != nil {
		h.RateLimited(d)
	}
}

// Ticker abstracts time.Ticker so coalescing can be driven by tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Interval between coalesced updates. Default 50ms.
	Interval time.Duration
	// MaxRetries bounds whole-request retries after a transport failure.
	// Default 2; negative disables retries.
	MaxRetries  int
	BaseBackoff time.Duration // default 500ms
	NewTicker   func(d time.Duration) Ticker
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

// Client sends one streaming request at a time.
type Client struct {
	cfg Config
	log logrus.FieldLogger

	mu        sync.Mutex
	state     State
	sessionID string
	cancel    context.CancelFunc
}

// New returns an idle client.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, log: cfg.Logger.WithField("component", "consumer"), state: StateIdle}
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current or last session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send posts req and streams the reply into h. It returns after the
// terminal callback has run.
func (c *Client) Send(ctx context.Context, req Request, h Handler) (Result, error) {
	c.mu.Lock()
	if c.state == StateStreaming {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	c.state = StateStreaming
	c.sessionID = ""
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		c.setState(StateErrored)
		h.OnError(err)
		return Result{}, err
	}

	// OnStart fires once per Send even when a retry opens a second stream.
	started := false
	for attempt := 0; ; attempt++ {
		committed := false
		res, err := c.attempt(ctx, body, h, &started, &committed)
		if err == nil {
			res.Attempts = attempt + 1
			c.setState(StateIdle)
			h.OnComplete(res)
			return res, nil
		}

		if ctx.Err() != nil {
			c.setState(StateIdle)
			return Result{}, ErrCancelled
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			c.setState(StateRateLimited)
			h.OnRateLimited(rl.RetryAfter)
			return Result{}, err
		}

		if IsTransport(err) && !committed && attempt < c.cfg.MaxRetries {
			delay := c.cfg.BaseBackoff << attempt
			c.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay}).Warn("stream dropped before first token, retrying")
			if serr := c.cfg.Sleep(ctx, delay); serr != nil {
				c.setState(StateIdle)
				return Result{}, ErrCancelled
			}
			continue
		}

		c.setState(StateErrored)
		h.OnError(err)
		return Result{}, err
	}
}

func (c *Client) attempt(parent context.Context, body []byte, h Handler, started, committed *bool) (Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, &transportError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, c.rateLimited(resp)
	case resp.StatusCode != http.StatusOK:
		return Result{}, decodeStatusError(resp)
	}

	sessionID := resp.Header.Get("X-Session-Id")
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	events := make(chan sse.Event)
	decodeErr := make(chan error, 1)
	go func() {
		defer close(events)
		dec := sse.NewDecoder(c.log)
		decodeErr <- dec.Decode(ctx, resp.Body, func(ev sse.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	ticker := c.cfg.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	var (
		text  strings.Builder
		dirty bool
		usage *sse.Usage
		res   = Result{SessionID: sessionID}
	)
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()

		case <-ticker.C():
			if dirty {
				dirty = false
				h.OnUpdate(text.String())
			}

		case ev, ok := <-events:
			if !ok {
				err := <-decodeErr
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return Result{}, &transportError{err: err}
			}
			switch ev.Type {
			case sse.TypeStart:
				if ev.SessionID != "" {
					res.SessionID = ev.SessionID
					c.mu.Lock()
					c.sessionID = ev.SessionID
					c.mu.Unlock()
				}
				res.ConversationID = ev.ConversationID
				if !*started {
					*started = true
					h.OnStart(res.SessionID)
				}
			case sse.TypeToken:
				text.WriteString(ev.Content)
				dirty = true
				*committed = true
			case sse.TypeUsage:
				usage = ev.Usage
			case sse.TypeComplete:
				res.Content = ev.Content
				if res.Content == "" {
					res.Content = text.String()
				}
				if ev.ConversationID != "" {
					res.ConversationID = ev.ConversationID
				}
				res.MessageID = ev.MessageID
				res.Usage = ev.Usage
				if res.Usage == nil {
					res.Usage = usage
				}
				return res, nil
			case sse.TypeError:
				return Result{}, &StreamError{ErrorType: ev.ErrorType, Message: ev.Content, SessionID: res.SessionID}
			}
		}
	}
}

// Cancel aborts the in-flight request locally and asks the gateway to stop
// the session. It is a no-op when nothing is streaming.
func (c *Client) Cancel(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	id := c.sessionID
	streaming := c.state == StateStreaming
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !streaming || id == "" {
		return nil
	}
	err := c.CancelSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		// Already finished server-side.
		return nil
	}
	return err
}

// CancelSession issues DELETE /chat?sessionId=id.
func (c *Client) CancelSession(ctx context.Context, id string) error {
	u := c.cfg.BaseURL + "/chat?sessionId=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrSessionNotFound
	default:
		return decodeStatusError(resp)
	}
}

// ActiveSessions calls GET /chat.
func (c *Client) ActiveSessions(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/chat", nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeStatusError(resp)
	}
	var out struct {
		ActiveSessions int `json:"active_sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ActiveSessions, nil
}

// UsageSummary is the caller's aggregate token usage.
type UsageSummary struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Usage calls GET /usage.
func (c *Client) Usage(ctx context.Context) (UsageSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/usage", nil)
	if err != nil {
		return UsageSummary{}, err
	}
	c.authorize(req)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return UsageSummary{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UsageSummary{}, decodeStatusError(resp)
	}
	var out UsageSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UsageSummary{}, err
	}
	return out, nil
}

func (c *Client) authorize(r *http.Request) {
	if c.cfg.Token != "" {
		r.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) rateLimited(resp *http.Response) error {
	se := decodeStatusError(resp)
	out := &RateLimitedError{Message: se.Message}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		out.RetryAfter = time.Duration(secs) * time.Second
	}
	if unix, err := strconv.ParseInt(strings.TrimSpace(resp.Header.Get("X-RateLimit-Reset")), 10, 64); err == nil {
		out.ResetAt = time.Unix(unix, 0)
		if out.RetryAfter == 0 {
			if d := out.ResetAt.Sub(c.cfg.Now()); d > 0 {
				out.RetryAfter = d
			}
		}
	}
	if out.RetryAfter == 0 {
		out.RetryAfter = time.Second
	}
	return out
}

func decodeStatusError(resp *http.Response) *StatusError {
	out := &StatusError{Status: resp.StatusCode}
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &body); err == nil {
		out.Type = body.Error.Type
		out.Message = body.Error.Message
	}
	if out.Message == "" {
		out.Message = http.StatusText(resp.StatusCode)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
