package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/chatstream-gateway/internal/auth"
	"github.com/tokligence/chatstream-gateway/internal/breaker"
	"github.com/tokligence/chatstream-gateway/internal/consumer"
	"github.com/tokligence/chatstream-gateway/internal/provider"
	"github.com/tokligence/chatstream-gateway/internal/ratelimit"
	"github.com/tokligence/chatstream-gateway/internal/session"
	"github.com/tokligence/chatstream-gateway/internal/sse"
	"github.com/tokligence/chatstream-gateway/internal/store/sqlite"
	"github.com/tokligence/chatstream-gateway/internal/testutil"
	"github.com/tokligence/chatstream-gateway/internal/validation"
)

// scriptedUpstream replays fixed deltas. With hold set it emits the deltas and
// then blocks until the request context ends.
type scriptedUpstream struct {
	deltas []string
	hold   bool
	err    *provider.APIError

	mu   sync.Mutex
	last provider.Request
}

func (u *scriptedUpstream) Name() string { return "scripted" }

func (u *scriptedUpstream) StreamMessage(ctx context.Context, req provider.Request, onDelta func(string) error) (provider.Usage, error) {
	u.mu.Lock()
	u.last = req
	u.mu.Unlock()
	if u.err != nil {
		return provider.Usage{}, u.err
	}
	for _, d := range u.deltas {
		if err := onDelta(d); err != nil {
			return provider.Usage{}, err
		}
	}
	if u.hold {
		<-ctx.Done()
		return provider.Usage{}, ctx.Err()
	}
	return provider.Usage{InputTokens: 7, OutputTokens: len(u.deltas)}, nil
}

func (u *scriptedUpstream) CreateMessage(ctx context.Context, req provider.Request) (provider.Completion, error) {
	u.mu.Lock()
	u.last = req
	u.mu.Unlock()
	if u.err != nil {
		return provider.Completion{}, u.err
	}
	return provider.Completion{
		Text:  strings.Join(u.deltas, ""),
		Usage: provider.Usage{InputTokens: 7, OutputTokens: len(u.deltas)},
	}, nil
}

func (u *scriptedUpstream) lastRequest() provider.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type testEnv struct {
	url      string
	auth     *auth.Manager
	sessions *session.Registry
	server   *Server
}

func (e *testEnv) token(t *testing.T, callerID string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(callerID, callerID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) post(t *testing.T, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.url+"/chat", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type envOptions struct {
	limiter          ratelimit.Config
	breakerThreshold int
}

func newTestEnv(t *testing.T, up provider.Upstream, opts envOptions) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	br := breaker.New(breaker.Config{
		Threshold: opts.breakerThreshold,
		Cooldown:  time.Minute,
		IsFailure: provider.IsUpstreamFailure,
		Logger:    logger,
	})
	client, err := provider.NewClient(provider.Config{
		Upstream: up,
		Breaker:  br,
		Retry:    provider.RetryPolicy{MaxAttempts: 1},
		Sleep:    func(context.Context, time.Duration) error { return nil },
		Logger:   logger,
	})
	require.NoError(t, err)

	validator, err := validation.New(validation.Config{Auth: mgr, Owners: st, Logger: logger})
	require.NoError(t, err)

	lcfg := opts.limiter
	lcfg.Logger = logger
	sessions := session.NewRegistry(nil)
	srv, err := New(Deps{
		Validator: validator,
		Limiter:   ratelimit.NewLimiter(lcfg),
		Provider:  client,
		Sessions:  sessions,
		Store:     st,
		Auth:      mgr,
		Logger:    logger,
	})
	require.NoError(t, err)

	ts := testutil.NewIPv4Server(t, srv.Router())
	return &testEnv{url: ts.URL, auth: mgr, sessions: sessions, server: srv}
}

func readEvents(t *testing.T, r io.Reader) []sse.Event {
	t.Helper()
	var events []sse.Event
	err := sse.NewDecoder(logrus.New()).Decode(context.Background(), r, func(ev sse.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func eventTypes(events []sse.Event) []sse.Type {
	out := make([]sse.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestChatPostStreamsStartTokensUsageComplete(t *testing.T) {
	up := &scriptedUpstream{deltas: []string{"Hi", " there", "!"}}
	env := newTestEnv(t, up, envOptions{})

	resp := env.post(t, env.token(t, "alice"), `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)

	events := readEvents(t, resp.Body)
	require.Equal(t, []sse.Type{
		sse.TypeStart, sse.TypeToken, sse.TypeToken, sse.TypeToken, sse.TypeUsage, sse.TypeComplete,
	}, eventTypes(events))

	start := events[0]
	assert.Equal(t, sessionID, start.SessionID)
	assert.NotEmpty(t, start.ConversationID)
	assert.Equal(t, "Hi", events[1].Content)

	complete := events[len(events)-1]
	assert.Equal(t, "Hi there!", complete.Content)
	assert.Equal(t, start.ConversationID, complete.ConversationID)
	assert.NotEmpty(t, complete.MessageID)
	require.NotNil(t, complete.Usage)
	assert.Equal(t, 7, complete.Usage.InputTokens)
	assert.Equal(t, 3, complete.Usage.OutputTokens)

	require.Eventually(t, func() bool { return env.sessions.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChatPostLoadsStoredHistory(t *testing.T) {
	up := &scriptedUpstream{deltas: []string{"ok"}}
	env := newTestEnv(t, up, envOptions{})
	tok := env.token(t, "alice")

	first := readEvents(t, env.post(t, tok, `{"message":"first"}`).Body)
	convID := first[0].ConversationID
	require.NotEmpty(t, convID)

	second := env.post(t, tok, `{"message":"second","conversation_id":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, second.StatusCode)
	readEvents(t, second.Body)

	msgs := up.lastRequest().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, provider.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "ok", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
}

func TestChatPostRejectsForeignConversation(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{deltas: []string{"ok"}}, envOptions{})

	first := readEvents(t, env.post(t, env.token(t, "alice"), `{"message":"mine"}`).Body)
	convID := first[0].ConversationID

	resp := env.post(t, env.token(t, "mallory"), `{"message":"yours?","conversation_id":"`+convID+`"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatPostRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{}, envOptions{})

	resp := env.post(t, "", `{"message":"Hello"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, provider.KindUnauthenticated, body.Error.Type)
	assert.NotEmpty(t, body.Error.Message)
}

func TestChatPostRejectsInvalidBodies(t *testing.T) {
	up := &scriptedUpstream{deltas: []string{"never"}}
	env := newTestEnv(t, up, envOptions{})
	tok := env.token(t, "alice")

	cases := map[string]string{
		"not json":      `{"message":`,
		"empty message": `{"message":"   "}`,
		"missing":       `{}`,
		"bad tokens":    `{"message":"hi","maxTokens":0}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := env.post(t, tok, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, up.lastRequest().Messages, "provider must not be called")
}

func TestChatPostRateLimited(t *testing.T) {
	up := &scriptedUpstream{deltas: []string{"ok"}}
	env := newTestEnv(t, up, envOptions{limiter: ratelimit.Config{
		GlobalCapacity:   100,
		GlobalRefillRate: 100,
		CallerCapacity:   2,
		CallerRefillRate: 0.01,
	}})
	tok := env.token(t, "alice")

	for i := 0; i < 2; i++ {
		resp := env.post(t, tok, `{"message":"hi"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		readEvents(t, resp.Body)
	}

	resp := env.post(t, tok, `{"message":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	// another caller has its own bucket
	other := env.post(t, env.token(t, "bob"), `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestChatPostProviderErrorBecomesErrorEvent(t *testing.T) {
	up := &scriptedUpstream{err: &provider.APIError{Kind: provider.KindAPI, Status: 500, Message: "boom: secret detail"}}
	env := newTestEnv(t, up, envOptions{breakerThreshold: 1})
	tok := env.token(t, "alice")

	resp := env.post(t, tok, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Equal(t, []sse.Type{sse.TypeStart, sse.TypeError}, eventTypes(events))
	assert.Equal(t, string(provider.KindAPI), events[1].ErrorType)
	assert.NotContains(t, events[1].Content, "secret detail")

	// one failure opened the circuit; the next request fails fast
	resp = env.post(t, tok, `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestChatPostNonStreaming(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{deltas: []string{"a", "b"}}, envOptions{})

	resp := env.post(t, env.token(t, "alice"), `{"message":"hi","stream":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ab", body["content"])
	assert.NotEmpty(t, body["conversation_id"])
	assert.NotEmpty(t, body["message_id"])
}

func TestChatDeleteCancelsSession(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{deltas: []string{"partial"}, hold: true}, envOptions{})
	tok := env.token(t, "alice")

	resp := env.post(t, tok, `{"message":"long answer please"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("X-Session-Id")
	require.Eventually(t, func() bool { return env.sessions.Count() == 1 }, time.Second, 10*time.Millisecond)

	// only the owner may cancel
	assert.Equal(t, http.StatusNotFound, deleteSession(t, env, env.token(t, "bob"), sessionID))
	assert.Equal(t, http.StatusOK, deleteSession(t, env, tok, sessionID))

	events := readEvents(t, resp.Body)
	assert.Equal(t, []sse.Type{sse.TypeStart, sse.TypeToken}, eventTypes(events), "no terminal event after cancel")
	require.Eventually(t, func() bool { return env.sessions.Count() == 0 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, deleteSession(t, env, tok, sessionID))
	assert.Equal(t, http.StatusNotFound, deleteSession(t, env, tok, "no-such-session"))
}

func deleteSession(t *testing.T, env *testEnv, token, id string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, env.url+"/chat?sessionId="+id, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestChatStatusAndShutdown(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{deltas: []string{"x"}, hold: true}, envOptions{})

	resp := env.post(t, env.token(t, "alice"), `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return env.sessions.Count() == 1 }, time.Second, 10*time.Millisecond)

	status, err := http.Get(env.url + "/chat")
	require.NoError(t, err)
	defer status.Body.Close()
	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
	}
	require.NoError(t, json.NewDecoder(status.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.ActiveSessions)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env.server.Shutdown(ctx)
	assert.Zero(t, env.sessions.Count())
}

func TestUsageSummary(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{deltas: []string{"a", "b"}}, envOptions{})
	tok := env.token(t, "alice")
	readEvents(t, env.post(t, tok, `{"message":"hi"}`).Body)

	req, err := http.NewRequest(http.MethodGet, env.url+"/usage", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary struct {
		Requests     int64 `json:"requests"`
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, int64(1), summary.Requests)
	assert.Equal(t, int64(7), summary.InputTokens)
	assert.Equal(t, int64(2), summary.OutputTokens)
}

func TestConsumerAgainstGateway(t *testing.T) {
	env := newTestEnv(t, provider.NewLorem(provider.LoremConfig{Words: 12}), envOptions{})

	client := consumer.New(consumer.Config{
		BaseURL:  env.url,
		Token:    env.token(t, "alice"),
		Interval: 5 * time.Millisecond,
	})

	var updates []string
	result, err := client.Send(context.Background(), consumer.Request{Message: "Hello"}, consumer.HandlerFuncs{
		Update: func(text string) { updates = append(updates, text) },
	})
	require.NoError(t, err)
	assert.Len(t, strings.Fields(result.Content), 12)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.ConversationID)
	require.NotNil(t, result.Usage)
	assert.Positive(t, result.Usage.OutputTokens)
	for _, u := range updates {
		assert.True(t, strings.HasPrefix(result.Content, u), "updates are prefixes of the final text")
	}

	require.Eventually(t, func() bool {
		n, err := client.ActiveSessions(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestChatPostBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{}, envOptions{})
	env.server.maxBody = 64

	body := `{"message":"` + string(bytes.Repeat([]byte("a"), 200)) + `"}`
	resp := env.post(t, env.token(t, "alice"), body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsumerUsage(t *testing.T) {
	env := newTestEnv(t, &scriptedUpstream{deltas: []string{"a"}}, envOptions{})
	client := consumer.New(consumer.Config{BaseURL: env.url, Token: env.token(t, "carol")})

	_, err := client.Send(context.Background(), consumer.Request{Message: "hi"}, consumer.HandlerFuncs{})
	require.NoError(t, err)

	summary, err := client.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Requests)
	assert.Equal(t, int64(1), summary.OutputTokens)
}
