package httpserver

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/breaker"
	"github.com/tokligence/chatstream-gateway/internal/provider"
	"github.com/tokligence/chatstream-gateway/internal/session"
	"github.com/tokligence/chatstream-gateway/internal/sse"
	"github.com/tokligence/chatstream-gateway/internal/store"
	"github.com/tokligence/chatstream-gateway/internal/validation"
)

const persistTimeout = 5 * time.Second

// handleChatPost validates, admits and streams one chat request.
func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.metrics.Request(ctx)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, r, http.StatusBadRequest, provider.KindValidationFailed, "request body is too large")
			return
		}
		s.reject(w, r, http.StatusBadRequest, provider.KindValidationFailed, "request body could not be read")
		return
	}

	req, err := s.validator.Validate(ctx, raw, r)
	if err != nil {
		var rej *validation.Rejection
		if errors.As(err, &rej) {
			msg := ""
			if rej.Kind == provider.KindValidationFailed {
				msg = rej.Reason
			}
			s.logger.WithFields(logrus.Fields{
				"error_type": rej.Kind,
				"remote":     r.RemoteAddr,
			}).WithError(err).Info("chat request rejected")
			s.reject(w, r, rej.Status(), rej.Kind, msg)
			return
		}
		s.logger.WithError(err).Error("chat request validation failed unexpectedly")
		s.respondError(w, http.StatusInternalServerError, provider.KindInternal, "")
		return
	}
	log := s.logger.WithFields(logrus.Fields{"session_id": req.SessionID, "caller_id": req.CallerID})

	decision := s.limiter.Admit(req.CallerID)
	decision.WriteHeaders(w)
	if !decision.Allowed {
		log.WithFields(logrus.Fields{"scope": decision.Scope, "retry_after": decision.RetryAfter}).Info("chat request rate limited")
		s.reject(w, r, http.StatusTooManyRequests, provider.KindRateLimited, "")
		return
	}

	if br := s.provider.Breaker(); !br.Ready() {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(br.RetryAfter())))
		log.Warn("circuit open, failing fast")
		s.reject(w, r, http.StatusServiceUnavailable, provider.KindCircuitOpen, "")
		return
	}

	conversationID, err := s.prepareConversation(ctx, &req)
	if err != nil {
		log.WithError(err).Error("create conversation failed")
		s.respondError(w, http.StatusInternalServerError, provider.KindInternal, "")
		return
	}
	log = log.WithField("conversation_id", conversationID)

	sess := session.New(ctx, req.SessionID, req.CallerID, conversationID, s.now())
	if err := s.sessions.Register(sess); err != nil {
		log.WithError(err).Error("register session failed")
		s.respondError(w, http.StatusInternalServerError, provider.KindInternal, "")
		return
	}
	defer s.sessions.Unregister(sess.ID)

	if !req.Stream {
		s.completeOnce(w, sess, req, log)
		return
	}
	s.stream(w, sess, req, log)
}

// prepareConversation creates a conversation for new chats, loads stored
// history when the client sent none, and persists the user message.
func (s *Server) prepareConversation(ctx context.Context, req *validation.Validated) (string, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := s.store.CreateConversation(ctx, req.CallerID, store.DefaultTitle(req.Message))
		if err != nil {
			return "", err
		}
		conversationID = conv.ID
	} else if !req.HistorySupplied {
		stored, err := s.store.ListMessages(ctx, conversationID, s.maxHistory)
		if err != nil {
			s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("load history failed, continuing without it")
		}
		for _, m := range stored {
			req.History = append(req.History, provider.Message{Role: provider.Role(m.Role), Content: m.Content})
		}
	}

	err := s.store.PersistMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           string(provider.RoleUser),
		Content:        req.Message,
		Metadata: map[string]string{
			"session_id": req.SessionID,
			"remote_ip":  req.RemoteAddr,
			"user_agent": req.UserAgent,
		},
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", req.SessionID).Warn("persist user message failed")
	}
	return conversationID, nil
}

// stream writes start, tokens, usage and a terminal event. Every exit path
// returns through the single deferred Unregister in handleChatPost.
func (s *Server) stream(w http.ResponseWriter, sess *session.Session, req validation.Validated, log logrus.FieldLogger) {
	started := s.now()
	var ttfb time.Duration
	outcome := "cancelled"
	defer func() {
		fields := logrus.Fields{
			"total_ms": s.now().Sub(started).Milliseconds(),
			"tokens":   sess.Tokens(),
			"outcome":  outcome,
		}
		if ttfb > 0 {
			fields["ttfb_ms"] = ttfb.Milliseconds()
		}
		log.WithFields(fields).Info("chat stream finished")
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-Id", sess.ID)
	w.WriteHeader(http.StatusOK)

	enc := sse.NewEncoder(w)
	if err := enc.Encode(sse.Event{Type: sse.TypeStart, SessionID: sess.ID, ConversationID: sess.ConversationID}); err != nil {
		return
	}

	ctx := sess.Context()
	chunks := s.provider.Stream(ctx, req.ProviderRequest())
	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			if err := enc.WriteComment("ping"); err != nil {
				return
			}

		case chunk, ok := <-chunks:
			if !ok || ctx.Err() != nil {
				return
			}
			keepAlive.Reset(s.keepAlive)

			switch {
			case chunk.Err != nil:
				kind := errorKind(chunk.Err)
				outcome = kind
				s.metrics.ProviderError(ctx, kind)
				log.WithError(chunk.Err).WithField("error_type", kind).Warn("chat stream failed")
				_ = enc.Encode(sse.Event{
					Type:      sse.TypeError,
					SessionID: sess.ID,
					ErrorType: kind,
					Content:   provider.FallbackMessage(kind),
				})
				return

			case chunk.Done:
				outcome = "complete"
				messageID := s.finish(sess, req, chunk.Text, chunk.Usage, log)
				usage := &sse.Usage{InputTokens: chunk.Usage.InputTokens, OutputTokens: chunk.Usage.OutputTokens}
				if err := enc.Encode(sse.Event{Type: sse.TypeUsage, Usage: usage}); err != nil {
					return
				}
				_ = enc.Encode(sse.Event{
					Type:           sse.TypeComplete,
					Content:        chunk.Text,
					ConversationID: sess.ConversationID,
					MessageID:      messageID,
					SessionID:      sess.ID,
					Usage:          usage,
				})
				return

			default:
				if ttfb == 0 {
					ttfb = s.now().Sub(started)
					s.metrics.TTFB(ctx, ttfb)
				}
				sess.AddTokens(1)
				if err := enc.Encode(sse.Event{Type: sse.TypeToken, Content: chunk.Text}); err != nil {
					return
				}
			}
		}
	}
}

// completeOnce serves stream=false requests with a single JSON body.
func (s *Server) completeOnce(w http.ResponseWriter, sess *session.Session, req validation.Validated, log logrus.FieldLogger) {
	completion, err := s.provider.Complete(sess.Context(), req.ProviderRequest())
	if err != nil {
		if sess.Context().Err() != nil {
			return
		}
		kind := errorKind(err)
		s.metrics.ProviderError(sess.Context(), kind)
		log.WithError(err).WithField("error_type", kind).Warn("chat completion failed")
		if apiErr, ok := provider.AsAPIError(err); ok && apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(apiErr.RetryAfter)))
		}
		s.respondError(w, statusForKind(kind), kind, "")
		return
	}
	messageID := s.finish(sess, req, completion.Text, completion.Usage, log)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"type":            sse.TypeComplete,
		"content":         completion.Text,
		"conversation_id": sess.ConversationID,
		"message_id":      messageID,
		"session_id":      sess.ID,
		"usage":           completion.Usage,
	})
}

// finish persists the assistant reply and its usage. Failures are logged and
// never fail the request.
func (s *Server) finish(sess *session.Session, req validation.Validated, text string, usage provider.Usage, log logrus.FieldLogger) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sess.Context()), persistTimeout)
	defer cancel()

	msg := store.Normalize(store.Message{
		ConversationID: sess.ConversationID,
		Role:           string(provider.RoleAssistant),
		Content:        text,
		Metadata: map[string]string{
			"session_id":    sess.ID,
			"input_tokens":  strconv.Itoa(usage.InputTokens),
			"output_tokens": strconv.Itoa(usage.OutputTokens),
		},
	})
	if err := s.store.PersistMessage(ctx, msg); err != nil {
		log.WithError(err).Warn("persist assistant message failed")
	}

	model := req.Options.Model
	if model == "" {
		model = s.provider.Name()
	}
	if err := s.store.RecordUsage(ctx, store.UsageEntry{
		CallerID:       sess.CallerID,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Model:          model,
		InputTokens:    int64(usage.InputTokens),
		OutputTokens:   int64(usage.OutputTokens),
	}); err != nil {
		log.WithError(err).Warn("record usage failed")
	}
	s.metrics.Tokens(ctx, int64(usage.InputTokens), int64(usage.OutputTokens))
	return msg.ID
}

// handleChatDelete cancels a session owned by the caller.
func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, provider.KindUnauthenticated, "")
		return
	}
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, provider.KindValidationFailed, "sessionId is required")
		return
	}
	if !s.sessions.CancelOwned(id, identity.CallerID) {
		s.respondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	s.logger.WithFields(logrus.Fields{"session_id": id, "caller_id": identity.CallerID}).Info("session cancelled by caller")
	s.respondJSON(w, http.StatusOK, map[string]any{"cancelled": true, "session_id": id})
}

// handleChatStatus is the liveness probe for the chat endpoint.
func (s *Server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, provider.KindUnauthenticated, "")
		return
	}
	summary, err := s.store.UsageSummary(r.Context(), identity.CallerID)
	if err != nil {
		s.logger.WithError(err).WithField("caller_id", identity.CallerID).Error("usage summary failed")
		s.respondError(w, http.StatusInternalServerError, provider.KindInternal, "")
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	s.metrics.Rejection(r.Context(), kind)
	s.respondError(w, status, kind, message)
}

// errorKind maps a provider stream failure to its wire error type.
func errorKind(err error) string {
	if errors.Is(err, breaker.ErrOpen) {
		return provider.KindCircuitOpen
	}
	if apiErr, ok := provider.AsAPIError(err); ok {
		return string(apiErr.Kind)
	}
	return string(provider.KindAPI)
}

// statusForKind maps a failure kind to the status of a non-streaming reply.
func statusForKind(kind string) int {
	switch kind {
	case provider.KindCircuitOpen, string(provider.KindRateLimit), string(provider.KindOverloaded):
		return http.StatusServiceUnavailable
	case string(provider.KindTimeout):
		return http.StatusGatewayTimeout
	case string(provider.KindRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

func ceilSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
