package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEAcceptor accepts split request/stream peer connections: each peer holds
// one long-lived server-push stream and sends its messages through discrete
// HTTP POST exchanges. The HandleStream, HandleMessage and HandleAuth handlers
// can be integrated with any HTTP framework.
//
// Authentication is a dedicated exchange on HandleAuth that issues a bearer
// credential; subsequent POSTs and stream resubscriptions carrying it are
// treated as authenticated.
//
// Instances should be created using NewSSEAcceptor and shut down using
// Shutdown when no longer needed.
type SSEAcceptor struct {
	messageURL string
	logger     *slog.Logger
	authFunc   AuthHandler
	authTypes  []string

	maxPayloadSize int64
	tokenTTL       time.Duration

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}

	mu     sync.Mutex
	conns  map[string]*sseServerSession
	tokens map[string]time.Time
}

// SSEAcceptorOption represents the options for the SSEAcceptor.
type SSEAcceptorOption func(*SSEAcceptor)

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	authenticated atomic.Bool

	writeMu  sync.Mutex
	msgs     chan []byte
	stopOnce sync.Once
	stopped  chan struct{}
}

var defaultSSETokenTTL = time.Hour

// NewSSEAcceptor creates an acceptor whose endpoint announcement points peers
// at messageURL for their POST exchanges. The returned acceptor must be shut
// down using Shutdown when no longer needed.
func NewSSEAcceptor(messageURL string, options ...SSEAcceptorOption) *SSEAcceptor {
	a := &SSEAcceptor{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan Session, 5),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
		conns:      make(map[string]*sseServerSession),
		tokens:     make(map[string]time.Time),
	}
	for _, opt := range options {
		opt(a)
	}

	if a.maxPayloadSize == 0 {
		a.maxPayloadSize = defaultWSMaxPayloadSize
	}
	if a.tokenTTL == 0 {
		a.tokenTTL = defaultSSETokenTTL
	}
	if len(a.authTypes) == 0 {
		a.authTypes = []string{AuthTypeToken, AuthTypeBasic}
	}

	return a
}

// WithSSEAcceptorLogger sets the logger for the acceptor.
func WithSSEAcceptorLogger(logger *slog.Logger) SSEAcceptorOption {
	return func(a *SSEAcceptor) {
		a.logger = logger
	}
}

// WithSSEAcceptorAuthFunc sets the verifier for the dedicated authentication
// exchange. Without a verifier HandleAuth rejects every attempt.
func WithSSEAcceptorAuthFunc(fn AuthHandler) SSEAcceptorOption {
	return func(a *SSEAcceptor) {
		a.authFunc = fn
	}
}

// WithSSEAcceptorAuthTypes sets the auth schemes advertised in auth_required
// bodies.
func WithSSEAcceptorAuthTypes(types []string) SSEAcceptorOption {
	return func(a *SSEAcceptor) {
		a.authTypes = types
	}
}

// WithSSEAcceptorMaxPayloadSize sets the maximum size of a single POST body.
func WithSSEAcceptorMaxPayloadSize(size int64) SSEAcceptorOption {
	return func(a *SSEAcceptor) {
		a.maxPayloadSize = size
	}
}

// WithSSEAcceptorTokenTTL sets how long an issued bearer credential stays
// valid.
func WithSSEAcceptorTokenTTL(ttl time.Duration) SSEAcceptorOption {
	return func(a *SSEAcceptor) {
		a.tokenTTL = ttl
	}
}

// Sessions returns an iterator over accepted peer sessions.
func (a *SSEAcceptor) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(a.closed)

		for {
			select {
			case <-a.done:
				return
			case sess := <-a.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the acceptor. It does not stop the sessions
// it produced; the caller owns those.
func (a *SSEAcceptor) Shutdown(ctx context.Context) error {
	close(a.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close sse acceptor: %w", ctx.Err())
	case <-a.closed:
	}
	return nil
}

// HandleStream returns an http.Handler for the server-push stream endpoint.
// A request carrying an unknown bearer credential is rejected; a request
// carrying none is accepted as an unauthenticated session. The first item on
// the stream is the endpoint announcement naming the message endpoint for
// this session.
func (a *SSEAcceptor) HandleStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" && !a.validToken(token) {
			a.rejectUnauthorized(w)
			return
		}
		authenticated := bearerToken(r) != "" // known to be valid here

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		ss := &sseServerSession{
			id:      sessID,
			sess:    sess,
			logger:  a.logger.With("sessionID", sessID),
			msgs:    make(chan []byte, 10),
			stopped: make(chan struct{}),
		}
		ss.authenticated.Store(authenticated)

		url := fmt.Sprintf("%s?sessionID=%s", a.messageURL, sessID)
		msg := &sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(url)
		if err := sess.Send(msg); err != nil {
			a.logger.Error("failed to send endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			a.logger.Error("failed to flush endpoint event", "err", err)
			return
		}

		a.mu.Lock()
		a.conns[sessID] = ss
		a.mu.Unlock()

		select {
		case a.sessions <- ss:
		case <-a.done:
			a.removeSession(sessID)
			ss.Stop()
			return
		}

		// The push stream lives for exactly as long as this handler does.
		select {
		case <-ss.stopped:
		case <-a.done:
		case <-r.Context().Done():
		}
		a.removeSession(sessID)
		ss.Stop()
	})
}

// HandleMessage returns an http.Handler for the message endpoint peers POST
// their frames to. A request carrying a valid bearer credential marks the
// session authenticated.
func (a *SSEAcceptor) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		a.mu.Lock()
		ss, ok := a.conns[sessID]
		a.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		if token := bearerToken(r); token != "" {
			if !a.validToken(token) {
				a.rejectUnauthorized(w)
				return
			}
			ss.authenticated.Store(true)
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, a.maxPayloadSize))
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
			return
		}

		select {
		case ss.msgs <- data:
		case <-ss.stopped:
			http.Error(w, "session closed", http.StatusGone)
			return
		case <-r.Context().Done():
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// HandleAuth returns an http.Handler for the dedicated authentication
// exchange. A verified attempt yields an auth_success body carrying the
// bearer credential for subsequent exchanges.
func (a *SSEAcceptor) HandleAuth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, a.maxPayloadSize))
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
			return
		}

		var ctl controlMessage
		if err := json.Unmarshal(body, &ctl); err != nil || ctl.Type != controlAuthenticate {
			http.Error(w, "expected authenticate message", http.StatusBadRequest)
			return
		}

		creds := Credentials{
			AuthType: ctl.AuthType,
			Token:    ctl.Token,
			Username: ctl.Username,
			Password: ctl.Password,
		}

		var authErr error
		if a.authFunc == nil {
			authErr = fmt.Errorf("no credential verifier configured")
		} else {
			authErr = a.authFunc(r.Context(), creds)
		}
		if authErr != nil {
			a.logger.Warn("rejected authentication attempt", "authType", ctl.AuthType, "err", authErr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			a.writeControl(w, controlMessage{
				Type:    controlAuthFailure,
				Message: authErr.Error(),
			})
			return
		}

		token := uuid.New().String()
		a.mu.Lock()
		// Issuing is also when expired tokens get pruned, keeping the set
		// bounded without a background sweeper.
		now := time.Now()
		for tok, exp := range a.tokens {
			if now.After(exp) {
				delete(a.tokens, tok)
			}
		}
		a.tokens[token] = now.Add(a.tokenTTL)
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		a.writeControl(w, controlMessage{
			Type:  controlAuthSuccess,
			Token: token,
		})
	})
}

func (a *SSEAcceptor) rejectUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	a.writeControl(w, controlMessage{
		Type:      controlAuthRequired,
		AuthTypes: a.authTypes,
	})
}

func (a *SSEAcceptor) writeControl(w io.Writer, ctl controlMessage) {
	data, err := encodeControlMessage(ctl)
	if err != nil {
		a.logger.Error("failed to encode control message", "err", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		a.logger.Error("failed to write control message", "err", err)
	}
}

func (a *SSEAcceptor) validToken(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	exp, ok := a.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(a.tokens, token)
		return false
	}
	return true
}

func (a *SSEAcceptor) removeSession(sessID string) {
	a.mu.Lock()
	delete(a.conns, sessID)
	a.mu.Unlock()
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// Send pushes one frame onto the session's stream. The frame is classified so
// the stream item carries the matching event name.
func (s *sseServerSession) Send(_ context.Context, data []byte) error {
	select {
	case <-s.stopped:
		return ErrConnectionClosed
	default:
	}

	eventType := "message"
	if wm, err := decodeWireMessage(data); err == nil {
		switch wm.kind {
		case wireResponse:
			eventType = "response"
		case wireNotification:
			eventType = "notification"
		case wireControl:
			if wm.ctl.Type == controlAuthRequired {
				eventType = "auth_required"
			}
		case wireRequest:
		}
	}

	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(string(data))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send stream item: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush stream item: %w", err)
	}
	return nil
}

func (s *sseServerSession) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-s.stopped:
				return
			case data := <-s.msgs:
				if !yield(data) {
					return
				}
			}
		}
	}
}

func (s *sseServerSession) Authenticated() bool {
	return s.authenticated.Load()
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}
