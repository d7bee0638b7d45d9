package mcp

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// WSAcceptor accepts duplex-socket peer connections over WebSocket upgrades
// and yields them as sessions through the Sessions iterator. The HandleUpgrade
// handler can be integrated with any HTTP framework.
//
// Instances should be created using NewWSAcceptor and shut down using Shutdown
// when no longer needed.
type WSAcceptor struct {
	logger         *slog.Logger
	authFunc       AuthHandler
	maxPayloadSize int64

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}
}

// WSAcceptorOption represents the options for the WSAcceptor.
type WSAcceptorOption func(*WSAcceptor)

type wsServerSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	authenticated atomic.Bool

	writeMu  sync.Mutex
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewWSAcceptor creates a WebSocket acceptor. The returned acceptor must be
// shut down using Shutdown when no longer needed.
func NewWSAcceptor(options ...WSAcceptorOption) *WSAcceptor {
	a := &WSAcceptor{
		logger:   slog.Default(),
		sessions: make(chan Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(a)
	}

	if a.maxPayloadSize == 0 {
		a.maxPayloadSize = defaultWSMaxPayloadSize
	}

	return a
}

// WithWSAcceptorLogger sets the logger for the acceptor.
func WithWSAcceptorLogger(logger *slog.Logger) WSAcceptorOption {
	return func(a *WSAcceptor) {
		a.logger = logger
	}
}

// WithWSAcceptorAuthFunc sets the verifier for credentials carried in the
// connect handshake (the auth_token URI parameter). Without a verifier,
// handshake credentials are ignored and sessions start unauthenticated.
func WithWSAcceptorAuthFunc(fn AuthHandler) WSAcceptorOption {
	return func(a *WSAcceptor) {
		a.authFunc = fn
	}
}

// WithWSAcceptorMaxPayloadSize sets the maximum size of a single inbound frame.
func WithWSAcceptorMaxPayloadSize(size int64) WSAcceptorOption {
	return func(a *WSAcceptor) {
		a.maxPayloadSize = size
	}
}

// Sessions returns an iterator over accepted peer sessions.
func (a *WSAcceptor) Sessions() iter.Seq[Session] {
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
func (a *WSAcceptor) Shutdown(ctx context.Context) error {
	close(a.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close websocket acceptor: %w", ctx.Err())
	case <-a.closed:
	}
	return nil
}

// HandleUpgrade returns an http.Handler that upgrades requests to WebSocket
// connections. If the request carries an auth_token query parameter and an
// auth verifier is configured, the session starts authenticated when the token
// is accepted. The connection remains open until the session is stopped.
func (a *WSAcceptor) HandleUpgrade() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			a.logger.Error("failed to upgrade connection", "err", err)
			return
		}
		conn.SetReadLimit(a.maxPayloadSize)

		sctx, cancel := context.WithCancel(context.Background())
		sess := &wsServerSession{
			conn:    conn,
			ctx:     sctx,
			cancel:  cancel,
			stopped: make(chan struct{}),
		}

		if token := r.URL.Query().Get("auth_token"); token != "" && a.authFunc != nil {
			creds := Credentials{AuthType: AuthTypeToken, Token: token}
			if err := a.authFunc(r.Context(), creds); err != nil {
				a.logger.Warn("rejected handshake auth token", "err", err)
			} else {
				sess.authenticated.Store(true)
			}
		}

		select {
		case a.sessions <- sess:
		case <-a.done:
			sess.Stop()
			return
		}

		// Block until the session is stopped, so the connection is left open.
		select {
		case <-sess.stopped:
		case <-a.done:
		}
	})
}

func (s *wsServerSession) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *wsServerSession) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			_, data, err := s.conn.Read(s.ctx)
			if err != nil {
				return
			}
			if !yield(data) {
				return
			}
		}
	}
}

func (s *wsServerSession) Authenticated() bool {
	return s.authenticated.Load()
}

func (s *wsServerSession) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "")
		close(s.stopped)
	})
}
