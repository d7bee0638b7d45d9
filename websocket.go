package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// WSTransport implements the duplex-socket Transport over a WebSocket channel.
// One long-lived connection carries both directions; each message is one JSON
// text frame. The transport owns keepalive ping/pong, the large-payload
// compression envelope, an in-band authentication handshake, and a single
// delayed reconnect attempt on unexpected loss.
//
// Instances should be created using NewWSTransport.
type WSTransport struct {
	urlStr     string
	httpClient *http.Client
	logger     *slog.Logger
	hub        *eventHub

	creds             Credentials
	authTimeout       time.Duration
	pingInterval      time.Duration
	reconnectDelay    time.Duration
	compressThreshold int
	maxPayloadSize    int64

	mu             sync.Mutex
	sess           *wsClientSession
	closed         bool
	reconnectTimer *time.Timer
	authWaiter     chan error
}

// WSTransportOption represents the options for the WSTransport.
type WSTransportOption func(*WSTransport)

type wsClientSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	alive  atomic.Bool
	writes chan wsWrite

	closeOnce sync.Once
}

type wsWrite struct {
	data []byte
	errs chan error
}

var (
	defaultWSAuthTimeout    = 10 * time.Second
	defaultWSPingInterval   = 30 * time.Second
	defaultWSReconnectDelay = 5 * time.Second
	defaultWSDialTimeout    = 30 * time.Second

	defaultWSMaxPayloadSize int64 = 16 << 20
)

// NewWSTransport creates a WebSocket transport that connects to the given URL.
// The transport is not connected until Connect is called.
func NewWSTransport(rawURL string, options ...WSTransportOption) *WSTransport {
	t := &WSTransport{
		urlStr: rawURL,
		logger: slog.Default(),
		hub:    newEventHub(),
	}
	for _, opt := range options {
		opt(t)
	}

	if t.httpClient == nil {
		t.httpClient = http.DefaultClient
	}
	if t.authTimeout == 0 {
		t.authTimeout = defaultWSAuthTimeout
	}
	if t.pingInterval == 0 {
		t.pingInterval = defaultWSPingInterval
	}
	if t.reconnectDelay == 0 {
		t.reconnectDelay = defaultWSReconnectDelay
	}
	if t.maxPayloadSize == 0 {
		t.maxPayloadSize = defaultWSMaxPayloadSize
	}

	return t
}

// WithWSHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithWSHTTPClient(client *http.Client) WSTransportOption {
	return func(t *WSTransport) {
		t.httpClient = client
	}
}

// WithWSLogger sets the logger for the transport.
func WithWSLogger(logger *slog.Logger) WSTransportOption {
	return func(t *WSTransport) {
		t.logger = logger
	}
}

// WithWSCredentials sets credentials applied during the connect handshake. A
// token credential is carried as the auth_token query parameter of the dial
// URL.
func WithWSCredentials(creds Credentials) WSTransportOption {
	return func(t *WSTransport) {
		t.creds = creds
	}
}

// WithWSAuthTimeout sets the timeout for the in-band authentication exchange.
func WithWSAuthTimeout(timeout time.Duration) WSTransportOption {
	return func(t *WSTransport) {
		t.authTimeout = timeout
	}
}

// WithWSPingInterval sets the keepalive ping interval.
func WithWSPingInterval(interval time.Duration) WSTransportOption {
	return func(t *WSTransport) {
		t.pingInterval = interval
	}
}

// WithWSReconnectDelay sets the delay before the reconnect attempt scheduled
// after an unexpected connection loss.
func WithWSReconnectDelay(delay time.Duration) WSTransportOption {
	return func(t *WSTransport) {
		t.reconnectDelay = delay
	}
}

// WithWSCompressThreshold sets the payload size above which the explicit
// compression envelope is applied.
func WithWSCompressThreshold(threshold int) WSTransportOption {
	return func(t *WSTransport) {
		t.compressThreshold = threshold
	}
}

// WithWSMaxPayloadSize sets the maximum size of a single inbound frame.
func WithWSMaxPayloadSize(size int64) WSTransportOption {
	return func(t *WSTransport) {
		t.maxPayloadSize = size
	}
}

// Connect dials the WebSocket endpoint and starts the read, write and
// keepalive loops. It resolves once the channel is open; authentication, if
// demanded by the peer, is signalled later through an EventAuthRequired.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.sess != nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.mu.Unlock()

	dialURL, err := t.dialURL()
	if err != nil {
		return err
	}

	//nolint:bodyclose // the response body is hijacked by the websocket library.
	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		HTTPClient:      t.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	conn.SetReadLimit(t.maxPayloadSize)

	sctx, cancel := context.WithCancel(context.Background())
	sess := &wsClientSession{
		conn:   conn,
		ctx:    sctx,
		cancel: cancel,
		writes: make(chan wsWrite),
	}
	sess.alive.Store(true)

	t.mu.Lock()
	if t.closed {
		// Disconnect raced the dial.
		t.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrConnectionClosed
	}
	t.sess = sess
	t.mu.Unlock()

	go t.writeLoop(sess)
	go t.readLoop(sess)
	go t.keepalive(sess)

	t.hub.emit(EventConnected{})
	return nil
}

// Disconnect closes the channel and cancels any scheduled reconnect attempt.
// Calling it on an already-closed transport is a no-op.
func (t *WSTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	if t.closed && t.sess == nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	sess := t.sess
	t.mu.Unlock()

	if sess != nil {
		sess.conn.Close(websocket.StatusNormalClosure, "")
		t.sessionClosed(sess, nil)
	}
	return nil
}

// Send transmits one message to the peer, applying the large-payload
// compression policy.
func (t *WSTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	sess := t.session()
	if sess == nil {
		return ErrNotConnected
	}

	data, err := encodeWireMessage(msg, t.compressThreshold)
	if err != nil {
		return err
	}
	return t.enqueueWrite(ctx, sess, data)
}

// Authenticate performs the in-band authentication exchange. The reply is
// correlated to this call by a dedicated timeout, independent of the
// request-id correlation used for RPC.
func (t *WSTransport) Authenticate(ctx context.Context, creds Credentials) error {
	sess := t.session()
	if sess == nil {
		return ErrNotConnected
	}

	waiter := make(chan error, 1)
	t.mu.Lock()
	if t.authWaiter != nil {
		t.mu.Unlock()
		return errors.New("authentication already in progress")
	}
	t.authWaiter = waiter
	t.mu.Unlock()

	data, err := encodeControlMessage(controlMessage{
		Type:     controlAuthenticate,
		AuthType: creds.AuthType,
		Token:    creds.Token,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		t.clearAuthWaiter(waiter)
		return err
	}
	if err := t.enqueueWrite(ctx, sess, data); err != nil {
		t.clearAuthWaiter(waiter)
		return err
	}

	timer := time.NewTimer(t.authTimeout)
	defer timer.Stop()

	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		t.clearAuthWaiter(waiter)
		return fmt.Errorf("%w: no authentication reply", ErrTimeout)
	case <-ctx.Done():
		t.clearAuthWaiter(waiter)
		return ctx.Err()
	}
}

// Subscribe registers a new transport event listener.
func (t *WSTransport) Subscribe() (<-chan TransportEvent, func()) {
	return t.hub.subscribe()
}

func (t *WSTransport) dialURL() (string, error) {
	u, err := url.Parse(t.urlStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse websocket URL: %w", err)
	}
	if t.creds.Token != "" {
		q := u.Query()
		q.Set("auth_token", t.creds.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *WSTransport) session() *wsClientSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

func (t *WSTransport) readLoop(sess *wsClientSession) {
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			t.sessionClosed(sess, err)
			return
		}
		t.handleFrame(sess, data)
	}
}

func (t *WSTransport) handleFrame(sess *wsClientSession, data []byte) {
	wm, err := decodeWireMessage(data)
	if err != nil {
		// A single malformed frame must not terminate the connection.
		t.logger.Error("failed to decode frame", "err", err)
		t.hub.emit(EventError{Err: err})
		return
	}

	switch wm.kind {
	case wireControl:
		t.handleControl(sess, wm.ctl)
	case wireResponse:
		t.hub.emit(EventResponse{Msg: wm.msg})
	case wireNotification:
		t.hub.emit(EventNotification{Msg: wm.msg})
	case wireRequest:
		t.logger.Warn("unexpected request frame from peer", "method", wm.msg.Method)
	}
}

func (t *WSTransport) handleControl(sess *wsClientSession, ctl controlMessage) {
	switch ctl.Type {
	case controlPing:
		data, err := encodeControlMessage(controlMessage{Type: controlPong})
		if err != nil {
			return
		}
		if err := t.enqueueWrite(sess.ctx, sess, data); err != nil {
			t.logger.Warn("failed to send pong", "err", err)
		}
	case controlPong:
		sess.alive.Store(true)
	case controlAuthRequired:
		t.hub.emit(EventAuthRequired{Types: ctl.AuthTypes})
	case controlAuthSuccess:
		t.settleAuth(nil)
		t.hub.emit(EventAuthSuccess{})
	case controlAuthFailure:
		err := fmt.Errorf("%w: %s", ErrAuthFailed, ctl.Message)
		t.settleAuth(err)
		t.hub.emit(EventAuthFailure{Err: err})
	default:
		t.logger.Warn("unhandled control message", "type", ctl.Type)
	}
}

func (t *WSTransport) keepalive(sess *wsClientSession) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if !sess.alive.Load() {
				// No pong since the last ping, the peer is silently dead.
				sess.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				t.sessionClosed(sess, errors.New("heartbeat timeout"))
				return
			}
			sess.alive.Store(false)

			data, err := encodeControlMessage(controlMessage{Type: controlPing})
			if err != nil {
				continue
			}
			if err := t.enqueueWrite(sess.ctx, sess, data); err != nil {
				t.logger.Warn("failed to send ping", "err", err)
			}
		}
	}
}

func (t *WSTransport) writeLoop(sess *wsClientSession) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case w := <-sess.writes:
			w.errs <- sess.conn.Write(sess.ctx, websocket.MessageText, w.data)
		}
	}
}

// enqueueWrite queues data for the single writer goroutine and waits for the
// write result.
func (t *WSTransport) enqueueWrite(ctx context.Context, sess *wsClientSession, data []byte) error {
	w := wsWrite{data: data, errs: make(chan error, 1)}

	select {
	case sess.writes <- w:
	case <-sess.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		return nil
	case <-sess.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionClosed tears down a session exactly once, emitting a single
// EventDisconnected and scheduling the reconnect attempt unless the close was
// requested through Disconnect.
func (t *WSTransport) sessionClosed(sess *wsClientSession, err error) {
	sess.closeOnce.Do(func() {
		sess.cancel()

		t.mu.Lock()
		explicit := t.closed
		if t.sess == sess {
			t.sess = nil
		}
		t.mu.Unlock()

		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		t.settleAuth(ErrConnectionClosed)
		t.hub.emit(EventDisconnected{Reason: reason})

		if explicit {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) &&
			websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.hub.emit(EventError{Err: err})
		}
		t.scheduleReconnect()
	})
}

func (t *WSTransport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.reconnectTimer != nil {
		return
	}
	t.reconnectTimer = time.AfterFunc(t.reconnectDelay, func() {
		t.mu.Lock()
		t.reconnectTimer = nil
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultWSDialTimeout)
		defer cancel()

		if err := t.Connect(ctx); err != nil {
			t.logger.Error("reconnect attempt failed", "err", err)
			t.hub.emit(EventError{Err: err})
		}
	})
}

func (t *WSTransport) settleAuth(err error) {
	t.mu.Lock()
	waiter := t.authWaiter
	t.authWaiter = nil
	t.mu.Unlock()

	if waiter != nil {
		waiter <- err
	}
}

func (t *WSTransport) clearAuthWaiter(waiter chan error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.authWaiter == waiter {
		t.authWaiter = nil
	}
}
