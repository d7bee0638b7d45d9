package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSETransport implements the split request/stream Transport. Outbound calls
// are discrete HTTP POST exchanges; inbound responses and notifications arrive
// over one long-lived server-push stream. Authentication is a dedicated
// exchange yielding a bearer credential applied to subsequent calls and to
// stream (re)subscription.
//
// Instances should be created using NewSSETransport.
type SSETransport struct {
	connectURL string
	authURL    string
	httpClient *http.Client
	logger     *slog.Logger
	hub        *eventHub

	maxPayloadSize    int
	reconnectDelay    time.Duration
	compressThreshold int

	mu             sync.Mutex
	messageURL     string
	token          string
	closed         bool
	connected      bool
	announced      bool
	streamCancel   context.CancelFunc
	reconnectTimer *time.Timer
}

// SSETransportOption represents the options for the SSETransport.
type SSETransportOption func(*SSETransport)

var defaultSSEReconnectDelay = 5 * time.Second

// NewSSETransport creates a split request/stream transport that subscribes to
// the stream at connectURL. The message endpoint is learned from the stream's
// endpoint announcement unless set explicitly with WithSSEMessageURL.
func NewSSETransport(connectURL string, options ...SSETransportOption) *SSETransport {
	t := &SSETransport{
		connectURL: connectURL,
		logger:     slog.Default(),
		hub:        newEventHub(),
	}
	for _, opt := range options {
		opt(t)
	}

	if t.httpClient == nil {
		t.httpClient = http.DefaultClient
	}
	if t.reconnectDelay == 0 {
		t.reconnectDelay = defaultSSEReconnectDelay
	}

	return t
}

// WithSSEHTTPClient sets the HTTP client used for all exchanges.
func WithSSEHTTPClient(client *http.Client) SSETransportOption {
	return func(t *SSETransport) {
		t.httpClient = client
	}
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSEMessageURL sets the message endpoint explicitly, skipping the
// endpoint announcement.
func WithSSEMessageURL(messageURL string) SSETransportOption {
	return func(t *SSETransport) {
		t.messageURL = messageURL
	}
}

// WithSSEAuthURL sets the endpoint for the dedicated authentication exchange.
func WithSSEAuthURL(authURL string) SSETransportOption {
	return func(t *SSETransport) {
		t.authURL = authURL
	}
}

// WithSSEMaxPayloadSize sets the maximum size of a single stream item.
func WithSSEMaxPayloadSize(size int) SSETransportOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// WithSSEReconnectDelay sets the delay before the resubscription attempt
// scheduled after the stream is lost.
func WithSSEReconnectDelay(delay time.Duration) SSETransportOption {
	return func(t *SSETransport) {
		t.reconnectDelay = delay
	}
}

// WithSSECompressThreshold sets the payload size above which the explicit
// compression envelope is applied to outbound calls.
func WithSSECompressThreshold(threshold int) SSETransportOption {
	return func(t *SSETransport) {
		t.compressThreshold = threshold
	}
}

// Connect subscribes to the server-push stream. It resolves once the stream
// is established.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.mu.Unlock()

	return t.subscribeStream(ctx)
}

// Disconnect tears down the stream and cancels any scheduled resubscription.
// Calling it on an already-closed transport is a no-op.
func (t *SSETransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.streamCancel
	t.streamCancel = nil
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	wasConnected := t.connected
	t.connected = false
	t.announced = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasConnected {
		t.hub.emit(EventDisconnected{Reason: "disconnected"})
	}
	return nil
}

// Send transmits one message as a discrete HTTP POST exchange. The transport
// does not wait for the RPC reply; it arrives on the stream.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	messageURL := t.messageURL
	token := t.token
	t.mu.Unlock()

	if messageURL == "" {
		return ErrNotConnected
	}

	data, err := encodeWireMessage(msg, t.compressThreshold)
	if err != nil {
		return err
	}
	return t.post(ctx, messageURL, token, data)
}

// Authenticate performs the dedicated authentication exchange. On success the
// yielded bearer credential is attached to every subsequent outbound call and
// to stream resubscription.
func (t *SSETransport) Authenticate(ctx context.Context, creds Credentials) error {
	if t.authURL == "" {
		return errors.New("authentication endpoint not configured")
	}

	body, err := encodeControlMessage(controlMessage{
		Type:     controlAuthenticate,
		AuthType: creds.AuthType,
		Token:    creds.Token,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send authenticate request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read authenticate response: %w", err)
	}

	var ctl controlMessage
	if err := json.Unmarshal(respBody, &ctl); err != nil {
		return fmt.Errorf("failed to decode authenticate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || ctl.Type != controlAuthSuccess {
		authErr := fmt.Errorf("%w: %s", ErrAuthFailed, ctl.Message)
		t.hub.emit(EventAuthFailure{Err: authErr})
		return authErr
	}

	t.mu.Lock()
	t.token = ctl.Token
	t.mu.Unlock()

	t.hub.emit(EventAuthSuccess{})
	return nil
}

// Subscribe registers a new transport event listener.
func (t *SSETransport) Subscribe() (<-chan TransportEvent, func()) {
	return t.hub.subscribe()
}

func (t *SSETransport) subscribeStream(ctx context.Context) error {
	// The stream must outlive the caller's ctx, so it gets its own
	// cancellation; the caller's deadline only bounds the dial phase.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	dialDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-dialDone:
		}
	}()

	resp, err := t.httpClient.Do(req)
	close(dialDone)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to stream: %w", err)
	}
	if ctx.Err() != nil {
		// The watcher may have cancelled sctx just as headers arrived.
		resp.Body.Close()
		cancel()
		return ctx.Err()
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// The credential itself was rejected, resubscription will not help.
		types := t.readAuthTypes(resp.Body)
		resp.Body.Close()
		cancel()
		t.hub.emit(EventAuthRequired{Types: types})
		return fmt.Errorf("%w: stream subscription rejected", ErrAuthRequired)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		resp.Body.Close()
		cancel()
		return ErrConnectionClosed
	}
	t.streamCancel = cancel
	t.connected = true
	announce := t.messageURL != "" && !t.announced
	if announce {
		t.announced = true
	}
	t.mu.Unlock()

	go t.readStream(sctx, resp.Body)

	if announce {
		t.hub.emit(EventConnected{})
	}
	return nil
}

func (t *SSETransport) readStream(sctx context.Context, body io.ReadCloser) {
	defer body.Close()

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if sctx.Err() == nil && !t.isClosed() {
				t.streamLost(err)
			}
			return
		}
		t.handleStreamEvent(ev)
	}

	if sctx.Err() == nil && !t.isClosed() {
		t.streamLost(errors.New("stream closed by server"))
	}
}

func (t *SSETransport) handleStreamEvent(ev sse.Event) {
	switch ev.Type {
	case "endpoint":
		u, err := url.Parse(ev.Data)
		if err != nil || u.String() == "" {
			t.logger.Error("invalid endpoint URL", "data", ev.Data)
			t.hub.emit(EventError{Err: fmt.Errorf("invalid endpoint URL: %q", ev.Data)})
			return
		}

		t.mu.Lock()
		t.messageURL = u.String()
		announce := !t.announced
		if announce {
			t.announced = true
		}
		t.mu.Unlock()

		if announce {
			t.hub.emit(EventConnected{})
		}
	case "response", "notification", "message", "":
		t.handleStreamMessage(ev)
	case "auth_required":
		var ctl controlMessage
		if err := json.Unmarshal([]byte(ev.Data), &ctl); err != nil {
			t.logger.Error("failed to decode auth_required event", "err", err)
			return
		}
		t.hub.emit(EventAuthRequired{Types: ctl.AuthTypes})
	default:
		t.logger.Warn("unhandled event type", "type", ev.Type)
	}
}

// handleStreamMessage decodes a stream item and routes it by shape: an id
// marks a response, a method without an id marks a notification.
func (t *SSETransport) handleStreamMessage(ev sse.Event) {
	wm, err := decodeWireMessage([]byte(ev.Data))
	if err != nil {
		// A single malformed item must not terminate the stream.
		t.logger.Error("failed to decode stream item", "err", err)
		t.hub.emit(EventError{Err: err})
		return
	}

	switch wm.kind {
	case wireControl:
		t.handleStreamControl(wm.ctl)
	case wireResponse:
		t.hub.emit(EventResponse{Msg: wm.msg})
	case wireNotification:
		t.hub.emit(EventNotification{Msg: wm.msg})
	case wireRequest:
		t.logger.Warn("unexpected request item on stream", "method", wm.msg.Method)
	}
}

func (t *SSETransport) handleStreamControl(ctl controlMessage) {
	switch ctl.Type {
	case controlPing:
		// The stream is inbound-only, the pong goes back through the message
		// endpoint.
		go t.sendControl(controlMessage{Type: controlPong})
	case controlAuthRequired:
		t.hub.emit(EventAuthRequired{Types: ctl.AuthTypes})
	case controlAuthSuccess:
		t.hub.emit(EventAuthSuccess{})
	case controlAuthFailure:
		t.hub.emit(EventAuthFailure{Err: fmt.Errorf("%w: %s", ErrAuthFailed, ctl.Message)})
	default:
		t.logger.Warn("unhandled control message", "type", ctl.Type)
	}
}

// streamLost handles an unexpected stream interruption: it emits one
// EventDisconnected and schedules a resubscription that reuses the current
// credential without re-authenticating.
func (t *SSETransport) streamLost(err error) {
	t.mu.Lock()
	t.connected = false
	t.announced = false
	t.streamCancel = nil
	t.mu.Unlock()

	t.hub.emit(EventDisconnected{Reason: err.Error()})
	t.scheduleResubscribe()
}

func (t *SSETransport) scheduleResubscribe() {
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

		if err := t.subscribeStream(context.Background()); err != nil {
			if !errors.Is(err, ErrAuthRequired) {
				t.logger.Error("resubscription failed", "err", err)
				t.hub.emit(EventError{Err: err})
			}
		}
	})
}

func (t *SSETransport) sendControl(ctl controlMessage) {
	t.mu.Lock()
	messageURL := t.messageURL
	token := t.token
	t.mu.Unlock()

	if messageURL == "" {
		return
	}
	data, err := encodeControlMessage(ctl)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.post(ctx, messageURL, token, data); err != nil {
		t.logger.Warn("failed to send control message", "type", ctl.Type, "err", err)
	}
}

func (t *SSETransport) post(ctx context.Context, postURL, token string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		types := t.readAuthTypes(resp.Body)
		t.hub.emit(EventAuthRequired{Types: types})
		return fmt.Errorf("%w: message rejected", ErrAuthRequired)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// readAuthTypes extracts the supported auth schemes from an auth_required
// body, if the peer sent one.
func (t *SSETransport) readAuthTypes(body io.Reader) []string {
	data, err := io.ReadAll(io.LimitReader(body, 4<<10))
	if err != nil {
		return nil
	}
	var ctl controlMessage
	if err := json.Unmarshal(data, &ctl); err != nil {
		return nil
	}
	return ctl.AuthTypes
}

func (t *SSETransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
