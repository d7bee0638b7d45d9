package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/xid"
)

// Dispatcher handles an inbound request or notification on behalf of the
// Registry. For requests its return value becomes the response result; a
// returned JSONRPCError passes through to the peer unchanged, any other error
// is reported as an internal error. Notifications ignore the return values.
type Dispatcher func(ctx context.Context, msg JSONRPCMessage, peer Peer) (json.RawMessage, error)

// AuthHandler verifies the credentials of an authentication attempt. A nil
// return accepts the attempt.
type AuthHandler func(ctx context.Context, creds Credentials) error

// Peer identifies an accepted connection in Dispatcher calls.
type Peer struct {
	ID            string
	Authenticated bool
}

// Registry is the acceptor-side connection manager. It accepts sessions from
// any Acceptor, assigns each a generated identity, enforces the auth gate,
// runs the per-connection keepalive and routes inbound traffic to an external
// Dispatcher.
//
// Instances should be created using NewRegistry.
type Registry struct {
	dispatcher   Dispatcher
	authHandler  AuthHandler
	authTypes    []string
	exempt       []glob.Glob
	onDisconnect func(id, reason string)

	pingInterval      time.Duration
	sendTimeout       time.Duration
	compressThreshold int
	logger            *slog.Logger

	mu     sync.Mutex
	conns  map[string]*peerConn
	closed bool
}

// RegistryOption represents the options for the Registry.
type RegistryOption func(*Registry)

type peerConn struct {
	id   string
	sess Session

	authenticated atomic.Bool
	alive         atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

const (
	defaultPingInterval = 30 * time.Second
	defaultSendTimeout  = 30 * time.Second
)

// NewRegistry creates a registry that routes inbound traffic to dispatcher.
func NewRegistry(dispatcher Dispatcher, options ...RegistryOption) *Registry {
	r := &Registry{
		dispatcher: dispatcher,
		logger:     slog.Default(),
		conns:      make(map[string]*peerConn),
	}
	for _, opt := range options {
		opt(r)
	}

	if r.pingInterval == 0 {
		r.pingInterval = defaultPingInterval
	}
	if r.sendTimeout == 0 {
		r.sendTimeout = defaultSendTimeout
	}
	if len(r.authTypes) == 0 {
		r.authTypes = []string{AuthTypeToken, AuthTypeBasic}
	}
	if len(r.exempt) == 0 {
		r.exempt = []glob.Glob{glob.MustCompile("auth.*")}
	}

	return r
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryAuthHandler sets the verifier for in-band authenticate
// messages. Without a verifier every session is treated as authenticated.
func WithRegistryAuthHandler(fn AuthHandler) RegistryOption {
	return func(r *Registry) {
		r.authHandler = fn
	}
}

// WithRegistryAuthTypes sets the auth schemes advertised in auth_required
// replies.
func WithRegistryAuthTypes(types []string) RegistryOption {
	return func(r *Registry) {
		r.authTypes = types
	}
}

// WithRegistryExemptMethods sets the method patterns allowed through the auth
// gate. The default is the "auth.*" namespace.
func WithRegistryExemptMethods(patterns ...string) RegistryOption {
	return func(r *Registry) {
		globs := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			globs = append(globs, glob.MustCompile(p))
		}
		r.exempt = globs
	}
}

// WithRegistryOnDisconnect sets the hook invoked exactly once when a
// connection is removed, with the connection id and the removal reason.
func WithRegistryOnDisconnect(fn func(id, reason string)) RegistryOption {
	return func(r *Registry) {
		r.onDisconnect = fn
	}
}

// WithRegistryPingInterval sets the keepalive probe interval.
func WithRegistryPingInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.pingInterval = interval
	}
}

// WithRegistrySendTimeout sets the deadline for outbound sends and dispatcher
// calls.
func WithRegistrySendTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.sendTimeout = timeout
	}
}

// WithRegistryCompressThreshold sets the payload size above which the
// explicit compression envelope is applied to outbound messages.
func WithRegistryCompressThreshold(threshold int) RegistryOption {
	return func(r *Registry) {
		r.compressThreshold = threshold
	}
}

// Serve accepts sessions from the acceptor until its iterator exits or ctx is
// cancelled. It blocks; run it in its own goroutine when serving multiple
// acceptors.
func (r *Registry) Serve(ctx context.Context, acceptor Acceptor) error {
	sessions := make(chan Session)
	go func() {
		defer close(sessions)
		for sess := range acceptor.Sessions() {
			select {
			case sessions <- sess:
			case <-ctx.Done():
				sess.Stop()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess, ok := <-sessions:
			if !ok {
				return ctx.Err()
			}
			r.Accept(sess)
		}
	}
}

// Accept registers one session and starts its read and keepalive loops. It
// returns the generated connection id.
func (r *Registry) Accept(sess Session) string {
	pc := &peerConn{
		id:   xid.New().String(),
		sess: sess,
		done: make(chan struct{}),
	}
	pc.alive.Store(true)
	if r.authHandler == nil || sess.Authenticated() {
		pc.authenticated.Store(true)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.Stop()
		return pc.id
	}
	r.conns[pc.id] = pc
	r.mu.Unlock()

	r.logger.Info("connection accepted", "connectionID", pc.id, "authenticated", pc.authenticated.Load())

	go r.readLoop(pc)
	go r.keepalive(pc)

	return pc.id
}

// SendTo sends a message to the identified connection. It returns ErrNotFound
// when the id is unknown.
func (r *Registry) SendTo(ctx context.Context, connectionID string, msg JSONRPCMessage) error {
	pc := r.lookup(connectionID)
	if pc == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, connectionID)
	}

	data, err := encodeWireMessage(msg, r.compressThreshold)
	if err != nil {
		return err
	}
	return pc.sess.Send(ctx, data)
}

// Disconnect removes the identified connection. Disconnecting an unknown id
// is a no-op.
func (r *Registry) Disconnect(connectionID string) {
	pc := r.lookup(connectionID)
	if pc == nil {
		return
	}
	r.remove(pc, "disconnected by registry")
}

// Peers returns a snapshot of the registered connections.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]Peer, 0, len(r.conns))
	for _, pc := range r.conns {
		peers = append(peers, Peer{ID: pc.id, Authenticated: pc.authenticated.Load()})
	}
	return peers
}

// Shutdown removes every connection. Acceptors are shut down separately by
// their owner.
func (r *Registry) Shutdown(_ context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]*peerConn, 0, len(r.conns))
	for _, pc := range r.conns {
		conns = append(conns, pc)
	}
	r.mu.Unlock()

	for _, pc := range conns {
		r.remove(pc, "registry shutdown")
	}
	return nil
}

func (r *Registry) lookup(connectionID string) *peerConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[connectionID]
}

// remove tears one connection down exactly once: it leaves the map, its
// session stops, and the disconnect hook fires.
func (r *Registry) remove(pc *peerConn, reason string) {
	pc.stopOnce.Do(func() {
		r.mu.Lock()
		delete(r.conns, pc.id)
		r.mu.Unlock()

		close(pc.done)
		pc.sess.Stop()

		r.logger.Info("connection removed", "connectionID", pc.id, "reason", reason)
		if r.onDisconnect != nil {
			r.onDisconnect(pc.id, reason)
		}
	})
}

func (r *Registry) readLoop(pc *peerConn) {
	for data := range pc.sess.Messages() {
		r.handleFrame(pc, data)
	}
	r.remove(pc, "session closed")
}

func (r *Registry) handleFrame(pc *peerConn, data []byte) {
	wm, err := decodeWireMessage(data)
	if err != nil {
		// A malformed frame must not terminate the connection.
		r.logger.Error("dropping malformed frame", "connectionID", pc.id, "err", err)
		return
	}

	switch wm.kind {
	case wireControl:
		r.handleControl(pc, wm.ctl)
	case wireRequest, wireNotification:
		if !r.peerAuthenticated(pc) && !r.isExempt(wm.msg.Method) {
			r.logger.Warn("dropping message from unauthenticated connection",
				"connectionID", pc.id, "method", wm.msg.Method)
			r.sendControl(pc, controlMessage{
				Type:      controlAuthRequired,
				AuthTypes: r.authTypes,
			})
			return
		}
		go r.dispatch(pc, wm.msg)
	case wireResponse:
		r.logger.Warn("unexpected response frame", "connectionID", pc.id, "id", wm.msg.ID)
	}
}

func (r *Registry) handleControl(pc *peerConn, ctl controlMessage) {
	switch ctl.Type {
	case controlPing:
		r.sendControl(pc, controlMessage{Type: controlPong})
	case controlPong:
		pc.alive.Store(true)
	case controlAuthenticate:
		r.handleAuthenticate(pc, ctl)
	default:
		r.logger.Warn("unhandled control message", "connectionID", pc.id, "type", ctl.Type)
	}
}

func (r *Registry) handleAuthenticate(pc *peerConn, ctl controlMessage) {
	if r.authHandler == nil {
		r.sendControl(pc, controlMessage{
			Type:    controlAuthFailure,
			Message: "no credential verifier configured",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	creds := Credentials{
		AuthType: ctl.AuthType,
		Token:    ctl.Token,
		Username: ctl.Username,
		Password: ctl.Password,
	}
	if err := r.authHandler(ctx, creds); err != nil {
		r.logger.Warn("rejected authentication attempt",
			"connectionID", pc.id, "authType", ctl.AuthType, "err", err)
		r.sendControl(pc, controlMessage{
			Type:    controlAuthFailure,
			Message: err.Error(),
		})
		return
	}

	pc.authenticated.Store(true)
	r.logger.Info("connection authenticated", "connectionID", pc.id, "authType", ctl.AuthType)
	r.sendControl(pc, controlMessage{Type: controlAuthSuccess})
}

// peerAuthenticated also picks up authentication performed out-of-band on the
// session itself, as the split transport's exchange does.
func (r *Registry) peerAuthenticated(pc *peerConn) bool {
	if pc.authenticated.Load() {
		return true
	}
	if pc.sess.Authenticated() {
		pc.authenticated.Store(true)
		return true
	}
	return false
}

func (r *Registry) dispatch(pc *peerConn, msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	peer := Peer{ID: pc.id, Authenticated: pc.authenticated.Load()}
	result, err := r.dispatcher(ctx, msg, peer)

	if msg.ID == "" {
		if err != nil {
			r.logger.Error("notification handler failed",
				"connectionID", pc.id, "method", msg.Method, "err", err)
		}
		return
	}

	reply := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if err != nil {
		var rpcErr JSONRPCError
		if errors.As(err, &rpcErr) {
			reply.Error = &rpcErr
		} else {
			reply.Error = &JSONRPCError{
				Code:    CodeInternalError,
				Message: err.Error(),
			}
		}
	} else {
		reply.Result = result
	}

	data, encErr := encodeWireMessage(reply, r.compressThreshold)
	if encErr != nil {
		r.logger.Error("failed to encode response", "connectionID", pc.id, "err", encErr)
		return
	}
	if sendErr := pc.sess.Send(ctx, data); sendErr != nil {
		r.logger.Error("failed to send response", "connectionID", pc.id, "err", sendErr)
	}
}

// keepalive probes the connection every interval. A probe that is still
// unanswered at the next tick terminates the connection.
func (r *Registry) keepalive(pc *peerConn) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			if !pc.alive.Load() {
				r.remove(pc, "heartbeat timeout")
				return
			}
			pc.alive.Store(false)
			r.sendControl(pc, controlMessage{Type: controlPing})
		}
	}
}

func (r *Registry) sendControl(pc *peerConn, ctl controlMessage) {
	data, err := encodeControlMessage(ctl)
	if err != nil {
		r.logger.Error("failed to encode control message", "connectionID", pc.id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	if err := pc.sess.Send(ctx, data); err != nil {
		r.logger.Warn("failed to send control message",
			"connectionID", pc.id, "type", ctl.Type, "err", err)
	}
}

func (r *Registry) isExempt(method string) bool {
	for _, g := range r.exempt {
		if g.Match(method) {
			return true
		}
	}
	return false
}
