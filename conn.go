package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Status is the connection-level state of a Conn.
type Status string

// AuthStatus is the authentication-level state of a Conn, tracked separately
// from Status.
type AuthStatus string

// Connection statuses.
const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusAuthenticating Status = "authenticating"
	StatusError          Status = "error"
)

// Authentication statuses.
const (
	AuthStatusNone          AuthStatus = "none"
	AuthStatusRequired      AuthStatus = "required"
	AuthStatusInProgress    AuthStatus = "in_progress"
	AuthStatusAuthenticated AuthStatus = "authenticated"
	AuthStatusFailed        AuthStatus = "failed"
)

// State is a point-in-time snapshot of a Conn. ServerInfo and Capabilities
// are populated by the bookkeeping exchange that precedes the connected
// status.
type State struct {
	Status             Status
	AuthStatus         AuthStatus
	SupportedAuthTypes []string
	ServerInfo         Info
	Capabilities       json.RawMessage
}

// Conn is the initiator-side connection manager. It owns exactly one
// Transport, drives the connection and authentication state machine, and
// correlates requests with their responses. All mutable state lives in a
// single control loop; the exported methods communicate with it over
// channels.
//
// A Conn is single-use: once disconnected it cannot be reconnected. Create a
// new Conn with NewConn for each connection attempt.
type Conn struct {
	transport      Transport
	logger         *slog.Logger
	requestTimeout time.Duration
	exempt         []glob.Glob
	notifHandler   func(JSONRPCMessage)

	started atomic.Bool
	running atomic.Bool
	state   atomic.Value

	events      <-chan TransportEvent
	unsubscribe func()

	sendReqs     chan connSendReq
	sendFails    chan connSendFailure
	timeouts     chan string
	countReqs    chan chan int
	connectWaits chan chan error
	authBegins   chan *connAuthAttempt
	authAborts   chan error
	disconnects  chan chan struct{}
	loopDone     chan struct{}

	// Loop-owned state, never touched outside the control loop.
	pending            map[string]*pendingRequest
	status             Status
	authStatus         AuthStatus
	supportedAuthTypes []string
	serverInfo         Info
	capabilities       json.RawMessage
	epoch              int
	bookkeepRemaining  int
	connectWaiter      chan error
	authWaiter         chan error
}

// ConnOption represents the options for the Conn.
type ConnOption func(*Conn)

// RequestOption represents the per-call options for SendRequest.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
}

type connSendReq struct {
	method  string
	params  json.RawMessage
	timeout time.Duration
	res     chan connSendRes
}

type connSendRes struct {
	msg JSONRPCMessage
	err error
}

type connSendFailure struct {
	id  string
	err error
}

type connAuthAttempt struct {
	waiter chan error
	ack    chan error
}

// pendingRequest correlates a sent request id to its eventual settlement.
// Settlement is once-only: the entry is removed from the pending map in the
// same loop step that settles it, so a late timer firing after a response
// cannot double-resolve.
type pendingRequest struct {
	method   string
	timer    *time.Timer
	res      chan connSendRes
	bookkeep string
	epoch    int
}

const defaultRequestTimeout = 10 * time.Second

// bookkeeping request kinds
const (
	bookkeepInfo         = "info"
	bookkeepCapabilities = "capabilities"
)

// NewConn creates a connection manager on top of the given transport. The
// transport must not be shared with another Conn.
func NewConn(transport Transport, options ...ConnOption) *Conn {
	c := &Conn{
		transport:    transport,
		logger:       slog.Default(),
		sendReqs:     make(chan connSendReq),
		sendFails:    make(chan connSendFailure),
		timeouts:     make(chan string),
		countReqs:    make(chan chan int),
		connectWaits: make(chan chan error),
		authBegins:   make(chan *connAuthAttempt),
		authAborts:   make(chan error),
		disconnects:  make(chan chan struct{}),
		loopDone:     make(chan struct{}),
		pending:      make(map[string]*pendingRequest),
		status:       StatusDisconnected,
		authStatus:   AuthStatusNone,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if len(c.exempt) == 0 {
		c.exempt = []glob.Glob{glob.MustCompile("auth.*")}
	}
	c.publishState()

	return c
}

// WithConnLogger sets the logger for the connection manager.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithConnRequestTimeout sets the default deadline for requests that do not
// carry a per-call override.
func WithConnRequestTimeout(timeout time.Duration) ConnOption {
	return func(c *Conn) {
		c.requestTimeout = timeout
	}
}

// WithConnExemptMethods sets the method patterns allowed through the auth
// gate. The default is the "auth.*" namespace.
func WithConnExemptMethods(patterns ...string) ConnOption {
	return func(c *Conn) {
		globs := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			globs = append(globs, glob.MustCompile(p))
		}
		c.exempt = globs
	}
}

// WithConnNotificationHandler sets the handler invoked for every inbound
// notification.
func WithConnNotificationHandler(fn func(JSONRPCMessage)) ConnOption {
	return func(c *Conn) {
		c.notifHandler = fn
	}
}

// WithTimeout overrides the request deadline for a single SendRequest call.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// Connect opens the transport and waits for the connection to become usable.
// It resolves once either the post-connect bookkeeping completes and the
// status reaches connected, or the peer demands authentication, in which case
// the caller proceeds with Authenticate.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("connection already started")
	}

	c.events, c.unsubscribe = c.transport.Subscribe()
	go c.loop()
	c.running.Store(true)

	waiter := make(chan error, 1)
	select {
	case c.connectWaits <- waiter:
	case <-c.loopDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.running.Store(false)
		c.stopLoop()
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	select {
	case err := <-waiter:
		return err
	case <-c.loopDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest sends a request and waits for the matching response, the
// request deadline, or the connection being torn down, whichever settles
// first. Calls are rejected before reaching the transport while the
// connection is not usable, except for methods exempt from the auth gate.
func (c *Conn) SendRequest(
	ctx context.Context, method string, params json.RawMessage, options ...RequestOption,
) (JSONRPCMessage, error) {
	if !c.running.Load() {
		return JSONRPCMessage{}, ErrNotConnected
	}

	opts := requestOptions{timeout: c.requestTimeout}
	for _, opt := range options {
		opt(&opts)
	}

	req := connSendReq{
		method:  method,
		params:  params,
		timeout: opts.timeout,
		res:     make(chan connSendRes, 1),
	}

	select {
	case c.sendReqs <- req:
	case <-c.loopDone:
		return JSONRPCMessage{}, ErrConnectionClosed
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}

	select {
	case res := <-req.res:
		return res.msg, res.err
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}
}

// Authenticate performs the transport's authentication exchange and waits for
// the connection to finish the post-auth bookkeeping. A failed attempt leaves
// the connection in the failed auth status, from which Authenticate may be
// retried.
func (c *Conn) Authenticate(ctx context.Context, creds Credentials) error {
	if !c.running.Load() {
		return ErrNotConnected
	}

	attempt := &connAuthAttempt{
		waiter: make(chan error, 1),
		ack:    make(chan error, 1),
	}
	select {
	case c.authBegins <- attempt:
	case <-c.loopDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := <-attempt.ack; err != nil {
		return err
	}

	if err := c.transport.Authenticate(ctx, creds); err != nil {
		c.abortAuth(err)
		return err
	}

	select {
	case err := <-attempt.waiter:
		return err
	case <-c.loopDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		c.abortAuth(ctx.Err())
		return ctx.Err()
	}
}

// Disconnect cancels every pending request, clears every timer, closes the
// transport and settles the state at disconnected. It is idempotent.
func (c *Conn) Disconnect(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.stopLoop()
	if err := c.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect transport: %w", err)
	}
	return nil
}

// State returns a snapshot of the connection state.
func (c *Conn) State() State {
	return c.state.Load().(State)
}

// ServerInfo returns the peer identity fetched by the post-connect
// bookkeeping. It is the zero value until the status reaches connected.
func (c *Conn) ServerInfo() Info {
	return c.State().ServerInfo
}

// ServerCapabilities returns the peer capabilities fetched by the
// post-connect bookkeeping. It is nil until the status reaches connected.
func (c *Conn) ServerCapabilities() json.RawMessage {
	return c.State().Capabilities
}

// pendingCount reports the number of unsettled requests. It exists for
// white-box tests.
func (c *Conn) pendingCount() int {
	res := make(chan int, 1)
	select {
	case c.countReqs <- res:
		return <-res
	case <-c.loopDone:
		return 0
	}
}

func (c *Conn) stopLoop() {
	ack := make(chan struct{})
	select {
	case c.disconnects <- ack:
		<-ack
	case <-c.loopDone:
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Conn) abortAuth(err error) {
	select {
	case c.authAborts <- err:
	case <-c.loopDone:
	}
}

func (c *Conn) loop() {
	defer close(c.loopDone)

	for {
		select {
		case req := <-c.sendReqs:
			c.handleSend(req)
		case id := <-c.timeouts:
			c.handleTimeout(id)
		case fail := <-c.sendFails:
			c.settlePending(fail.id, connSendRes{err: fail.err})
		case res := <-c.countReqs:
			res <- len(c.pending)
		case waiter := <-c.connectWaits:
			c.connectWaiter = waiter
			c.setStatus(StatusConnecting)
		case attempt := <-c.authBegins:
			c.handleAuthBegin(attempt)
		case err := <-c.authAborts:
			c.handleAuthAbort(err)
		case ack := <-c.disconnects:
			c.drainPending(ErrConnectionClosed)
			c.settleWaiters(ErrConnectionClosed)
			c.status = StatusDisconnected
			c.authStatus = AuthStatusNone
			c.publishState()
			ack <- struct{}{}
			return
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Conn) handleSend(req connSendReq) {
	if !c.isExempt(req.method) {
		if c.authStatus == AuthStatusRequired {
			req.res <- connSendRes{err: fmt.Errorf("%w: method %s", ErrAuthRequired, req.method)}
			return
		}
		if c.status != StatusConnected {
			req.res <- connSendRes{err: fmt.Errorf("%w: status is %s", ErrNotConnected, c.status)}
			return
		}
	}

	id := uuid.New().String()
	c.registerPending(id, &pendingRequest{
		method: req.method,
		res:    req.res,
		epoch:  c.epoch,
	}, req.timeout)

	c.dispatchSend(id, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  req.method,
		Params:  req.params,
	}, req.timeout)
}

func (c *Conn) registerPending(id string, pr *pendingRequest, timeout time.Duration) {
	pr.timer = time.AfterFunc(timeout, func() {
		select {
		case c.timeouts <- id:
		case <-c.loopDone:
		}
	})
	c.pending[id] = pr
}

// dispatchSend hands the message to the transport off-loop, so a slow
// transport cannot stall correlation. A send failure settles the pending
// entry through the loop.
func (c *Conn) dispatchSend(id string, msg JSONRPCMessage, timeout time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := c.transport.Send(ctx, msg); err != nil {
			select {
			case c.sendFails <- connSendFailure{id: id, err: err}:
			case <-c.loopDone:
			}
		}
	}()
}

func (c *Conn) handleTimeout(id string) {
	pr, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)

	if pr.bookkeep != "" {
		c.bookkeepFailed(pr, fmt.Errorf("%w: %s", ErrTimeout, pr.method))
		return
	}
	pr.res <- connSendRes{err: fmt.Errorf("%w: %s", ErrTimeout, pr.method)}
}

func (c *Conn) settlePending(id string, res connSendRes) {
	pr, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	pr.timer.Stop()

	if pr.bookkeep != "" {
		if res.err != nil {
			c.bookkeepFailed(pr, res.err)
		} else {
			c.bookkeepSettled(pr, res.msg)
		}
		return
	}
	pr.res <- res
}

func (c *Conn) drainPending(err error) {
	for id, pr := range c.pending {
		delete(c.pending, id)
		pr.timer.Stop()
		if pr.bookkeep != "" {
			continue
		}
		pr.res <- connSendRes{err: err}
	}
}

func (c *Conn) handleAuthBegin(attempt *connAuthAttempt) {
	if c.authWaiter != nil {
		attempt.ack <- errors.New("authentication already in progress")
		return
	}
	c.authWaiter = attempt.waiter
	c.authStatus = AuthStatusInProgress
	c.setStatus(StatusAuthenticating)
	attempt.ack <- nil
}

func (c *Conn) handleAuthAbort(err error) {
	if c.authWaiter == nil {
		return
	}
	waiter := c.authWaiter
	c.authWaiter = nil
	c.authStatus = AuthStatusFailed
	c.setStatus(StatusConnecting)
	waiter <- err
}

func (c *Conn) handleEvent(ev TransportEvent) {
	switch ev := ev.(type) {
	case EventConnected:
		c.setStatus(StatusConnecting)
		if c.authStatus != AuthStatusRequired {
			c.startBookkeeping()
		}
	case EventDisconnected:
		c.drainPending(ErrConnectionClosed)
		c.settleWaiters(ErrConnectionClosed)
		c.setStatus(StatusError)
	case EventError:
		c.logger.Warn("transport error", "err", ev.Err)
	case EventResponse:
		c.handleResponse(ev.Msg)
	case EventNotification:
		if c.notifHandler != nil {
			go c.notifHandler(ev.Msg)
		}
	case EventAuthRequired:
		c.authStatus = AuthStatusRequired
		c.supportedAuthTypes = ev.Types
		c.publishState()
		// Connect is done: the connection is up and waiting on credentials.
		c.settleConnectWaiter(nil)
	case EventAuthSuccess:
		c.authStatus = AuthStatusAuthenticated
		c.setStatus(StatusConnecting)
		c.startBookkeeping()
	case EventAuthFailure:
		c.authStatus = AuthStatusFailed
		c.publishState()
		c.settleAuthWaiter(ev.Err)
	}
}

func (c *Conn) handleResponse(msg JSONRPCMessage) {
	id := string(msg.ID)
	if _, ok := c.pending[id]; !ok {
		// Unmatched ids are ignored for correlation purposes; transport
		// subscribers still observed the raw event.
		c.logger.Warn("response with unknown id", "id", id)
		return
	}

	var err error
	if msg.Error != nil {
		err = *msg.Error
	}
	c.settlePending(id, connSendRes{msg: msg, err: err})
}

// startBookkeeping issues the server identity and capability fetches that
// precede the connected status. The epoch guards against settlements left
// over from a previous connect or auth round.
func (c *Conn) startBookkeeping() {
	c.epoch++
	c.bookkeepRemaining = 2
	c.sendBookkeeping(MethodServerInfo, bookkeepInfo)
	c.sendBookkeeping(MethodServerCapabilities, bookkeepCapabilities)
}

func (c *Conn) sendBookkeeping(method, kind string) {
	id := uuid.New().String()
	c.registerPending(id, &pendingRequest{
		method:   method,
		bookkeep: kind,
		epoch:    c.epoch,
	}, c.requestTimeout)

	c.dispatchSend(id, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  method,
	}, c.requestTimeout)
}

func (c *Conn) bookkeepSettled(pr *pendingRequest, msg JSONRPCMessage) {
	if pr.epoch != c.epoch {
		return
	}

	switch pr.bookkeep {
	case bookkeepInfo:
		var info Info
		if err := json.Unmarshal(msg.Result, &info); err != nil {
			c.bookkeepFailed(pr, fmt.Errorf("failed to decode server info: %w", err))
			return
		}
		c.serverInfo = info
	case bookkeepCapabilities:
		c.capabilities = msg.Result
	}

	c.bookkeepRemaining--
	if c.bookkeepRemaining > 0 {
		return
	}

	c.setStatus(StatusConnected)
	c.settleConnectWaiter(nil)
	c.settleAuthWaiter(nil)
}

func (c *Conn) bookkeepFailed(pr *pendingRequest, err error) {
	if pr.epoch != c.epoch {
		return
	}
	// A peer that gates bookkeeping behind authentication answers with
	// auth_required instead; the fetch is retried after authenticate.
	if c.authStatus == AuthStatusRequired || c.authStatus == AuthStatusInProgress {
		c.logger.Debug("bookkeeping deferred until authenticated", "method", pr.method, "err", err)
		return
	}

	c.logger.Error("bookkeeping request failed", "method", pr.method, "err", err)
	c.setStatus(StatusError)
	c.settleConnectWaiter(err)
	c.settleAuthWaiter(err)
}

func (c *Conn) settleWaiters(err error) {
	c.settleConnectWaiter(err)
	c.settleAuthWaiter(err)
}

func (c *Conn) settleConnectWaiter(err error) {
	if c.connectWaiter == nil {
		return
	}
	waiter := c.connectWaiter
	c.connectWaiter = nil
	waiter <- err
}

func (c *Conn) settleAuthWaiter(err error) {
	if c.authWaiter == nil {
		return
	}
	waiter := c.authWaiter
	c.authWaiter = nil
	waiter <- err
}

func (c *Conn) setStatus(status Status) {
	c.status = status
	c.publishState()
}

func (c *Conn) publishState() {
	c.state.Store(State{
		Status:             c.status,
		AuthStatus:         c.authStatus,
		SupportedAuthTypes: c.supportedAuthTypes,
		ServerInfo:         c.serverInfo,
		Capabilities:       c.capabilities,
	})
}

func (c *Conn) isExempt(method string) bool {
	for _, g := range c.exempt {
		if g.Match(method) {
			return true
		}
	}
	return false
}
