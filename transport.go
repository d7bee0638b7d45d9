package mcp

import (
	"context"
	"iter"
	"sync"
)

// Credentials carries the material for an authentication attempt. AuthType
// selects the scheme; Token is used by the token, apikey and oauth2 schemes,
// Username/Password by the basic scheme.
type Credentials struct {
	AuthType string
	Token    string
	Username string
	Password string
}

// Transport provides the initiator-side communication layer of the runtime.
// Implementations own framing, keepalive and reconnection; the connection
// manager layered on top owns request correlation and the auth gate.
type Transport interface {
	// Connect opens the underlying channel. It resolves once the channel is
	// open, not once the connection is authenticated.
	Connect(ctx context.Context) error

	// Disconnect closes the underlying channel and suppresses any scheduled
	// reconnect attempt. Calling it on an already-closed transport is a no-op.
	Disconnect(ctx context.Context) error

	// Send transmits one message to the peer. Sends are fire-and-forget at
	// this layer; the reply, if any, arrives as an EventResponse.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Authenticate performs the transport's authentication exchange with the
	// given credentials, correlated independently of RPC id correlation.
	Authenticate(ctx context.Context, creds Credentials) error

	// Subscribe registers a new event listener and returns its channel along
	// with a function that unregisters it. Events may be delivered after
	// Disconnect has been requested but before it completes.
	Subscribe() (<-chan TransportEvent, func())
}

// TransportEvent is the tagged union of events emitted by a Transport.
type TransportEvent interface {
	transportEvent()
}

// EventConnected signals that the underlying channel is open.
type EventConnected struct{}

// EventDisconnected signals that the underlying channel has closed.
type EventDisconnected struct {
	Reason string
}

// EventError surfaces a channel-level failure that did not necessarily close
// the channel.
type EventError struct {
	Err error
}

// EventResponse delivers an inbound response message.
type EventResponse struct {
	Msg JSONRPCMessage
}

// EventNotification delivers an inbound notification message.
type EventNotification struct {
	Msg JSONRPCMessage
}

// EventAuthRequired signals that the peer demands authentication before
// accepting non-auth traffic.
type EventAuthRequired struct {
	Types []string
}

// EventAuthSuccess signals that an authentication exchange succeeded.
type EventAuthSuccess struct{}

// EventAuthFailure signals that an authentication exchange was rejected.
type EventAuthFailure struct {
	Err error
}

func (EventConnected) transportEvent()    {}
func (EventDisconnected) transportEvent() {}
func (EventError) transportEvent()        {}
func (EventResponse) transportEvent()     {}
func (EventNotification) transportEvent() {}
func (EventAuthRequired) transportEvent() {}
func (EventAuthSuccess) transportEvent()  {}
func (EventAuthFailure) transportEvent()  {}

const eventBufferSize = 32

// eventHub fans transport events out to subscribers over bounded channels.
// Transports compose it rather than inheriting from a generic emitter.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan TransportEvent
	nextID int
}

func newEventHub() *eventHub {
	return &eventHub{
		subs: make(map[int]chan TransportEvent),
	}
}

func (h *eventHub) subscribe() (<-chan TransportEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan TransportEvent, eventBufferSize)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// emit delivers ev to every subscriber. Delivery is non-blocking: a subscriber
// whose buffer is full misses the event rather than stalling the transport.
func (h *eventHub) emit(ev TransportEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Session represents one accepted peer connection on the acceptor side. It
// carries raw wire frames; the Registry owns decoding, the auth gate and
// keepalive.
type Session interface {
	// Send transmits one wire frame to the peer.
	Send(ctx context.Context, data []byte) error

	// Messages returns an iterator that yields frames received from the peer.
	// The iteration exits when the session is closed.
	Messages() iter.Seq[[]byte]

	// Authenticated reports whether the connect handshake carried a
	// credential that the acceptor verified.
	Authenticated() bool

	// Stop closes the session. The caller is guaranteed to call this method
	// only once.
	Stop()
}

// Acceptor produces peer sessions for the Registry.
type Acceptor interface {
	// Sessions returns an iterator that yields new peer sessions as they
	// connect. The iteration exits when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the Acceptor to clean up resources. It
	// does not stop the sessions it produced; the caller owns those.
	Shutdown(ctx context.Context) error
}
