package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport drives a Conn without any real I/O. The sendHook runs on its
// own goroutine for every Send, so it can emit the matching response event.
type fakeTransport struct {
	hub *eventHub

	mu       sync.Mutex
	sent     []JSONRPCMessage
	sendHook func(msg JSONRPCMessage)

	connectHook func()
	authHook    func(creds Credentials) error
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{hub: newEventHub()}
	f.sendHook = f.answerRequest
	f.connectHook = func() { f.hub.emit(EventConnected{}) }
	return f
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.connectHook()
	return nil
}

func (f *fakeTransport) Disconnect(_ context.Context) error {
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg JSONRPCMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	hook := f.sendHook
	f.mu.Unlock()

	if hook != nil {
		go hook(msg)
	}
	return nil
}

func (f *fakeTransport) Authenticate(_ context.Context, creds Credentials) error {
	if f.authHook != nil {
		return f.authHook(creds)
	}
	f.hub.emit(EventAuthSuccess{})
	return nil
}

func (f *fakeTransport) Subscribe() (<-chan TransportEvent, func()) {
	return f.hub.subscribe()
}

func (f *fakeTransport) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	methods := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		methods = append(methods, msg.Method)
	}
	return methods
}

// answerRequest replies to bookkeeping and echo requests with canned results.
func (f *fakeTransport) answerRequest(msg JSONRPCMessage) {
	var result json.RawMessage
	switch msg.Method {
	case MethodServerInfo:
		result, _ = json.Marshal(Info{Name: "fake-server", Version: "0.1"})
	case MethodServerCapabilities:
		result = json.RawMessage(`{"echo":true}`)
	case "test.echo", "auth.login":
		result = msg.Params
		if result == nil {
			result = json.RawMessage(`{}`)
		}
	default:
		return
	}

	f.hub.emit(EventResponse{Msg: JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  result,
	}})
}

func connectedConn(t *testing.T, f *fakeTransport, options ...ConnOption) *Conn {
	t.Helper()

	conn := NewConn(f, options...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), time.Second)
		defer disconnectCancel()
		_ = conn.Disconnect(disconnectCtx)
	})
	return conn
}

func TestConnConnectRunsBookkeeping(t *testing.T) {
	f := newFakeTransport()
	conn := connectedConn(t, f)

	state := conn.State()
	require.Equal(t, StatusConnected, state.Status)
	require.Equal(t, "fake-server", conn.ServerInfo().Name)
	require.JSONEq(t, `{"echo":true}`, string(conn.ServerCapabilities()))
	require.Contains(t, f.sentMethods(), MethodServerInfo)
	require.Contains(t, f.sentMethods(), MethodServerCapabilities)
}

func TestConnSendRequestConcurrent(t *testing.T) {
	f := newFakeTransport()
	conn := connectedConn(t, f)

	const n = 25
	var wg sync.WaitGroup
	results := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			res, err := conn.SendRequest(ctx, "test.echo", json.RawMessage(`{"n":1}`))
			if err == nil && string(res.Result) != `{"n":1}` {
				err = context.DeadlineExceeded
			}
			results[i] = err
		}()
	}
	wg.Wait()

	for i, err := range results {
		require.NoError(t, err, "request %d", i)
	}
	require.Equal(t, 0, conn.pendingCount())
}

func TestConnRequestTimeout(t *testing.T) {
	f := newFakeTransport()
	conn := connectedConn(t, f)

	// Stop answering anything after connect.
	f.mu.Lock()
	f.sendHook = nil
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := conn.SendRequest(ctx, "test.echo", nil, WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 0, conn.pendingCount())
}

func TestConnDisconnectRejectsPending(t *testing.T) {
	f := newFakeTransport()
	conn := connectedConn(t, f)

	f.mu.Lock()
	f.sendHook = nil
	f.mu.Unlock()

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := conn.SendRequest(ctx, "test.echo", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return conn.pendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Disconnect(ctx))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not rejected")
	}

	state := conn.State()
	require.Equal(t, StatusDisconnected, state.Status)
	require.Equal(t, AuthStatusNone, state.AuthStatus)
}

func TestConnAuthGate(t *testing.T) {
	f := newFakeTransport()
	f.connectHook = func() {
		f.hub.emit(EventAuthRequired{Types: []string{AuthTypeToken}})
		f.hub.emit(EventConnected{})
	}

	conn := connectedConn(t, f)

	state := conn.State()
	require.Equal(t, AuthStatusRequired, state.AuthStatus)
	require.Equal(t, []string{AuthTypeToken}, state.SupportedAuthTypes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Non-auth traffic is rejected before reaching the transport.
	_, err := conn.SendRequest(ctx, "tools.call", nil)
	require.ErrorIs(t, err, ErrAuthRequired)
	require.NotContains(t, f.sentMethods(), "tools.call")

	// The auth namespace passes through the gate.
	_, err = conn.SendRequest(ctx, "auth.login", json.RawMessage(`{"token":"abc"}`))
	require.NoError(t, err)
	require.Contains(t, f.sentMethods(), "auth.login")

	// A successful exchange unlocks the connection via bookkeeping.
	creds := Credentials{AuthType: AuthTypeToken, Token: "abc"}
	require.NoError(t, conn.Authenticate(ctx, creds))

	state = conn.State()
	require.Equal(t, StatusConnected, state.Status)
	require.Equal(t, AuthStatusAuthenticated, state.AuthStatus)

	_, err = conn.SendRequest(ctx, "test.echo", nil)
	require.NoError(t, err)
}

func TestConnAuthFailureAllowsRetry(t *testing.T) {
	f := newFakeTransport()
	f.connectHook = func() {
		f.hub.emit(EventAuthRequired{Types: []string{AuthTypeToken}})
		f.hub.emit(EventConnected{})
	}
	f.authHook = func(creds Credentials) error {
		if creds.Token != "good" {
			err := ErrAuthFailed
			f.hub.emit(EventAuthFailure{Err: err})
			return err
		}
		f.hub.emit(EventAuthSuccess{})
		return nil
	}

	conn := connectedConn(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Authenticate(ctx, Credentials{AuthType: AuthTypeToken, Token: "bad"})
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Equal(t, AuthStatusFailed, conn.State().AuthStatus)

	require.NoError(t, conn.Authenticate(ctx, Credentials{AuthType: AuthTypeToken, Token: "good"}))
	require.Equal(t, StatusConnected, conn.State().Status)
}

func TestConnIgnoresUnknownResponseID(t *testing.T) {
	f := newFakeTransport()
	conn := connectedConn(t, f)

	f.hub.emit(EventResponse{Msg: JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString("never-sent"),
		Result:  json.RawMessage(`{}`),
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.SendRequest(ctx, "test.echo", nil)
	require.NoError(t, err)
	require.Equal(t, 0, conn.pendingCount())
}

func TestConnNotificationHandler(t *testing.T) {
	f := newFakeTransport()

	notifs := make(chan JSONRPCMessage, 1)
	conn := connectedConn(t, f, WithConnNotificationHandler(func(msg JSONRPCMessage) {
		notifs <- msg
	}))
	_ = conn

	f.hub.emit(EventNotification{Msg: JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  "progress",
		Params:  json.RawMessage(`{"pct":50}`),
	}})

	select {
	case msg := <-notifs:
		require.Equal(t, "progress", msg.Method)
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestConnRejectsBeforeConnect(t *testing.T) {
	conn := NewConn(newFakeTransport())

	_, err := conn.SendRequest(context.Background(), "test.echo", nil)
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, conn.Disconnect(context.Background()))
}

func TestConnDisconnectIdempotent(t *testing.T) {
	f := newFakeTransport()
	conn := connectedConn(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, conn.Disconnect(ctx))
	require.NoError(t, conn.Disconnect(ctx))
}
