package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func wsTestServer(t *testing.T, registryOptions ...RegistryOption) (string, *Registry) {
	t.Helper()

	acceptor := NewWSAcceptor(WithWSAcceptorAuthFunc(tokenAuth("abc")))
	registry := NewRegistry(echoDispatcher, registryOptions...)
	go func() {
		_ = registry.Serve(context.Background(), acceptor)
	}()

	srv := httptest.NewServer(acceptor.HandleUpgrade())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
		_ = acceptor.Shutdown(ctx)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http"), registry
}

func TestWSEndToEnd(t *testing.T) {
	wsURL, _ := wsTestServer(t)

	conn := NewConn(NewWSTransport(wsURL))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)

	require.Equal(t, StatusConnected, conn.State().Status)
	require.Equal(t, "registry-test", conn.ServerInfo().Name)
	require.JSONEq(t, `{"tools":true}`, string(conn.ServerCapabilities()))

	res, err := conn.SendRequest(ctx, "tools.call", json.RawMessage(`{}`))
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(res.Result, &result))
	require.NotEmpty(t, result["peer"])
}

func TestWSEndToEndWithAuthGate(t *testing.T) {
	wsURL, _ := wsTestServer(t, WithRegistryAuthHandler(tokenAuth("abc")))

	conn := NewConn(NewWSTransport(wsURL), WithConnRequestTimeout(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Bookkeeping gets gated, so Connect resolves waiting on credentials.
	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)
	require.Equal(t, AuthStatusRequired, conn.State().AuthStatus)

	_, err := conn.SendRequest(ctx, "tools.call", nil)
	require.ErrorIs(t, err, ErrAuthRequired)

	err = conn.Authenticate(ctx, Credentials{AuthType: AuthTypeToken, Token: "bad"})
	require.ErrorIs(t, err, ErrAuthFailed)

	creds := Credentials{AuthType: AuthTypeToken, Token: "abc"}
	require.NoError(t, conn.Authenticate(ctx, creds))
	require.Equal(t, StatusConnected, conn.State().Status)
	require.Equal(t, "registry-test", conn.ServerInfo().Name)

	_, err = conn.SendRequest(ctx, "tools.call", json.RawMessage(`{}`))
	require.NoError(t, err)
}

func TestWSHandshakeToken(t *testing.T) {
	wsURL, _ := wsTestServer(t, WithRegistryAuthHandler(tokenAuth("abc")))

	// The handshake token authenticates the session up front, so no in-band
	// exchange is needed.
	transport := NewWSTransport(wsURL,
		WithWSCredentials(Credentials{AuthType: AuthTypeToken, Token: "abc"}))
	conn := NewConn(transport)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)
	require.Equal(t, StatusConnected, conn.State().Status)
}

func TestWSLargePayload(t *testing.T) {
	large := strings.Repeat("0123456789abcdef", 16<<10) // 256 KiB

	acceptor := NewWSAcceptor()
	registry := NewRegistry(func(_ context.Context, msg JSONRPCMessage, _ Peer) (json.RawMessage, error) {
		switch msg.Method {
		case MethodServerInfo:
			return json.Marshal(Info{Name: "blob-server", Version: "0.1"})
		case MethodServerCapabilities:
			return json.RawMessage(`{}`), nil
		default:
			// Echo the params back, forcing the envelope both ways.
			return msg.Params, nil
		}
	})
	go func() {
		_ = registry.Serve(context.Background(), acceptor)
	}()

	srv := httptest.NewServer(acceptor.HandleUpgrade())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := NewConn(NewWSTransport(wsURL))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)

	params, err := json.Marshal(map[string]string{"blob": large})
	require.NoError(t, err)

	res, err := conn.SendRequest(ctx, "blob.echo", params)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(res.Result, &decoded))
	require.Equal(t, large, decoded["blob"])
}

// requireEvent consumes events until one of the wanted type arrives.
func requireEvent[E TransportEvent](t *testing.T, events <-chan TransportEvent) E {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(E); ok {
				return e
			}
		case <-deadline:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestWSReconnectAfterUnexpectedLoss(t *testing.T) {
	wsURL, registry := wsTestServer(t)

	transport := NewWSTransport(wsURL, WithWSReconnectDelay(50*time.Millisecond))
	events, unsub := transport.Subscribe()
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, transport.Connect(ctx))
	defer transport.Disconnect(ctx)

	requireEvent[EventConnected](t, events)

	var peerID string
	require.Eventually(t, func() bool {
		peers := registry.Peers()
		if len(peers) != 1 {
			return false
		}
		peerID = peers[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Server-side termination is an unexpected loss from the client's view,
	// so the delayed reconnect attempt kicks in.
	registry.Disconnect(peerID)

	requireEvent[EventDisconnected](t, events)
	requireEvent[EventConnected](t, events)

	// The replacement connection registers with the registry again.
	require.Eventually(t, func() bool {
		peers := registry.Peers()
		return len(peers) == 1 && peers[0].ID != peerID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSDisconnectSuppressesReconnect(t *testing.T) {
	wsURL, _ := wsTestServer(t)

	transport := NewWSTransport(wsURL, WithWSReconnectDelay(50*time.Millisecond))
	events, unsub := transport.Subscribe()
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, transport.Connect(ctx))
	require.NoError(t, transport.Disconnect(ctx))

	// One Disconnected event, then silence: no reconnect fires.
	sawDisconnected := false
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			switch ev.(type) {
			case EventDisconnected:
				require.False(t, sawDisconnected, "duplicate Disconnected event")
				sawDisconnected = true
			case EventConnected:
				if sawDisconnected {
					t.Fatal("transport reconnected after explicit disconnect")
				}
			}
		case <-deadline:
			require.True(t, sawDisconnected)
			return
		}
	}
}
