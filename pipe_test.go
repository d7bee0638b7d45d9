package mcp

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*PipeTransport, *PipeAcceptor) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	t.Cleanup(func() {
		clientWriter.Close()
		serverWriter.Close()
	})

	return NewPipeTransport(clientReader, clientWriter), NewPipeAcceptor(serverReader, serverWriter)
}

func TestPipeEndToEnd(t *testing.T) {
	transport, acceptor := pipePair(t)

	registry := NewRegistry(echoDispatcher)
	go func() {
		_ = registry.Serve(context.Background(), acceptor)
	}()

	conn := NewConn(transport)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)

	require.Equal(t, StatusConnected, conn.State().Status)
	require.Equal(t, "registry-test", conn.ServerInfo().Name)

	res, err := conn.SendRequest(ctx, "tools.call", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotNil(t, res.Result)

	_ = registry.Shutdown(ctx)
	_ = acceptor.Shutdown(ctx)
}

func TestPipeInBandAuth(t *testing.T) {
	transport, acceptor := pipePair(t)

	registry := NewRegistry(echoDispatcher, WithRegistryAuthHandler(tokenAuth("abc")))
	go func() {
		_ = registry.Serve(context.Background(), acceptor)
	}()

	conn := NewConn(transport, WithConnRequestTimeout(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)
	require.Equal(t, AuthStatusRequired, conn.State().AuthStatus)

	creds := Credentials{AuthType: AuthTypeToken, Token: "abc"}
	require.NoError(t, conn.Authenticate(ctx, creds))
	require.Equal(t, StatusConnected, conn.State().Status)

	_, err := conn.SendRequest(ctx, "tools.call", json.RawMessage(`{}`))
	require.NoError(t, err)

	_ = registry.Shutdown(ctx)
	_ = acceptor.Shutdown(ctx)
}
