// Command echo demonstrates the connection runtime end to end: it serves a
// WebSocket acceptor backed by a Registry with a token auth gate, then
// connects a Conn to it, authenticates and calls an echo method.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http/httptest"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/mcp-wire"
)

const authToken = "secret-token"

func dispatch(_ context.Context, msg mcp.JSONRPCMessage, peer mcp.Peer) (json.RawMessage, error) {
	switch msg.Method {
	case mcp.MethodServerInfo:
		return json.Marshal(mcp.Info{Name: "echo-server", Version: "1.0"})
	case mcp.MethodServerCapabilities:
		return json.Marshal(map[string]any{"echo": true})
	case "echo.say":
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		return json.Marshal(map[string]string{
			"echo": params.Text,
			"from": peer.ID,
		})
	default:
		return nil, mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: msg.Method}
	}
}

func verify(_ context.Context, creds mcp.Credentials) error {
	if creds.Token != authToken {
		return errors.New("unknown token")
	}
	return nil
}

func main() {
	acceptor := mcp.NewWSAcceptor()
	registry := mcp.NewRegistry(dispatch,
		mcp.WithRegistryAuthHandler(verify),
		mcp.WithRegistryOnDisconnect(func(id, reason string) {
			log.Printf("connection %s removed: %s", id, reason)
		}),
	)
	go func() {
		if err := registry.Serve(context.Background(), acceptor); err != nil {
			log.Printf("registry stopped: %v", err)
		}
	}()

	srv := httptest.NewServer(acceptor.HandleUpgrade())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := mcp.NewConn(mcp.NewWSTransport(wsURL))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}

	if conn.State().AuthStatus == mcp.AuthStatusRequired {
		creds := mcp.Credentials{AuthType: mcp.AuthTypeToken, Token: authToken}
		if err := conn.Authenticate(ctx, creds); err != nil {
			log.Fatalf("authenticate: %v", err)
		}
	}

	fmt.Printf("connected to %s %s\n", conn.ServerInfo().Name, conn.ServerInfo().Version)

	params, _ := json.Marshal(map[string]string{"text": "hello"})
	res, err := conn.SendRequest(ctx, "echo.say", params)
	if err != nil {
		log.Fatalf("echo.say: %v", err)
	}
	fmt.Printf("result: %s\n", res.Result)

	if err := conn.Disconnect(ctx); err != nil {
		log.Fatalf("disconnect: %v", err)
	}
	if err := acceptor.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	_ = registry.Shutdown(ctx)
}
