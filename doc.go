// Package mcp implements the connection runtime for the MCP protocol: the
// JSON-RPC message envelope, a transport abstraction with duplex-socket
// (WebSocket), split request/stream (HTTP+SSE) and pipe (newline-delimited
// reader/writer) realizations, an
// initiator-side connection manager with request/response correlation, and an
// acceptor-side connection registry that multiplexes many peer connections
// onto an external dispatcher.
//
// The package does not define what RPC methods exist or mean; it defines how
// requests get an answer, how liveness and authentication are tracked, and how
// failures propagate.
package mcp
