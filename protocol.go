package mcp

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Error codes carried in JSONRPCError.Code. The first five are the standard
// JSON-RPC 2.0 codes; the rest are runtime-specific codes outside the reserved
// range.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeAuthRequired     = -32001
	CodeAuthFailed       = -32002
	CodeTimeout          = -32003
	CodeConnectionClosed = -32004
)

// Sentinel errors mirroring the error-code taxonomy. Callers can match them
// with errors.Is.
var (
	// ErrTimeout is returned when a request deadline elapses with no response.
	ErrTimeout = errors.New("request timeout")
	// ErrConnectionClosed is returned when a pending request is invalidated by a disconnect.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned when a request is made before the connection is established.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRequired is returned when a non-auth request is attempted while authentication is required.
	ErrAuthRequired = errors.New("authentication required")
	// ErrAuthFailed is returned when an authentication attempt is rejected by the peer.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNotFound is returned when a connection id is unknown to the registry.
	ErrNotFound = errors.New("connection not found")
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodServerInfo is the bookkeeping method for fetching peer identity after connect.
	MethodServerInfo = "server.info"
	// MethodServerCapabilities is the bookkeeping method for fetching peer capabilities after connect.
	MethodServerCapabilities = "server.capabilities"
)

// Authentication schemes accepted in the authenticate control message.
const (
	AuthTypeToken  = "token"
	AuthTypeAPIKey = "apikey"
	AuthTypeBasic  = "basic"
	AuthTypeOAuth2 = "oauth2"
)

// Control message types. Control messages travel alongside JSON-RPC traffic,
// discriminated by their "type" field.
const (
	controlAuthenticate = "authenticate"
	controlAuthRequired = "auth_required"
	controlAuthSuccess  = "auth_success"
	controlAuthFailure  = "auth_failure"
	controlPing         = "ping"
	controlPong         = "pong"
)

type controlMessage struct {
	Type string `json:"type"`

	// For authenticate
	AuthType string `json:"auth_type,omitempty"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// For auth_required
	AuthTypes []string `json:"authTypes,omitempty"`

	// For auth_failure
	Message string `json:"message,omitempty"`
}

type wireKind int

const (
	wireControl wireKind = iota
	wireRequest
	wireResponse
	wireNotification
)

type wireMessage struct {
	kind wireKind
	ctl  controlMessage
	msg  JSONRPCMessage
}

// Compression envelope thresholds. A payload is wrapped only when its
// serialized size exceeds both the configured threshold and the absolute
// cutoff; smaller messages rely on channel-level compression negotiated at
// connect time.
const (
	defaultCompressThreshold = 1 << 10
	compressCutoff           = 100 << 10
)

type compressionEnvelope struct {
	Compressed bool   `json:"__compressed"`
	Data       string `json:"data"`
}

// compressPayload wraps data in the explicit compression envelope when it
// exceeds both threshold and the absolute cutoff, and returns it unchanged
// otherwise. A zero threshold selects the default.
func compressPayload(data []byte, threshold int) ([]byte, error) {
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	if len(data) <= threshold || len(data) <= compressCutoff {
		return data, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush deflate writer: %w", err)
	}

	return json.Marshal(compressionEnvelope{
		Compressed: true,
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// decompressPayload unwraps the compression envelope if data carries one, and
// returns data unchanged otherwise.
func decompressPayload(data []byte) ([]byte, error) {
	if !bytes.Contains(data, []byte(`"__compressed"`)) {
		return data, nil
	}

	var env compressionEnvelope
	if err := json.Unmarshal(data, &env); err != nil || !env.Compressed {
		// Not an envelope after all, treat it as a plain message.
		return data, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode compressed payload: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	decompressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return decompressed, nil
}

// decodeWireMessage unwraps the compression envelope if present and classifies
// the frame by shape: a "type" field marks a control message, an id plus a
// method marks a request, an id alone marks a response, and a method alone
// marks a notification.
func decodeWireMessage(data []byte) (wireMessage, error) {
	data, err := decompressPayload(data)
	if err != nil {
		return wireMessage{}, err
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return wireMessage{}, fmt.Errorf("failed to decode message: %w", err)
	}

	if probe.Type != "" {
		var ctl controlMessage
		if err := json.Unmarshal(data, &ctl); err != nil {
			return wireMessage{}, fmt.Errorf("failed to decode control message: %w", err)
		}
		return wireMessage{kind: wireControl, ctl: ctl}, nil
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wireMessage{}, fmt.Errorf("failed to decode message: %w", err)
	}

	switch {
	case msg.ID != "" && msg.Method != "":
		return wireMessage{kind: wireRequest, msg: msg}, nil
	case msg.ID != "":
		return wireMessage{kind: wireResponse, msg: msg}, nil
	case msg.Method != "":
		return wireMessage{kind: wireNotification, msg: msg}, nil
	default:
		return wireMessage{}, errors.New("message is neither control, request, response, nor notification")
	}
}

// encodeWireMessage marshals msg and applies the large-payload compression
// policy. A zero threshold selects the default.
func encodeWireMessage(msg JSONRPCMessage, threshold int) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return compressPayload(data, threshold)
}

func encodeControlMessage(ctl controlMessage) ([]byte, error) {
	data, err := json.Marshal(ctl)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal control message: %w", err)
	}
	return data, nil
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
