package mcp

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireMessageRoundTrip(t *testing.T) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString("req-1"),
		Method:  "tools.call",
		Params:  json.RawMessage(`{"name":"search","args":{"q":"weather","limit":3}}`),
	}

	data, err := encodeWireMessage(msg, 0)
	require.NoError(t, err)

	wm, err := decodeWireMessage(data)
	require.NoError(t, err)
	require.Equal(t, wireRequest, wm.kind)
	require.Equal(t, msg.ID, wm.msg.ID)
	require.Equal(t, msg.Method, wm.msg.Method)
	require.JSONEq(t, string(msg.Params), string(wm.msg.Params))
}

func TestNumericIDUnmarshalsAsString(t *testing.T) {
	var msg JSONRPCMessage
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`), &msg)
	require.NoError(t, err)
	require.Equal(t, MustString("42"), msg.ID)
}

func TestCompressionEnvelopeRoundTrip(t *testing.T) {
	large := strings.Repeat("abcdefgh", 32<<10) // 256 KiB
	params, err := json.Marshal(map[string]string{"blob": large})
	require.NoError(t, err)

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString("big-1"),
		Method:  "blob.store",
		Params:  params,
	}

	data, err := encodeWireMessage(msg, 1<<10)
	require.NoError(t, err)
	require.Contains(t, string(data), `"__compressed"`)
	require.Less(t, len(data), len(params))

	wm, err := decodeWireMessage(data)
	require.NoError(t, err)
	require.Equal(t, wireRequest, wm.kind)
	require.Equal(t, msg.ID, wm.msg.ID)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(wm.msg.Params, &decoded))
	require.Equal(t, large, decoded["blob"])
}

func TestSmallPayloadSkipsEnvelope(t *testing.T) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString("small-1"),
		Method:  "tools.list",
	}

	data, err := encodeWireMessage(msg, 1<<10)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"__compressed"`)
}

func TestDecodeWireMessageClassification(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind wireKind
	}{
		{
			name: "control",
			data: `{"type":"ping"}`,
			kind: wireControl,
		},
		{
			name: "request",
			data: `{"jsonrpc":"2.0","id":"1","method":"tools.call","params":{}}`,
			kind: wireRequest,
		},
		{
			name: "response",
			data: `{"jsonrpc":"2.0","id":"1","result":{}}`,
			kind: wireResponse,
		},
		{
			name: "error response",
			data: `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"nope"}}`,
			kind: wireResponse,
		},
		{
			name: "notification",
			data: `{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`,
			kind: wireNotification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wm, err := decodeWireMessage([]byte(tt.data))
			require.NoError(t, err)
			require.Equal(t, tt.kind, wm.kind)
		})
	}
}

func TestDecodeWireMessageRejectsMalformed(t *testing.T) {
	_, err := decodeWireMessage([]byte(`{not json`))
	require.Error(t, err)

	_, err = decodeWireMessage([]byte(`{"jsonrpc":"2.0"}`))
	require.Error(t, err)
}

func TestAuthControlMessageWireFormat(t *testing.T) {
	data, err := encodeControlMessage(controlMessage{
		Type:     controlAuthenticate,
		AuthType: AuthTypeToken,
		Token:    "abc",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"authenticate","auth_type":"token","token":"abc"}`, string(data))

	data, err = encodeControlMessage(controlMessage{
		Type:      controlAuthRequired,
		AuthTypes: []string{AuthTypeToken, AuthTypeBasic},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"auth_required","authTypes":["token","basic"]}`, string(data))
}
