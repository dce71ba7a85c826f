// Package toolproto speaks the remote agent runtime's streaming tool
// protocol: newline-delimited JSON-RPC 2.0 frames over a byte stream, with
// an initialize handshake that negotiates the protocol version, tools/call
// requests carrying the capability token, and cooperative cancellation via
// notifications/cancelled.
package toolproto

import (
	"encoding/json"
)

const jsonrpcVersion = "2.0"

// Methods defined by the protocol.
const (
	MethodInitialize = "initialize"
	MethodToolsCall  = "tools/call"
	MethodCancelled  = "notifications/cancelled"
)

// SupportedVersions lists the protocol versions this client offers, newest
// first. The server picks one.
var SupportedVersions = []string{"1.1", "1.0"}

// Error codes used by the runtime beyond the JSON-RPC reserved range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000 // transient server-side failure
	CodeUnauthorized   = -32001 // capability token rejected
	CodeDenied         = -32002 // tool not allowed for this plan
)

// request is an outbound JSON-RPC frame. Notifications omit the id.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC frame.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"` // set on server notifications
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// InitializeParams is the client's opening offer.
type InitializeParams struct {
	ProtocolVersions []string   `json:"protocol_versions"`
	Client           ClientInfo `json:"client"`
}

// ClientInfo identifies the connecting orchestrator.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's pick.
type InitializeResult struct {
	ProtocolVersion string `json:"protocol_version"`
	Server          string `json:"server,omitempty"`
}

// CallParams invokes one tool. The capability token authorizes exactly
// this invocation window.
type CallParams struct {
	Tool            string         `json:"tool"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	CapabilityToken string         `json:"capability_token"`
	RunID           string         `json:"run_id"`
	Step            string         `json:"step"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
}

// CallResult is a tool invocation outcome.
type CallResult struct {
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// cancelParams is the notifications/cancelled payload.
type cancelParams struct {
	RequestID int64  `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}
