// Package rpc implements §4.8's JSON-RPC 2.0 codec: decoding one
// line into a Request or reporting a ParseError, and encoding responses
// back to wire bytes. It is adapted from the teacher's pkg/mcp
// message.go/codec.go, trimmed of everything that depended on this
// server having sessions, API keys, or framework context — a local,
// single-client MCP server has none of those.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Canonical JSON-RPC 2.0 error codes, per §4.8.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MaxMessageBytes is §4.8's size cap on one line before parsing is even
// attempted.
const MaxMessageBytes = 1024 * 1024

// ParseError reports why a line could not become a Request, tagged with
// the JSON-RPC code the caller should respond with.
type ParseError struct {
	Code    int
	Message string

	// Oversized marks the one rejection reason where the line was never
	// parsed at all: it exceeded MaxMessageBytes before a single byte of
	// it was unmarshaled. Callers must not attempt to recover an id from
	// the raw line in this case — the whole point of the cap is to avoid
	// touching the body.
	Oversized bool
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rpc: %s (code %d)", e.Message, e.Code)
}

// Message wraps a decoded JSON-RPC request with server-local metadata,
// mirroring the shape (not the auth/session fields) of the teacher's
// mcp.Message.
type Message struct {
	Raw       []byte
	Decoded   *jsonrpc.Request
	Timestamp time.Time
}

// Method returns the request's method name, or "" if Decoded is nil.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	return m.Decoded.Method
}

// IsToolCall reports whether this message is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// IsNotification reports whether this message is a JSON-RPC notification
// (no id, so the client expects no response).
func (m *Message) IsNotification() bool {
	return m.Decoded != nil && !m.Decoded.IsCall()
}

// ID returns the request's raw JSON-RPC id, suitable for echoing back in a
// response. Returns nil for notifications.
func (m *Message) ID() interface{} {
	if m.Decoded == nil || !m.Decoded.IsCall() {
		return nil
	}
	return m.Decoded.ID.Raw()
}

// ParseParams unmarshals the request's params into a generic map. Returns
// an empty, non-nil map if params is absent, so callers never need a nil
// check before indexing.
func (m *Message) ParseParams() (map[string]interface{}, error) {
	if m.Decoded == nil || len(m.Decoded.Params) == 0 {
		return map[string]interface{}{}, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(m.Decoded.Params, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}
