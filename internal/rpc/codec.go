package rpc

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// DecodeMessage parses one line of input into a Message, enforcing §4.8's
// size cap and structural checks (object, jsonrpc=="2.0", method present)
// ahead of the SDK decode so malformed input maps to the right canonical
// code rather than whatever the SDK happens to return.
func DecodeMessage(line []byte) (*Message, *ParseError) {
	if len(line) > MaxMessageBytes {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: "message exceeds size limit", Oversized: true}
	}

	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, &ParseError{Code: CodeParseError, Message: "malformed JSON"}
	}
	if probe.JSONRPC != "2.0" {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: "jsonrpc version must be \"2.0\""}
	}
	var method string
	if err := json.Unmarshal(probe.Method, &method); err != nil || method == "" {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: "method must be a non-empty string"}
	}

	decoded, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: "malformed JSON-RPC request"}
	}
	req, ok := decoded.(*jsonrpc.Request)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: "expected a request, got a response"}
	}
	if req.IsCall() && !req.ID.IsValid() {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: "id must be a string, integer, or null"}
	}

	return &Message{Raw: line, Decoded: req, Timestamp: time.Now()}, nil
}

// ExtractRawID best-effort parses the "id" field out of a line that failed
// full decoding, so an error response can still echo the client's id where
// the JSON-RPC spec recommends it. Returns nil, false if the id cannot be
// determined at all (e.g. the line isn't even a JSON object).
func ExtractRawID(line []byte) (interface{}, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.ID == nil {
		return nil, false
	}
	var id interface{}
	if err := json.Unmarshal(probe.ID, &id); err != nil {
		return nil, false
	}
	return id, true
}

// EncodeResult builds a successful JSON-RPC 2.0 response. Hand-built via a
// plain map, grounded on the teacher's CreateJSONRPCError pattern, since no
// example demonstrates an SDK-provided response-construction API — only
// request/notification decoding and raw message encoding.
func EncodeResult(id interface{}, result interface{}) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	b, _ := json.Marshal(resp)
	return b
}

// EncodeError builds a JSON-RPC 2.0 error response using one of the
// canonical codes. id may be nil for request-level parse failures that
// occur before an id can be extracted.
func EncodeError(id interface{}, code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

// SafeErrorMessage maps a JSON-RPC error code to a short, generic client-safe
// string, grounded on the teacher's SafeErrorMessage — internal causes
// (stack traces, paths, policy internals) must never reach the client.
func SafeErrorMessage(code int) string {
	switch code {
	case CodeParseError:
		return "Parse error"
	case CodeInvalidRequest:
		return "Invalid request"
	case CodeMethodNotFound:
		return "Method not found"
	case CodeInvalidParams:
		return "Invalid params"
	default:
		return "Internal error"
	}
}
