package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agileandy/mcp-secure-server/internal/audit"
	"github.com/agileandy/mcp-secure-server/internal/dispatcher"
	"github.com/agileandy/mcp-secure-server/internal/plugin/echo"
	"github.com/agileandy/mcp-secure-server/internal/ratelimit"
	"github.com/agileandy/mcp-secure-server/internal/security"
	"github.com/agileandy/mcp-secure-server/internal/validation"
)

type passValidator struct{}

func (passValidator) CheckInput(ctx context.Context, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *validation.Error) {
	return args, nil
}

type denyValidator struct{}

func (denyValidator) CheckInput(ctx context.Context, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *validation.Error) {
	return nil, &validation.Error{Message: "denied"}
}

type fixedLimiter struct {
	result ratelimit.Result
}

func (f fixedLimiter) Check(tool string) ratelimit.Result { return f.result }
func (f fixedLimiter) Close() error                       { return nil }

type recordingAudit struct {
	requests []string
	events   []string
}

func (r *recordingAudit) LogRequest(requestID, tool string, arguments map[string]interface{}) {
	r.requests = append(r.requests, requestID+":"+tool)
}
func (r *recordingAudit) LogResponse(requestID string, status audit.Status, durationMs int64) {}
func (r *recordingAudit) LogSecurityEvent(eventType string, detail map[string]interface{}) {
	r.events = append(r.events, eventType)
}
func (r *recordingAudit) Stats() audit.Stats { return audit.Stats{} }
func (r *recordingAudit) Close() error       { return nil }

func newTestServer(t *testing.T, validator interface {
	CheckInput(ctx context.Context, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *validation.Error)
}, limiterResult ratelimit.Result) (*Server, *recordingAudit) {
	t.Helper()
	disp := dispatcher.New()
	disp.Register(echo.Definition(), echo.New())

	a := &recordingAudit{}
	eng := security.Open(security.Deps{
		Validator: validator,
		Limiter:   fixedLimiter{result: limiterResult},
		AuditLog:  a,
	})

	return New(disp, eng, time.Second, nil), a
}

func initializeAndReady(t *testing.T, s *Server) {
	t.Helper()
	initReq := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"t"},"capabilities":{}}}`)
	resp := s.Handle(context.Background(), initReq)
	if resp == nil {
		t.Fatal("expected non-nil initialize response")
	}
	notif := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if r := s.Handle(context.Background(), notif); r != nil {
		t.Fatalf("expected nil response to notification, got %s", r)
	}
}

func TestInitializeHandshakeAdvertisesVersion(t *testing.T) {
	s, _ := newTestServer(t, passValidator{}, ratelimit.Result{Allowed: true})
	resp := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"t","version":"1"},"capabilities":{}}}`))

	var decoded map[string]interface{}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result := decoded["result"].(map[string]interface{})
	if result["protocolVersion"] != ProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	caps := result["capabilities"].(map[string]interface{})
	tools := caps["tools"].(map[string]interface{})
	if tools["listChanged"] != true {
		t.Error("expected tools.listChanged true")
	}
}

func TestToolsListBeforeInitializedIsRejected(t *testing.T) {
	s, _ := newTestServer(t, passValidator{}, ratelimit.Result{Allowed: true})
	s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","capabilities":{}}}`))

	resp := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	var decoded map[string]interface{}
	json.Unmarshal(resp, &decoded)
	errObj, ok := decoded["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error response, got %s", resp)
	}
	if int(errObj["code"].(float64)) != -32600 {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestUnknownToolReturnsInvalidParams(t *testing.T) {
	s, _ := newTestServer(t, passValidator{}, ratelimit.Result{Allowed: true})
	initializeAndReady(t, s)

	resp := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope","arguments":{}}}`))
	var decoded map[string]interface{}
	json.Unmarshal(resp, &decoded)
	errObj, ok := decoded["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error response, got %s", resp)
	}
	if int(errObj["code"].(float64)) != -32602 {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestToolsCallSuccessReturnsResultNotJSONRPCError(t *testing.T) {
	s, a := newTestServer(t, passValidator{}, ratelimit.Result{Allowed: true})
	initializeAndReady(t, s)

	resp := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`))
	var decoded map[string]interface{}
	json.Unmarshal(resp, &decoded)
	if _, hasErr := decoded["error"]; hasErr {
		t.Fatalf("expected no JSON-RPC error, got %s", resp)
	}
	result := decoded["result"].(map[string]interface{})
	if result["isError"] == true {
		t.Errorf("expected isError false, got %v", result)
	}
	if len(a.requests) != 1 {
		t.Errorf("expected 1 audit request record, got %v", a.requests)
	}
}

func TestToolsCallRateLimitedReturnsToolResultNotJSONRPCError(t *testing.T) {
	s, a := newTestServer(t, passValidator{}, ratelimit.Result{Allowed: false, RetryAfter: time.Second})
	initializeAndReady(t, s)

	resp := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`))
	var decoded map[string]interface{}
	json.Unmarshal(resp, &decoded)
	if _, hasErr := decoded["error"]; hasErr {
		t.Fatalf("rate limit must be a tool result, not a JSON-RPC error: %s", resp)
	}
	result := decoded["result"].(map[string]interface{})
	if result["isError"] != true {
		t.Errorf("expected isError true, got %v", result)
	}
	if len(a.events) != 1 || a.events[0] != "rate_limit_exceeded" {
		t.Errorf("events = %v", a.events)
	}
	if len(a.requests) != 0 {
		t.Errorf("expected no request record when rate limited, got %v", a.requests)
	}
}

func TestToolsCallValidationFailureReturnsToolResult(t *testing.T) {
	s, _ := newTestServer(t, denyValidator{}, ratelimit.Result{Allowed: true})
	initializeAndReady(t, s)

	resp := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`))
	var decoded map[string]interface{}
	json.Unmarshal(resp, &decoded)
	if _, hasErr := decoded["error"]; hasErr {
		t.Fatalf("validation failure must be a tool result, not a JSON-RPC error: %s", resp)
	}
	result := decoded["result"].(map[string]interface{})
	if result["isError"] != true {
		t.Errorf("expected isError true, got %v", result)
	}
}

func TestOversizedMessageRejectedWithNullID(t *testing.T) {
	s, a := newTestServer(t, passValidator{}, ratelimit.Result{Allowed: true})
	big := make([]byte, 1500000)
	for i := range big {
		big[i] = 'a'
	}
	line := append([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"pad":"`), big...)
	line = append(line, []byte(`"}}`)...)

	resp := s.Handle(context.Background(), line)
	var decoded map[string]interface{}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["id"] != nil {
		t.Errorf("expected null id, got %v", decoded["id"])
	}
	errObj := decoded["error"].(map[string]interface{})
	if int(errObj["code"].(float64)) != -32600 {
		t.Errorf("code = %v", errObj["code"])
	}
	if len(a.requests) != 0 {
		t.Error("expected no audit request record for a rejected oversized message")
	}
}
