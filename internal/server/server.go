// Package server implements §4.11's central orchestrator. Method routing
// is a switch over initialize, notifications/initialized, tools/list and
// tools/call, not a handler table; it is grounded on the teacher's
// ProxyService.Run/copyMessages loop, adapted from "forward bytes to an
// upstream process" to "dispatch in-process through the security
// pipeline".
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agileandy/mcp-secure-server/internal/audit"
	"github.com/agileandy/mcp-secure-server/internal/dispatcher"
	"github.com/agileandy/mcp-secure-server/internal/lifecycle"
	"github.com/agileandy/mcp-secure-server/internal/rpc"
	"github.com/agileandy/mcp-secure-server/internal/security"
	"github.com/google/uuid"
)

// ProtocolVersion is the single version string this server advertises,
// per §4.10.
const ProtocolVersion = "2025-11-25"

// Server wires Lifecycle, Dispatcher, and a SecurityEngine around the
// rpc codec, implementing the exact tools/call procedure from §4.11.
type Server struct {
	lifecycle  *lifecycle.Machine
	dispatcher *dispatcher.Dispatcher
	engine     *security.Engine
	logger     *slog.Logger
	timeout    time.Duration
	idFn       func() string

	clientInfo         json.RawMessage
	clientCapabilities json.RawMessage
}

// New creates a Server. timeout bounds plugin execution, per policy's
// tools.timeout_s.
func New(disp *dispatcher.Dispatcher, eng *security.Engine, timeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		lifecycle:  lifecycle.New(),
		dispatcher: disp,
		engine:     eng,
		logger:     logger,
		timeout:    timeout,
		idFn:       func() string { return uuid.NewString() },
	}
}

// Handle decodes one raw line into an rpc.Message, routes it, and returns
// the wire bytes to write back, or nil for a notification with no
// response. It is the
// adapter between transport.Handler's raw-bytes signature and the typed
// routing below.
func (s *Server) Handle(ctx context.Context, line []byte) []byte {
	msg, perr := rpc.DecodeMessage(line)
	if perr != nil {
		// An oversized line is rejected on length alone, before anything
		// touches its body — recovering the id would mean parsing the very
		// thing the cap exists to avoid parsing, so the client gets id:null.
		var id interface{}
		if !perr.Oversized {
			id, _ = rpc.ExtractRawID(line)
		}
		return rpc.EncodeError(id, perr.Code, rpc.SafeErrorMessage(perr.Code))
	}

	if !s.lifecycle.AcceptsMethod(msg.Method()) {
		if msg.IsNotification() {
			return nil
		}
		return rpc.EncodeError(msg.ID(), rpc.CodeInvalidRequest, "method not valid in current state")
	}

	switch msg.Method() {
	case "initialize":
		return s.handleInitialize(msg)
	case "notifications/initialized":
		s.lifecycle.CompleteInitialize()
		return nil
	case "tools/list":
		return s.handleToolsList(msg)
	case "tools/call":
		return s.handleToolsCall(ctx, msg)
	default:
		if msg.IsNotification() {
			return nil
		}
		return rpc.EncodeError(msg.ID(), rpc.CodeMethodNotFound, rpc.SafeErrorMessage(rpc.CodeMethodNotFound))
	}
}

func (s *Server) handleInitialize(msg *rpc.Message) []byte {
	params, err := msg.ParseParams()
	if err != nil {
		return rpc.EncodeError(msg.ID(), rpc.CodeInvalidParams, rpc.SafeErrorMessage(rpc.CodeInvalidParams))
	}
	if clientInfo, ok := params["clientInfo"]; ok {
		s.clientInfo, _ = json.Marshal(clientInfo)
	}
	if caps, ok := params["capabilities"]; ok {
		s.clientCapabilities, _ = json.Marshal(caps)
	}

	if err := s.lifecycle.BeginInitialize(); err != nil {
		return rpc.EncodeError(msg.ID(), rpc.CodeInvalidRequest, rpc.SafeErrorMessage(rpc.CodeInvalidRequest))
	}

	result := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": true},
		},
		"serverInfo": map[string]interface{}{
			"name":    "mcp-secure-server",
			"version": ProtocolVersion,
		},
	}
	return rpc.EncodeResult(msg.ID(), result)
}

func (s *Server) handleToolsList(msg *rpc.Message) []byte {
	tools := s.dispatcher.ListTools()
	return rpc.EncodeResult(msg.ID(), map[string]interface{}{"tools": tools})
}

func (s *Server) handleToolsCall(ctx context.Context, msg *rpc.Message) []byte {
	params, err := msg.ParseParams()
	if err != nil {
		return rpc.EncodeError(msg.ID(), rpc.CodeInvalidParams, rpc.SafeErrorMessage(rpc.CodeInvalidParams))
	}
	tool, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	// 2. Look up schema. Missing -> protocol error invalid_params.
	schema, ok := s.dispatcher.Schema(tool)
	if !ok {
		return rpc.EncodeError(msg.ID(), rpc.CodeInvalidParams, fmt.Sprintf("unknown tool %s", tool))
	}

	requestID := s.idFn()
	start := time.Now()
	// Brackets any DNS pin the firewall took while validating this call's
	// arguments, win or lose, so pinned hostnames don't accumulate forever.
	defer s.engine.ReleaseRequest(requestID)

	// 3. Rate check.
	if res := s.engine.CheckRate(tool); !res.Allowed {
		return rpc.EncodeResult(msg.ID(), dispatcher.TextResult("Rate limit exceeded", true))
	}

	// 4. Input validation + sanitization.
	cleaned, verr := s.engine.CheckInput(ctx, tool, schema, args, requestID)
	if verr != nil {
		return rpc.EncodeResult(msg.ID(), dispatcher.TextResult("Input validation failed", true))
	}

	// 5. Record the accepted request.
	s.engine.OnRequest(requestID, tool, cleaned)

	// 6. Execute inside the policy timeout.
	result, status := s.executeWithTimeout(ctx, tool, cleaned, requestID)

	// 7. Record the outcome.
	duration := time.Since(start)
	s.engine.OnResponse(requestID, status, duration.Milliseconds())

	return rpc.EncodeResult(msg.ID(), result)
}

func (s *Server) executeWithTimeout(ctx context.Context, tool string, args map[string]interface{}, requestID string) (dispatcher.ToolResult, audit.Status) {
	callCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type outcome struct {
		result dispatcher.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.dispatcher.Call(callCtx, tool, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			s.engine.OnSecurityEvent("plugin_error", map[string]interface{}{"tool": tool, "request_id": requestID, "error": o.err.Error()})
			return o.result, audit.StatusError
		}
		status := audit.StatusSuccess
		if o.result.IsError {
			status = audit.StatusError
		}
		return o.result, status
	case <-callCtx.Done():
		s.engine.OnSecurityEvent("timeout", map[string]interface{}{"tool": tool, "request_id": requestID})
		return dispatcher.TextResult("timeout", true), audit.StatusError
	}
}
