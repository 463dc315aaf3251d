// Package echo implements the reference "echo" tool named in §1: a
// minimal plugin that exercises the full security pipeline (schema
// validation, rate limiting, audit logging) without any domain logic of
// its own, the way concrete tools are explicitly out of scope beyond this
// one reference implementation.
package echo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agileandy/mcp-secure-server/internal/dispatcher"
)

// Name is the tool name registered with the Dispatcher.
const Name = "echo"

// Schema is echo's JSON-Schema input contract: a single required string
// field, message.
var Schema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"message": {"type": "string"}
	},
	"required": ["message"]
}`)

// Definition returns echo's ToolDefinition for registration.
func Definition() dispatcher.ToolDefinition {
	return dispatcher.ToolDefinition{
		Name:        Name,
		Description: "Echoes the message argument back unchanged.",
		InputSchema: Schema,
	}
}

// Plugin implements dispatcher.Plugin for the echo tool.
type Plugin struct{}

// New creates an echo Plugin.
func New() *Plugin {
	return &Plugin{}
}

// Execute returns the message argument as the tool's text content. It
// never errors on its own; a missing/non-string message indicates a
// schema-validation gap upstream, reported generically rather than as a
// panic.
func (p *Plugin) Execute(ctx context.Context, tool string, args map[string]interface{}) (dispatcher.ToolResult, error) {
	message, ok := args["message"].(string)
	if !ok {
		return dispatcher.TextResult(fmt.Sprintf("Tool '%s' execution failed", tool), true), nil
	}
	return dispatcher.TextResult(message, false), nil
}
