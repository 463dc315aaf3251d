// Command mcp-secure-server runs the local-only MCP security server.
package main

import (
	"github.com/agileandy/mcp-secure-server/cmd/mcp-secure-server/cmd"
)

func main() {
	cmd.Execute()
}
