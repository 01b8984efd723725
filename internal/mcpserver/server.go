// Package mcpserver exposes the wallet-guard HTTP API as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all wallet-guard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("wallet-guard", Version)
	h := NewHandlers(NewGuardClient(cfg))

	s.AddTool(ToolGetWhitelist, h.HandleGetWhitelist)
	s.AddTool(ToolAddTrustedSpender, h.HandleAddTrustedSpender)
	s.AddTool(ToolRemoveTrustedSpender, h.HandleRemoveTrustedSpender)
	s.AddTool(ToolScanAllowances, h.HandleScanAllowances)
	s.AddTool(ToolRecentRiskEvents, h.HandleRecentRiskEvents)
	s.AddTool(ToolWatchOwner, h.HandleWatchOwner)

	return s
}
