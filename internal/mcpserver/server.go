package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all spendgate tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("spendgate", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolRequestSpend, h.HandleRequestSpend)
	s.AddTool(ToolGetApprovalStatus, h.HandleGetApprovalStatus)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
