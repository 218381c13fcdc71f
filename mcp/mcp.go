package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

type MCPServer struct {
	Server *server.MCPServer
}

// NewMCPServer builds a stdio MCP server exposing the lighting tools of ctrl.
func NewMCPServer(version string, ctrl Controller) *MCPServer {
	s := &MCPServer{Server: server.NewMCPServer("dmxlink", version, server.WithToolCapabilities(false))}
	registerTools(s.Server, &tools{ctrl: ctrl})
	return s
}

// Run serves over stdin/stdout until the input is closed.
func (s *MCPServer) Run() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
