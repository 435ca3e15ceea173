// Package mcp exposes the gateway as MCP tools over stdio. The server acts
// as one configured identity and opens a fresh session whenever the current
// one has expired or been invalidated.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/warden/internal/access"
	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/gateway"
)

// Version is reported in the MCP implementation info.
var Version = "dev"

// Server is the warden MCP tool server.
type Server struct {
	gw     *gateway.Gateway
	cfg    config.MCPConfig
	logger *slog.Logger
	srv    *mcp.Server

	mu sync.Mutex
	sc *access.SecurityContext
}

// NewServer registers the warden tools.
func NewServer(gw *gateway.Gateway, cfg config.MCPConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{gw: gw, cfg: cfg, logger: logger}
	s.srv = mcp.NewServer(&mcp.Implementation{
		Name:    "warden",
		Version: Version,
	}, &mcp.ServerOptions{
		Instructions: "Warden is a secure execution gateway. Every command and file edit " +
			"goes through access control, command policy and audit. Use execute_command " +
			"instead of a raw shell, edit_file for file changes, scan_code to check code " +
			"before writing it, and security_status to inspect the gateway.",
	})

	s.srv.AddTool(executeCommandTool(), s.handleExecuteCommand)
	s.srv.AddTool(editFileTool(), s.handleEditFile)
	s.srv.AddTool(scanCodeTool(), s.handleScanCode)
	s.srv.AddTool(securityStatusTool(), s.handleSecurityStatus)
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// session returns the live security context, renewing it when needed.
func (s *Server) session(ctx context.Context) (*access.SecurityContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sc != nil {
		if live, ok := s.gw.ValidateContext(s.sc.SessionID); ok {
			return live, nil
		}
		s.logger.Info("mcp session expired, renewing", "user", s.cfg.UserID)
	}
	d := s.cfg.SessionDuration
	if d <= 0 {
		d = s.gw.DefaultSessionDuration()
	}
	sc, err := s.gw.CreateSecurityContext(ctx, s.cfg.UserID, s.cfg.Role, s.cfg.AgentID, d)
	if err != nil {
		return nil, fmt.Errorf("opening mcp session: %w", err)
	}
	s.sc = sc
	return sc, nil
}
