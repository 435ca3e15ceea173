// Package api serves the gateway over HTTP. Session and grant management
// take the admin key; everything else takes a session bearer token.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oktsec/warden/internal/gateway"
)

// Version is reported by /health.
var Version = "dev"

// Server is the warden HTTP API server.
type Server struct {
	gw      *gateway.Gateway
	srv     *http.Server
	ln      net.Listener
	handler http.Handler
	logger  *slog.Logger
	port    int
}

// NewServer wires routes and middleware. Listen binds the socket.
func NewServer(gw *gateway.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{gw: gw, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if gw.Config().Telemetry.Metrics {
		mux.Handle("GET /metrics", gw.Metrics().Handler())
	}

	mux.HandleFunc("POST /v1/sessions", s.admin(s.handleCreateSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.admin(s.handleInvalidateSession))
	mux.HandleFunc("POST /v1/permissions", s.admin(s.handlePermission))
	mux.HandleFunc("GET /v1/audit/events", s.admin(s.handleAuditEvents))

	mux.HandleFunc("POST /v1/commands", s.bearer(s.handleCommand))
	mux.HandleFunc("POST /v1/edits", s.bearer(s.handleEdit))
	mux.HandleFunc("POST /v1/scan", s.bearer(s.handleScan))
	mux.HandleFunc("GET /v1/sandboxes", s.bearer(s.handleListSandboxes))
	mux.HandleFunc("POST /v1/sandboxes", s.bearer(s.handleCreateSandbox))
	mux.HandleFunc("GET /v1/sandboxes/{id}", s.bearer(s.handleSandboxStatus))
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", s.bearer(s.handleDestroySandbox))
	mux.HandleFunc("GET /v1/status", s.bearer(s.handleStatus))

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(logger)(h)
	h = recovery(logger)(h)
	h = requestID(h)
	if gw.Config().Telemetry.Tracing {
		h = otelhttp.NewHandler(h, "warden-api")
	}
	s.handler = h
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds the configured address, moving up to ten ports higher when
// the port is taken.
func (s *Server) Listen() error {
	cfg := s.gw.Config()
	bind := cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, port, err := listenAutoPort(bind, cfg.Server.Port, s.logger)
	if err != nil {
		return fmt.Errorf("binding port: %w", err)
	}
	s.ln, s.port = ln, port
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	if s.srv == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("warden api starting", "addr", s.ln.Addr().String())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("shutting down api")
	return s.srv.Shutdown(ctx)
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(port)))
	if err == nil {
		// Port 0 lets the OS choose.
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		try := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(try)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", try)
			return ln, try, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}
