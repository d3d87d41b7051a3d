// Package mcpserver exposes the executor tool surface over MCP together with
// plain HTTP side-endpoints for health, skills, and artifact retrieval.
//
// Two MCP transports share one port:
//   - SSE transport (/sse + /message) for clients like Claude Desktop
//   - Streamable HTTP transport (/mcp) for clients like Codex
//
// Every tool call is routed to a per-user container; the user id arrives in
// the x-user-id header and is threaded through the request context.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/executor"
	"github.com/runbox/runbox/internal/skills"
)

// serviceName reported by the health endpoint.
const serviceName = "mcp-code-executor"

// userIDHeader carries the caller identity on every MCP and artifact request.
const userIDHeader = "x-user-id"

// Server wires the MCP transports and the side-endpoints into one HTTP server.
type Server struct {
	cfg      config.ServerConfig
	engine   *executor.Engine
	manager  *executor.Manager
	registry *skills.Registry

	mcpServer    *server.MCPServer
	sseServer    *server.SSEServer
	streamServer *server.StreamableHTTPServer
	httpServer   *http.Server
	router       *gin.Engine

	mu      sync.Mutex
	running bool
	logger  *logger.Logger
}

// New creates the tool and prompt server. Nothing listens until Start.
func New(cfg config.ServerConfig, engine *executor.Engine, manager *executor.Manager, registry *skills.Registry, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		manager:  manager,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "mcp-server")),
	}

	s.mcpServer = server.NewMCPServer(
		"code-executor",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
	)
	s.registerTools()
	s.registerPrompts()

	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithSSEContextFunc(userContextFunc),
	)
	s.streamServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(userContextFunc),
	)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.RequestLogger(log, "runbox"))
	s.router.Use(httpmw.OtelTracing("runbox"))
	s.registerRoutes()

	return s
}

// userContextFunc seeds the request context with the caller identity from the
// x-user-id header. Tool handlers read it back; a request without the header
// fails at the handler, not here, so the MCP handshake itself stays open.
func userContextFunc(ctx context.Context, r *http.Request) context.Context {
	if userID := r.Header.Get(userIDHeader); userID != "" {
		ctx = context.WithValue(ctx, logger.UserIDKey, userID)
	}
	return ctx
}

// userIDFromContext returns the caller identity set by userContextFunc.
func userIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(logger.UserIDKey).(string)
	if !ok || userID == "" {
		return "", apperrors.MissingUserContext()
	}
	return userID, nil
}

// Start begins serving and returns once the listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Header-only read timeout and no write timeout: SSE and streamable
	// responses outlive any fixed limit, and an expired read deadline
	// cancels their request contexts mid-stream.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeoutDuration(),
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.String("addr", addr),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the HTTP server and both MCP transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamServer != nil {
		if err := s.streamServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// wrapHandler adds debug logging around a tool handler. The log carries the
// caller identity when the transport context func has seeded it.
func (s *Server) wrapHandler(toolName string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		log := s.logger.WithContext(ctx)
		log.Debug("MCP tool call", zap.String("tool", toolName))

		result, err := handler(ctx, req)

		switch {
		case err != nil:
			log.Debug("MCP tool error", zap.String("tool", toolName), zap.Error(err))
		case result != nil && result.IsError:
			log.Debug("MCP tool returned error",
				zap.String("tool", toolName),
				zap.Any("result", result.Content))
		default:
			log.Debug("MCP tool success", zap.String("tool", toolName))
		}
		return result, err
	}
}
