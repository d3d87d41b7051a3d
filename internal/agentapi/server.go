// Package agentapi is the OpenAI-compatible bridge in front of the tool
// server. Chat completions run a tool-calling agent: the model streams over
// the chat endpoint while its tool calls execute in the caller's container
// via MCP. Sessions, the system prompt cache, and the per-user agent
// runtimes all live here.
package agentapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/agentapi/agent"
	"github.com/runbox/runbox/internal/agentapi/session"
	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
)

const (
	// serviceName reported by the health endpoint.
	serviceName = "agent-api"

	serviceTitle       = "Code Execution Agent API"
	serviceVersion     = "0.1.0"
	serviceDescription = "OpenAI-compatible API for code execution agents"

	// readHeaderTimeout bounds header reads only. Read and write timeouts
	// stay unset: chat streams outlive any fixed limit, and an expired
	// read deadline cancels the request context mid-stream.
	readHeaderTimeout = 30 * time.Second
)

// Server is the agent bridge HTTP server.
type Server struct {
	cfg      config.AgentAPIConfig
	runner   *agent.Runner
	runtimes *agent.RuntimeCache
	sessions *session.Store
	bus      bus.EventBus

	router     *gin.Engine
	httpServer *http.Server
	httpClient *http.Client

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *logger.Logger
}

// New creates the bridge server. Nothing listens until Start.
func New(cfg config.AgentAPIConfig, runner *agent.Runner, runtimes *agent.RuntimeCache,
	sessions *session.Store, eventBus bus.EventBus, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		runner:     runner,
		runtimes:   runtimes,
		sessions:   sessions,
		bus:        eventBus,
		httpClient: &http.Client{},
		stopCh:     make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "agentapi")),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.RequestLogger(log, "runbox-agentapi"))
	s.router.Use(httpmw.OtelTracing("runbox-agentapi"))
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/", s.rootHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/v1/models", s.listModelsHandler)
	s.router.POST("/v1/chat/completions", s.chatCompletionsHandler)
	s.router.GET("/artifacts/:user_id", s.listArtifactsHandler)
	s.router.GET("/artifacts/:user_id/:artifact_id", s.downloadArtifactHandler)
}

// Start begins serving and returns once the listener is accepting. The
// session cleanup loop runs until Stop.
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

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go s.sessionCleanupLoop()

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("Agent API listening",
			zap.String("addr", addr),
			zap.String("mcp_server", s.cfg.MCPServerURL),
			zap.String("default_model", s.cfg.DefaultModel))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Agent API server error", zap.Error(err))
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

// Stop gracefully shuts down the server and tears down the cached MCP
// sessions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	s.stopOnce.Do(func() { close(s.stopCh) })

	s.logger.Info("Shutting down Agent API",
		zap.Int("active_sessions", s.sessions.ActiveCount()),
		zap.Int("active_runtimes", s.runtimes.ActiveCount()))

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if err := s.runtimes.Close(); err != nil {
		s.logger.Warn("failed to close MCP sessions", zap.Error(err))
	}
	return nil
}

// sessionCleanupLoop expires idle sessions on a session-timeout cadence.
func (s *Server) sessionCleanupLoop() {
	ticker := time.NewTicker(s.cfg.SessionTimeoutDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sessions.CleanupExpired()
		case <-s.stopCh:
			return
		}
	}
}

// publish emits a bridge event, detached from any request context so a
// finished stream cannot cancel it.
func (s *Server) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, events.SourceAgentBridge, data)
	if err := s.bus.Publish(context.Background(), eventType, evt); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
