package agentapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/agentapi/agent"
	"github.com/runbox/runbox/internal/common/appctx"
	"github.com/runbox/runbox/internal/events"
)

const (
	// healthProbeTimeout bounds the tool server health check.
	healthProbeTimeout = 5 * time.Second
	// runtimeDialTimeout bounds building a user's MCP session.
	runtimeDialTimeout = 10 * time.Second
	// artifactListTimeout and artifactFetchTimeout bound the proxied
	// artifact calls; fetches move base64 payloads and get longer.
	artifactListTimeout  = 10 * time.Second
	artifactFetchTimeout = 30 * time.Second
)

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

// errorBody is the OpenAI-style error envelope used by all bridge
// endpoints.
func errorBody(message string) gin.H {
	return gin.H{"error": gin.H{"message": message}}
}

// chatCompletionsHandler serves POST /v1/chat/completions, streaming only.
// The latest user message joins the server-side session history; history
// sent by the client is ignored, the bridge owns the transcript.
func (s *Server) chatCompletionsHandler(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	if !req.Stream {
		c.JSON(http.StatusBadRequest, errorBody("Only streaming responses are supported. Set stream=true"))
		return
	}
	if req.Model == "" {
		c.JSON(http.StatusBadRequest, errorBody("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("No messages provided"))
		return
	}

	userID := req.User
	if userID == "" {
		userID = "user-" + hexID(8)
	}
	log := s.logger.WithUserID(userID)
	log.Info("Chat completion request", zap.String("model", req.Model))

	sessionID, created := s.sessions.Ensure(c.Request.Context(), userID, s.cfg.AgentName)
	if created {
		log.Debug("Started session", zap.String("session_id", sessionID))
	}

	// The MCP session is cached past this request, so the dial is detached
	// from the request context and bounded by the dial timeout instead.
	dialCtx, cancel := appctx.Detached(s.stopCh, runtimeDialTimeout)
	rt, err := s.runtimes.Get(dialCtx, userID)
	cancel()
	if err != nil {
		log.Error("Failed to build agent runtime", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("failed to connect to tool server: "+err.Error()))
		return
	}

	userMsg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Messages[len(req.Messages)-1].Content,
	}
	history := s.sessions.HistorySnapshot(userID)
	transcript := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	transcript = append(transcript, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: rt.SystemPrompt,
	})
	transcript = append(transcript, history...)
	transcript = append(transcript, userMsg)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sw, err := newStreamWriter(c.Writer, req.Model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	appended, runErr := s.runner.Run(c.Request.Context(), rt, transcript, sw.WriteEvent)
	if runErr != nil {
		log.Error("Chat turn failed", zap.Error(runErr))
		// Best effort: the client may already be gone.
		_ = sw.WriteEvent(agent.Event{Type: agent.EventError, Err: runErr})
		return
	}
	if err := sw.WriteEvent(agent.Event{Type: agent.EventDone}); err != nil {
		log.Debug("Failed to write stop frame", zap.Error(err))
		return
	}

	// A failed turn leaves no trace in history: a dangling assistant
	// tool-call message without its results would poison the next turn.
	s.sessions.AppendHistory(userID, append([]openai.ChatCompletionMessage{userMsg}, appended...)...)
	s.publish(events.ChatCompleted, map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"model":      req.Model,
		"messages":   len(appended),
	})
	log.Info("Chat completion finished", zap.String("session_id", sessionID))
}

// listModelsHandler serves GET /v1/models: the single configured model.
func (s *Server) listModelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, modelList{
		Object: "list",
		Data: []modelInfo{{
			ID:      s.cfg.DefaultModel,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: s.cfg.ModelOwner(),
		}},
	})
}

// healthHandler reports bridge health plus tool server connectivity. The
// bridge keeps serving on the fallback prompt when degraded, so the status
// is always 200.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	connected := s.probeMCPHealth(ctx)
	status := "healthy"
	if !connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               status,
		"service":              serviceName,
		"mcp_server_connected": connected,
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) probeMCPHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.MCPHealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("MCP server health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// rootHandler serves GET /: service info and the endpoint map.
func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        serviceTitle,
		"version":     serviceVersion,
		"description": serviceDescription,
		"endpoints": gin.H{
			"health": "/health",
			"models": "/v1/models",
			"chat":   "/v1/chat/completions",
		},
		"mcp_server":    s.cfg.MCPServerURL,
		"default_model": s.cfg.DefaultModel,
	})
}

// artifactBaseURL derives the tool server's HTTP base from the configured
// health endpoint.
func (s *Server) artifactBaseURL() string {
	return strings.TrimSuffix(s.cfg.MCPHealthURL, "/health")
}

// listArtifactsHandler proxies GET /artifacts/:user_id to the tool server.
func (s *Server) listArtifactsHandler(c *gin.Context) {
	userID := c.Param("user_id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), artifactListTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/artifacts", s.artifactBaseURL(), userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("Failed to list artifacts: "+err.Error()))
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Failed to list artifacts",
			zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("Failed to list artifacts: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.JSON(http.StatusInternalServerError,
			errorBody(fmt.Sprintf("Failed to list artifacts: tool server returned %d", resp.StatusCode)))
		return
	}

	var payload struct {
		Artifacts []string `json:"artifacts"`
		Count     int      `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("Failed to list artifacts: "+err.Error()))
		return
	}
	if payload.Artifacts == nil {
		payload.Artifacts = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": payload.Artifacts, "count": payload.Count})
}

// downloadArtifactHandler proxies GET /artifacts/:user_id/:artifact_id and
// returns the decoded bytes as a download.
func (s *Server) downloadArtifactHandler(c *gin.Context) {
	userID := c.Param("user_id")
	artifactID := c.Param("artifact_id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), artifactFetchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/artifacts/%s", s.artifactBaseURL(), userID, artifactID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("Failed to download artifact"))
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Failed to download artifact",
			zap.String("user_id", userID),
			zap.String("artifact_id", artifactID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("Failed to download artifact"))
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.JSON(http.StatusNotFound, errorBody("Artifact not found: "+artifactID))
		return
	case http.StatusBadRequest:
		c.JSON(http.StatusBadRequest, errorBody(upstreamError(resp, "invalid artifact request")))
		return
	default:
		c.JSON(http.StatusInternalServerError, errorBody("Failed to download artifact"))
		return
	}

	var payload struct {
		ArtifactID string `json:"artifact_id"`
		Data       string `json:"data"`
		Encoding   string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("Failed to download artifact"))
		return
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("Failed to download artifact"))
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifactID))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// upstreamError extracts the tool server's error message, falling back to
// the given default.
func upstreamError(resp *http.Response, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fallback
}
