package mcpserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/runbox/runbox/internal/common/errors"
)

// healthPingTimeout bounds the Docker connectivity probe on /health.
const healthPingTimeout = 2 * time.Second

// skillSummary is the list-endpoint projection of a skill, without body or
// dependency details.
type skillSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/skills", s.listSkillsHandler)
	s.router.GET("/skills/:id", s.getSkillHandler)
	s.router.POST("/skills/reload", s.reloadSkillsHandler)

	// MCP transports share the port with the REST surface.
	s.router.GET("/sse", gin.WrapH(s.sseServer.SSEHandler()))
	s.router.POST("/message", gin.WrapH(s.sseServer.MessageHandler()))
	s.router.Any("/mcp", gin.WrapH(s.streamServer))

	// Artifact routes are rooted at /{user_id}/..., which gin's routing tree
	// cannot host next to the static routes above. NoRoute picks them up.
	s.router.NoRoute(s.artifactFallback)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	initialized := s.manager.Ping(ctx) == nil
	status := "healthy"
	if !initialized {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             status,
		"service":            serviceName,
		"client_initialized": initialized,
	})
}

func (s *Server) listSkillsHandler(c *gin.Context) {
	skills := s.registry.List()
	summaries := make([]skillSummary, 0, len(skills))
	for _, sk := range skills {
		summaries = append(summaries, skillSummary{
			ID:          sk.ID,
			Name:        sk.Name,
			Description: sk.Description,
			Version:     sk.Version,
		})
	}
	c.JSON(http.StatusOK, gin.H{"skills": summaries, "count": len(summaries)})
}

func (s *Server) getSkillHandler(c *gin.Context) {
	skill, err := s.registry.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, skill)
}

func (s *Server) reloadSkillsHandler(c *gin.Context) {
	if err := s.registry.Reload(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"skills_loaded": len(s.registry.List())})
}

// artifactFallback serves GET /{user_id}/artifacts and
// GET /{user_id}/artifacts/{name} for paths the router did not match.
func (s *Server) artifactFallback(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		parts := strings.Split(strings.Trim(c.Request.URL.Path, "/"), "/")
		switch {
		case len(parts) == 2 && parts[0] != "" && parts[1] == "artifacts":
			s.listArtifacts(c, parts[0])
			return
		case len(parts) >= 3 && parts[0] != "" && parts[1] == "artifacts":
			// Join the remainder so traversal attempts like ../etc/passwd
			// reach name validation and fail with 400, not a bare 404.
			s.getArtifact(c, parts[0], strings.Join(parts[2:], "/"))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func (s *Server) listArtifacts(c *gin.Context, userID string) {
	names, err := s.engine.ListArtifacts(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": names, "count": len(names)})
}

func (s *Server) getArtifact(c *gin.Context, userID, name string) {
	data, err := s.engine.GetArtifact(c.Request.Context(), userID, name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"artifact_id": name,
		"data":        base64.StdEncoding.EncodeToString(data),
		"encoding":    "base64",
	})
}

func respondError(c *gin.Context, err error) {
	if appErr := apperrors.AsAppError(err); appErr != nil {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
