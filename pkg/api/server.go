// Package api exposes the HTTP and WebSocket surface: execution control,
// sandbox status and the live event stream.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeworks/forgeloop/pkg/events"
	"github.com/forgeworks/forgeloop/pkg/gateway"
	"github.com/forgeworks/forgeloop/pkg/orchestrator"
	"github.com/forgeworks/forgeloop/pkg/sandbox"
	"github.com/forgeworks/forgeloop/pkg/session"
	"github.com/forgeworks/forgeloop/pkg/version"
)

// SandboxService is the sandbox surface the HTTP layer reads from.
type SandboxService interface {
	Status() sandbox.Status
	Metrics() sandbox.Metrics
	HealthCheck(ctx context.Context) sandbox.Health
}

// Server wires the HTTP handlers to the process-wide services.
type Server struct {
	orch        *orchestrator.Orchestrator
	sandboxes   SandboxService
	gw          *gateway.Gateway
	sessions    *session.Store
	publisher   *events.Publisher
	connManager *events.ConnectionManager
}

// NewServer creates the API server.
func NewServer(orch *orchestrator.Orchestrator, sandboxes SandboxService, gw *gateway.Gateway, sessions *session.Store, publisher *events.Publisher, connManager *events.ConnectionManager) *Server {
	return &Server{
		orch:        orch,
		sandboxes:   sandboxes,
		gw:          gw,
		sessions:    sessions,
		publisher:   publisher,
		connManager: connManager,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.Health)
	router.GET("/ws", s.HandleWebSocket)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/executions", s.StartExecution)
		v1.GET("/executions/:sessionID/status", s.GetExecutionStatus)
		v1.GET("/executions/:sessionID/details", s.GetExecutionDetails)
		v1.POST("/executions/:sessionID/stop", s.StopExecution)

		v1.GET("/sandbox/status", s.GetSandboxStatus)
		v1.GET("/gateway/stats", s.GetGatewayStats)
		v1.GET("/sessions", s.ListSessions)
		v1.GET("/sessions/:sessionID", s.GetSession)
		v1.DELETE("/sessions/:sessionID", s.DeleteSession)
	}
	return router
}

// StartExecutionRequest is the body for POST /api/v1/executions.
type StartExecutionRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	Prompt     string `json:"prompt" binding:"required"`
	Complexity string `json:"complexity"`
}

// StartExecution launches the build workflow for a session.
func (s *Server) StartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agents := NewAgentSet(s.gw, req.SessionID, gateway.Complexity(req.Complexity))
	_, err := s.orch.Start(req.SessionID, req.Prompt, agents, orchestrator.Options{})
	if err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": req.SessionID,
		"channel":    events.SessionChannel(req.SessionID),
	})
}

// GetExecutionStatus returns the compact execution projection.
func (s *Server) GetExecutionStatus(c *gin.Context) {
	status, err := s.orch.Status(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetExecutionDetails returns the full execution projection.
func (s *Server) GetExecutionDetails(c *gin.Context) {
	details, err := s.orch.Details(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, details)
}

// StopExecutionRequest is the body for POST .../stop.
type StopExecutionRequest struct {
	Reason string `json:"reason"`
}

// StopExecution cleanly cancels a running execution.
func (s *Server) StopExecution(c *gin.Context) {
	var req StopExecutionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_requested"
	}

	result, err := s.orch.Stop(c.Request.Context(), c.Param("sessionID"), req.Reason)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSandboxStatus reports the container pool.
func (s *Server) GetSandboxStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":    s.sandboxes.Status(),
		"metrics": s.sandboxes.Metrics(),
	})
}

// GetGatewayStats reports the invocation queue counters.
func (s *Server) GetGatewayStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.QueueStats())
}

// ListSessions returns the live conversational sessions.
func (s *Server) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

// GetSession returns one session's conversation state.
func (s *Server) GetSession(c *gin.Context) {
	sess, ok := s.sessions.Get(c.Param("sessionID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession releases everything held for a session: its execution, its
// sandbox, its conversation history and its event backlog.
func (s *Server) DeleteSession(c *gin.Context) {
	id := c.Param("sessionID")
	s.orch.Cleanup(c.Request.Context(), id)
	s.sessions.Delete(id)
	if s.publisher != nil {
		s.publisher.DropChannel(events.SessionChannel(id))
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// Health reports process and engine health.
func (s *Server) Health(c *gin.Context) {
	engine := s.sandboxes.HealthCheck(c.Request.Context())

	status := http.StatusOK
	overall := "healthy"
	if !engine.Healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":      overall,
		"version":     version.Version,
		"engine":      engine,
		"executions":  s.orch.Active(),
		"connections": s.connManager.ActiveConnections(),
	})
}
