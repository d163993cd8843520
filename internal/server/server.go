// Package server provides the HTTP REST API for the deep-research
// supervisor: session start/stop plus the WebSocket event stream.
package server

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/msagent/deepresearch/internal/common/config"
	"github.com/msagent/deepresearch/internal/common/httpmw"
	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/gateway/websocket"
	"github.com/msagent/deepresearch/internal/worker/llmconf"
	"github.com/msagent/deepresearch/internal/worker/manager"
)

// Server is the HTTP API server for the supervisor.
type Server struct {
	cfg    *config.Config
	mgr    *manager.Manager
	ws     *websocket.Handler
	logger *logger.Logger
	router *gin.Engine
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, mgr *manager.Manager, ws *websocket.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		ws:     ws,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "deepresearch"))
	s.router.Use(httpmw.OtelTracing("deepresearch"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.ws.HandleConnection)

	api := s.router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions/:id/start", s.handleStartSession)
		api.POST("/sessions/:id/stop", s.handleStopSession)
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// StartSessionRequest is the body for POST /sessions/:id/start.
type StartSessionRequest struct {
	Query string `json:"query" binding:"required"`

	// Optional overrides; when absent the server's configured credentials
	// and role blocks are used.
	EnvVars            map[string]string           `json:"env_vars,omitempty"`
	LLMConfig          *llmconf.LLMConfig          `json:"llm_config,omitempty"`
	DeepResearchConfig *llmconf.DeepResearchConfig `json:"deep_research_config,omitempty"`
}

// SessionResponse is the generic session operation payload.
type SessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleStartSession(c *gin.Context) {
	sessionID := c.Param("id")

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SessionResponse{
			Success: false,
			Error:   "invalid request: " + err.Error(),
		})
		return
	}

	llmCfg := req.LLMConfig
	if llmCfg == nil && !s.cfg.LLM.IsZero() {
		cfgCopy := s.cfg.LLM
		llmCfg = &cfgCopy
	}
	drCfg := req.DeepResearchConfig
	if drCfg == nil {
		rolesCopy := s.cfg.Roles
		drCfg = &rolesCopy
	}

	err := s.mgr.Start(c.Request.Context(), manager.StartRequest{
		SessionID:          sessionID,
		Query:              req.Query,
		ConfigPath:         s.cfg.Worker.ConfigPath,
		OutputDir:          filepath.Join(s.cfg.Worker.OutputBaseDir, sessionID),
		EnvVars:            req.EnvVars,
		LLMConfig:          llmCfg,
		DeepResearchConfig: drCfg,
	})
	if err != nil {
		s.logger.Error("failed to start session",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, SessionResponse{
			Success:   false,
			SessionID: sessionID,
			Error:     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		Success:   true,
		SessionID: sessionID,
		Message:   "worker started",
	})
}

func (s *Server) handleStopSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := s.mgr.Stop(c.Request.Context(), sessionID); err != nil {
		s.logger.Error("failed to stop session",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, SessionResponse{
			Success:   false,
			SessionID: sessionID,
			Error:     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		Success:   true,
		SessionID: sessionID,
		Message:   "worker stopped",
	})
}

// ListSessionsResponse enumerates sessions with a live worker.
type ListSessionsResponse struct {
	Sessions []string `json:"sessions"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.mgr.Sessions()
	if sessions == nil {
		sessions = []string{}
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: sessions})
}
