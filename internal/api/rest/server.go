package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/api/websocket"
	"github.com/XavSPM/RevpiEpics/internal/auth"
	"github.com/XavSPM/RevpiEpics/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
	tokens *auth.TokenService
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, tokens *auth.TokenService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
		tokens: tokens,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	viewer := s.tokens.Middleware(auth.RoleViewer)
	operator := s.tokens.Middleware(auth.RoleOperator)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== SYSTEM ====================
		v1.GET("/system/status", viewer, s.getSystemStatus)

		// ==================== BRIDGE ====================
		bridgeGroup := v1.Group("/bridge")
		{
			bridgeGroup.GET("/status", viewer, s.getBridgeStatus)
			bridgeGroup.POST("/start", operator, s.startBridge)
			bridgeGroup.POST("/stop", operator, s.stopBridge)
		}

		// ==================== IMAGE ====================
		v1.GET("/points", viewer, s.listPoints)

		// ==================== MAPPINGS ====================
		mappings := v1.Group("/mappings")
		{
			mappings.GET("", viewer, s.listMappings)
			mappings.GET("/:io", viewer, s.getMapping)
			mappings.POST("", operator, s.createMapping)
			mappings.DELETE("/:io", operator, s.deleteMapping)
		}

		// ==================== PROCESS VARIABLES ====================
		pvs := v1.Group("/pvs")
		{
			pvs.GET("", viewer, s.listPVs)
			pvs.GET("/:name", viewer, s.getPV)
			pvs.PUT("/:name", operator, s.putPV)
		}

		// ==================== TASKS ====================
		v1.GET("/tasks", viewer, s.listTasks)

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", viewer, s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"bridge":    s.lm.Bridge().State(),
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}
