package rest

import (
	"errors"
	"net/http"

	"github.com/XavSPM/RevpiEpics/internal/bridge"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/bridge/status
func (s *Server) getBridgeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Bridge().Status())
}

// POST /api/v1/bridge/start
func (s *Server) startBridge(c *gin.Context) {
	if err := s.lm.Bridge().Start(); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, bridge.ErrAlreadyRunning), errors.Is(err, bridge.ErrNotInitialized):
			status = http.StatusConflict
		}
		c.JSON(status, types.NewErrorFrom(types.CodeBridgeStart, "Failed to start bridge", err))
		return
	}

	s.logger.Info("Bridge started via API", zap.String("subject", c.GetString("subject")))
	c.JSON(http.StatusOK, s.lm.Bridge().Status())
}

// POST /api/v1/bridge/stop
func (s *Server) stopBridge(c *gin.Context) {
	b := s.lm.Bridge()
	if b.State() != bridge.StateRunning {
		c.JSON(http.StatusConflict, types.NewErrorFrom(types.CodeBridgeStop, "Failed to stop bridge", bridge.ErrNotRunning))
		return
	}

	if err := b.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorFrom(types.CodeBridgeStop, "Failed to stop bridge", err))
		return
	}

	s.logger.Info("Bridge stopped via API", zap.String("subject", c.GetString("subject")))
	c.JSON(http.StatusOK, b.Status())
}

// GET /api/v1/points
func (s *Server) listPoints(c *gin.Context) {
	points := s.lm.Bridge().Points()
	c.JSON(http.StatusOK, gin.H{
		"points": points,
		"count":  len(points),
	})
}

// GET /api/v1/tasks
func (s *Server) listTasks(c *gin.Context) {
	names := s.lm.Bridge().Tasks()
	c.JSON(http.StatusOK, gin.H{
		"tasks": names,
		"count": len(names),
	})
}
