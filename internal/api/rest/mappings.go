package rest

import (
	"errors"
	"net/http"

	"github.com/XavSPM/RevpiEpics/internal/bridge"
	"github.com/XavSPM/RevpiEpics/internal/builder"
	"github.com/XavSPM/RevpiEpics/internal/mapping"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/mappings
func (s *Server) listMappings(c *gin.Context) {
	mappings := s.lm.Bridge().Mappings()
	c.JSON(http.StatusOK, gin.H{
		"mappings": mappings,
		"count":    len(mappings),
	})
}

// GET /api/v1/mappings/:io
func (s *Server) getMapping(c *gin.Context) {
	info, ok := s.lm.Bridge().Mapping(c.Param("io"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeMappingNotFound, "Mapping not found", c.Param("io")))
		return
	}
	c.JSON(http.StatusOK, info)
}

// POST /api/v1/mappings
func (s *Server) createMapping(c *gin.Context) {
	var def types.BindingDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorFrom(types.CodeMappingInvalid, "Invalid request body", err))
		return
	}

	if err := s.lm.Validator().ValidateDefinition(def); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorFrom(types.CodeMappingInvalid, "Invalid binding", err))
		return
	}

	b := s.lm.Bridge()
	_, err := b.Bind(def.IOName, bridge.BindOptions{
		PVName:    def.PVName,
		DriveLow:  def.DriveLow,
		DriveHigh: def.DriveHigh,
		Fields:    def.Fields,
	})
	if err != nil {
		c.JSON(bindStatus(err), types.NewErrorFrom(types.CodeMappingBind, "Failed to bind I/O point", err))
		return
	}

	if store := s.lm.Storage(); store != nil {
		if err := store.SaveBinding(c.Request.Context(), def); err != nil {
			b.Unbind(def.IOName)
			s.logger.Error("Failed to persist binding", zap.String("io", def.IOName), zap.Error(err))
			c.JSON(http.StatusInternalServerError, types.NewErrorFrom(types.CodeMappingPersistence, "Failed to persist binding", err))
			return
		}
	}

	info, _ := b.Mapping(def.IOName)
	c.JSON(http.StatusCreated, info)
}

// DELETE /api/v1/mappings/:io
func (s *Server) deleteMapping(c *gin.Context) {
	ioName := c.Param("io")

	if !s.lm.Bridge().Unbind(ioName) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeMappingNotFound, "Mapping not found", ioName))
		return
	}

	if store := s.lm.Storage(); store != nil {
		if err := store.DeleteBinding(c.Request.Context(), ioName); err != nil {
			s.logger.Warn("Failed to delete stored binding", zap.String("io", ioName), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "mapping removed", "io_name": ioName})
}

func bindStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrUnknownPoint):
		return http.StatusNotFound
	case errors.Is(err, mapping.ErrIONameTaken), errors.Is(err, mapping.ErrPVNameTaken),
		errors.Is(err, bridge.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNoBuilder), errors.Is(err, builder.ErrUnsupportedOffset),
		errors.Is(err, builder.ErrOutputDisabled), errors.Is(err, builder.ErrMissingParameter):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
