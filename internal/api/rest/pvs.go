package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/gin-gonic/gin"
)

type pvView struct {
	Name     string          `json:"name"`
	Kind     record.Kind     `json:"kind"`
	Value    float64         `json:"value"`
	Label    string          `json:"label,omitempty"`
	Severity record.Severity `json:"severity"`
	Updated  time.Time       `json:"updated"`
}

func newPVView(r *record.SoftRecord) pvView {
	label, severity := r.Alarm()
	return pvView{
		Name:     r.Name(),
		Kind:     r.Kind(),
		Value:    r.Get(),
		Label:    label,
		Severity: severity,
		Updated:  r.Updated(),
	}
}

// GET /api/v1/pvs
func (s *Server) listPVs(c *gin.Context) {
	records := s.lm.Records().Records()
	views := make([]pvView, 0, len(records))
	for _, r := range records {
		views = append(views, newPVView(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"pvs":   views,
		"count": len(views),
	})
}

// GET /api/v1/pvs/:name
func (s *Server) getPV(c *gin.Context) {
	name := c.Param("name")
	rec, ok := s.softRecord(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodePVNotFound, "PV not found", name))
		return
	}
	c.JSON(http.StatusOK, newPVView(rec))
}

// PUT /api/v1/pvs/:name
func (s *Server) putPV(c *gin.Context) {
	var req struct {
		Value *float64 `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorFrom(types.CodePVInvalid, "Invalid request body", err))
		return
	}

	name := c.Param("name")
	if err := s.lm.Records().Put(name, *req.Value); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, record.ErrUnknownRecord):
			status = http.StatusNotFound
		case errors.Is(err, record.ErrReadOnly):
			status = http.StatusForbidden
		}
		c.JSON(status, types.NewErrorFrom(types.CodePVWrite, "Failed to write PV", err))
		return
	}

	rec, ok := s.softRecord(name)
	if !ok {
		// unbound between the write and the lookup
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, newPVView(rec))
}

func (s *Server) softRecord(name string) (*record.SoftRecord, bool) {
	rec, ok := s.lm.Records().Record(name)
	if !ok {
		return nil, false
	}
	sr, ok := rec.(*record.SoftRecord)
	return sr, ok
}
