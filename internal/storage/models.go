package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/google/uuid"
)

type StoredBinding struct {
	ID        uuid.UUID `json:"id"`
	IOName    string    `json:"io_name"`
	PVName    string    `json:"pv_name"`
	DriveLow  *float64  `json:"drvl,omitempty"`
	DriveHigh *float64  `json:"drvh,omitempty"`
	Fields    []byte    `json:"fields"` // JSONB
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewStoredBinding(def types.BindingDefinition) (StoredBinding, error) {
	fields := def.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return StoredBinding{}, fmt.Errorf("failed to marshal fields: %w", err)
	}

	return StoredBinding{
		ID:        uuid.New(),
		IOName:    def.IOName,
		PVName:    def.PVName,
		DriveLow:  def.DriveLow,
		DriveHigh: def.DriveHigh,
		Fields:    raw,
	}, nil
}

func (s StoredBinding) Definition() (types.BindingDefinition, error) {
	def := types.BindingDefinition{
		IOName:    s.IOName,
		PVName:    s.PVName,
		DriveLow:  s.DriveLow,
		DriveHigh: s.DriveHigh,
	}
	if len(s.Fields) > 0 {
		if err := json.Unmarshal(s.Fields, &def.Fields); err != nil {
			return def, fmt.Errorf("failed to unmarshal fields of %s: %w", s.IOName, err)
		}
		if len(def.Fields) == 0 {
			def.Fields = nil
		}
	}
	return def, nil
}
