package interfaces

import (
	"context"

	"github.com/XavSPM/RevpiEpics/internal/bindings"
	"github.com/XavSPM/RevpiEpics/internal/bridge"
	"github.com/XavSPM/RevpiEpics/internal/config"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State         string        `json:"state"`
	Bridge        bridge.Status `json:"bridge"`
	Records       int           `json:"records"`
	Publishers    int           `json:"publishers"`
	Persistence   bool          `json:"persistence"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

type LifecycleManager interface {
	Config() *config.Config
	Bridge() *bridge.Bridge
	Records() *record.SoftIOC
	// Storage is nil when the database is disabled.
	Storage() *storage.PostgresClient
	Validator() *bindings.Validator
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
