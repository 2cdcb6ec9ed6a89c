package system

import (
	"fmt"

	"github.com/XavSPM/RevpiEpics/internal/config"
	"github.com/XavSPM/RevpiEpics/internal/modbus"
	"github.com/XavSPM/RevpiEpics/internal/procimg"
)

// openImage builds the process image from the layout file and the
// configured backend.
func openImage(cfg config.ImageConfig) (*procimg.Image, error) {
	layout, err := procimg.LoadLayout(cfg.LayoutFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load layout: %w", err)
	}

	var backend procimg.Backend
	switch cfg.Driver {
	case "modbus":
		client := modbus.NewClient(cfg.Modbus.Address, cfg.Modbus.Timeout)
		backend = procimg.NewModbusBackend(client, cfg.Modbus.UnitID, cfg.Modbus.RegisterBase, cfg.Modbus.Timeout)
	case "memory", "":
		backend = procimg.NewMemoryBackend(0)
	default:
		return nil, fmt.Errorf("unknown image driver %q", cfg.Driver)
	}

	img, err := procimg.New(layout, backend)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	return img, nil
}
