package pvsync

import (
	"errors"
	"math"

	"github.com/XavSPM/RevpiEpics/internal/mapping"
	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/types"
)

func (e *Engine) syncEntry(entry *mapping.Entry) error {
	switch entry.Direction() {
	case types.DirectionOutput:
		return e.syncOutput(entry)
	case types.DirectionInput:
		return e.syncInput(entry)
	default:
		return nil
	}
}

// syncOutput applies a pending PV write to the point. Without a pending
// write the hardware is authoritative and the PV is updated without being
// processed, so the update does not come back as a write.
func (e *Engine) syncOutput(entry *mapping.Entry) error {
	if value, ok := entry.TakePending(); ok {
		target := int64(math.Round(value))

		current, err := e.image.Value(entry.IOName)
		if err != nil {
			entry.Rearm(value)
			return err
		}
		if target != current {
			if err := e.image.SetValue(entry.IOName, target); err != nil {
				// A value the point cannot hold is dropped; feedback restores
				// the PV on the next cycle.
				if !errors.Is(err, procimg.ErrOutOfRange) {
					entry.Rearm(value)
				}
				return err
			}
		}
		entry.SetLastHardware(target)
		return nil
	}

	hw, err := e.image.Value(entry.IOName)
	if err != nil {
		return err
	}
	if int64(math.Round(entry.Record.Get())) != hw {
		if err := entry.Record.Set(float64(hw), false); err != nil {
			return err
		}
		entry.SetLastPV(float64(hw))
	}
	return nil
}

func (e *Engine) syncInput(entry *mapping.Entry) error {
	hw, err := e.image.Value(entry.IOName)
	if err != nil {
		return err
	}
	if last, ok := entry.LastHardware(); ok && last == hw {
		return nil
	}

	value := coerce(entry.Kind(), hw)
	if entry.Record.Get() != value {
		if err := entry.Record.Set(value, true); err != nil {
			return err
		}
		entry.SetLastPV(value)
	}
	entry.SetLastHardware(hw)
	return nil
}

func coerce(kind types.Kind, raw int64) float64 {
	switch kind {
	case types.KindStatus:
		return float64(types.StatusOrdinal(raw))
	case types.KindBinary:
		if raw != 0 {
			return 1
		}
		return 0
	default:
		return float64(raw)
	}
}
