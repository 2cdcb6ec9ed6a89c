package builder

import (
	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/types"
)

// DIO builds records for the digital modules (DIO, DI, DO). Single bits
// become binary records, words (counters, PWM duty cycles) analog records.
func DIO(img Reader, point procimg.Point, req Request) (Spec, error) {
	raw, err := img.Value(point.Name)
	if err != nil {
		return Spec{}, err
	}

	spec := Spec{
		Direction: types.DirectionInput,
		Kind:      types.KindAnalog,
		Initial:   float64(raw),
		Options: record.Options{
			Fields:    req.Fields,
			DriveLow:  req.DriveLow,
			DriveHigh: req.DriveHigh,
		},
	}
	if point.Output {
		spec.Direction = types.DirectionOutput
	}

	binary := point.Width == 1
	switch {
	case binary && point.Output:
		spec.Kind = types.KindBinary
		spec.RecordKind = record.BinaryOut
	case binary:
		spec.Kind = types.KindBinary
		spec.RecordKind = record.BinaryIn
	case point.Output:
		spec.RecordKind = record.AnalogOut
	default:
		spec.RecordKind = record.AnalogIn
	}

	if binary {
		spec.Options.DriveLow, spec.Options.DriveHigh = nil, nil
		spec.Options.ZeroName = "Off"
		spec.Options.OneName = "On"
	}
	return spec, nil
}
