package builder

import (
	"fmt"

	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/types"
)

// Offsets inside an AIO module.
var (
	aioAnalogInputs       = []int{0, 2, 4, 6}
	aioAnalogInputStatus  = []int{8, 9, 10, 11}
	aioTemperatureInputs  = []int{12, 14}
	aioTemperatureStatus  = []int{16, 17}
	aioAnalogOutputStatus = []int{18, 19}
	aioAnalogOutputs      = []int{20, 22}
)

// outputParams are the module offsets of range, multiplier, divisor and
// offset of each analog output channel.
var outputParams = map[int][4]int{
	20: {69, 73, 75, 77},
	22: {79, 83, 85, 87},
}

var (
	inputStatusStates = []record.State{
		{Label: "OK", Severity: record.NoAlarm},
		{Label: "Below the range", Severity: record.Major},
		{Label: "Above the range", Severity: record.Major},
	}
	temperatureStatusStates = []record.State{
		{Label: "OK", Severity: record.NoAlarm},
		{Label: "T<-200°C / short circuit", Severity: record.Major},
		{Label: "T>850°C / not connected", Severity: record.Major},
	}
	outputStatusStates = []record.State{
		{Label: "OK", Severity: record.NoAlarm},
		{Label: "Temperature error", Severity: record.Major},
		{Label: "Open load", Severity: record.Major},
		{Label: "Internal error", Severity: record.Major},
		{Label: "Range error", Severity: record.Major},
		{Label: "Internal purposes", Severity: record.Major},
		{Label: "Supply voltage < 10.2V", Severity: record.Major},
		{Label: "Supply voltage > 28.8V", Severity: record.Major},
		{Label: "Connection timeout", Severity: record.Major},
	}
)

// AIO builds records for the analog input/output module.
func AIO(img Reader, point procimg.Point, req Request) (Spec, error) {
	raw, err := img.Value(point.Name)
	if err != nil {
		return Spec{}, err
	}

	opts := record.Options{Fields: req.Fields}

	switch {
	case contains(aioAnalogInputs, point.Offset), contains(aioTemperatureInputs, point.Offset):
		return analogIn(raw, opts), nil

	case contains(aioAnalogInputStatus, point.Offset):
		return status(raw, inputStatusStates, opts), nil

	case contains(aioTemperatureStatus, point.Offset):
		return status(raw, temperatureStatusStates, opts), nil

	case contains(aioAnalogOutputStatus, point.Offset):
		return status(raw, outputStatusStates, opts), nil

	case contains(aioAnalogOutputs, point.Offset):
		low, high, err := outputLimits(img, point)
		if err != nil {
			return Spec{}, fmt.Errorf("%s: %w", point.Name, err)
		}
		if req.DriveLow != nil {
			low = *req.DriveLow
		}
		if req.DriveHigh != nil {
			high = *req.DriveHigh
		}
		opts.DriveLow = &low
		opts.DriveHigh = &high

		return Spec{
			Direction:  types.DirectionOutput,
			Kind:       types.KindAnalog,
			RecordKind: record.AnalogOut,
			Initial:    float64(raw),
			Options:    opts,
		}, nil
	}

	return Spec{}, fmt.Errorf("%w: %s at AIO offset %d", ErrUnsupportedOffset, point.Name, point.Offset)
}

// outputLimits computes the engineering limits of an analog output from the
// channel configuration held in the module's image area.
func outputLimits(img Reader, point procimg.Point) (float64, float64, error) {
	params, ok := outputParams[point.Offset]
	if !ok {
		return 0, 0, fmt.Errorf("%w: no parameters for offset %d", ErrMissingParameter, point.Offset)
	}

	var v [4]int64
	for i, off := range params {
		p, ok := img.PointAt(point.ModuleOffset + off)
		if !ok {
			return 0, 0, fmt.Errorf("%w: module offset %d", ErrMissingParameter, off)
		}
		val, err := img.Value(p.Name)
		if err != nil {
			return 0, 0, err
		}
		v[i] = val
	}
	rangeCode, multiplier, divisor, offset := v[0], v[1], v[2], v[3]

	rangeMin, rangeMax, ok := OutputRange(rangeCode)
	if !ok {
		return 0, 0, fmt.Errorf("%w: range code %d", ErrOutputDisabled, rangeCode)
	}
	if divisor == 0 {
		return 0, 0, fmt.Errorf("%w: divisor is zero", ErrMissingParameter)
	}

	return EngineeringLimit(rangeMin, multiplier, divisor, offset),
		EngineeringLimit(rangeMax, multiplier, divisor, offset), nil
}

// EngineeringLimit converts a raw range bound: ((raw * multiplier) / divisor) + offset.
func EngineeringLimit(raw, multiplier, divisor, offset int64) float64 {
	return float64(raw*multiplier)/float64(divisor) + float64(offset)
}

// OutputRange returns the raw limits of an AIO output range code, in mV for
// voltage and µA for current ranges. Code 0 (off) and unknown codes report
// false.
func OutputRange(code int64) (int64, int64, bool) {
	switch code {
	case 1:
		return 0, 5000, true
	case 2:
		return 0, 10000, true
	case 3:
		return -5000, 5000, true
	case 4:
		return -10000, 10000, true
	case 5:
		return 0, 5500, true
	case 6:
		return 0, 11000, true
	case 7:
		return -5500, 5500, true
	case 8:
		return -11000, 11000, true
	case 9:
		return 4000, 20000, true
	case 10:
		return 0, 20000, true
	case 11:
		return 0, 24000, true
	default:
		return 0, 0, false
	}
}

func analogIn(raw int64, opts record.Options) Spec {
	return Spec{
		Direction:  types.DirectionInput,
		Kind:       types.KindAnalog,
		RecordKind: record.AnalogIn,
		Initial:    float64(raw),
		Options:    opts,
	}
}

func status(raw int64, states []record.State, opts record.Options) Spec {
	opts.States = states
	return Spec{
		Direction:  types.DirectionInput,
		Kind:       types.KindStatus,
		RecordKind: record.MultiBitIn,
		Initial:    float64(types.StatusOrdinal(raw)),
		Options:    opts,
	}
}

func contains(offsets []int, off int) bool {
	for _, o := range offsets {
		if o == off {
			return true
		}
	}
	return false
}
