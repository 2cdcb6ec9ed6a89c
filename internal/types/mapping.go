package types

import "fmt"

// Direction is the data flow of a binding, fixed when the binding is created.
type Direction int

const (
	DirectionInput Direction = iota + 1
	DirectionOutput
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "INPUT"
	case DirectionOutput:
		return "OUTPUT"
	default:
		return "UNKNOWN"
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Kind decides how a raw hardware value is coerced before it reaches the PV.
type Kind int

const (
	KindBinary Kind = iota + 1
	KindAnalog
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "BINARY"
	case KindAnalog:
		return "ANALOG"
	case KindStatus:
		return "STATUS"
	default:
		return "UNKNOWN"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// BindingDefinition describes a binding request as it is stored in files,
// the database and REST payloads.
type BindingDefinition struct {
	IOName    string            `json:"io_name"`
	PVName    string            `json:"pv_name,omitempty"`
	DriveLow  *float64          `json:"drvl,omitempty"`
	DriveHigh *float64          `json:"drvh,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (b BindingDefinition) String() string {
	if b.PVName == "" {
		return b.IOName
	}
	return fmt.Sprintf("%s -> %s", b.IOName, b.PVName)
}
