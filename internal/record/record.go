package record

import (
	"errors"
)

var (
	ErrRecordExists  = errors.New("record already exists")
	ErrUnknownRecord = errors.New("unknown record")
	ErrReadOnly      = errors.New("record is read-only")
	ErrInvalidValue  = errors.New("invalid record value")
)

// Kind is the record type created for a binding.
type Kind int

const (
	AnalogIn Kind = iota + 1
	AnalogOut
	BinaryIn
	BinaryOut
	MultiBitIn
)

func (k Kind) String() string {
	switch k {
	case AnalogIn:
		return "ai"
	case AnalogOut:
		return "ao"
	case BinaryIn:
		return "bi"
	case BinaryOut:
		return "bo"
	case MultiBitIn:
		return "mbbi"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsOutput reports whether external writes to the record are accepted.
func (k Kind) IsOutput() bool {
	return k == AnalogOut || k == BinaryOut
}

type Severity int

const (
	NoAlarm Severity = iota
	Minor
	Major
	Invalid
)

func (s Severity) String() string {
	switch s {
	case NoAlarm:
		return "NO_ALARM"
	case Minor:
		return "MINOR"
	case Major:
		return "MAJOR"
	default:
		return "INVALID"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is one label of a multi-bit record, indexed by the record value.
type State struct {
	Label    string   `json:"label"`
	Severity Severity `json:"severity"`
}

// Options configure a record at creation time. Unset fields keep the record
// type defaults.
type Options struct {
	DriveLow  *float64
	DriveHigh *float64

	States   []State
	ZeroName string
	OneName  string

	// Fields are free-form record fields (EGU, DESC, PREC, ...).
	Fields map[string]string
}

type Record interface {
	Name() string
	Kind() Kind
	Get() float64
	// Set stores a value. With notify the record is processed: drive limits
	// apply and an output record reports the update to the layer's handler.
	Set(value float64, notify bool) error
}

// Layer is the record side of the bridge.
type Layer interface {
	CreateRecord(kind Kind, name string, initial float64, opts Options) (Record, error)
	Record(name string) (Record, bool)
	RemoveRecord(name string) bool
}

// UpdateHandler receives processed updates of output records together with
// the stored value.
type UpdateHandler interface {
	PVUpdated(name string, value float64)
}
