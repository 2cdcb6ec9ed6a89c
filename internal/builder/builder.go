package builder

import (
	"errors"
	"sync"

	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/types"
)

// RevPi product types handled by the default registry.
const (
	ProductTypeDIO = 96
	ProductTypeDI  = 97
	ProductTypeDO  = 98
	ProductTypeAIO = 103
)

var (
	ErrUnsupportedOffset = errors.New("no record type for point offset")
	ErrMissingParameter  = errors.New("module parameter not found in image")
	ErrOutputDisabled    = errors.New("analog output is disabled")
)

// Request carries the user supplied part of a binding.
type Request struct {
	PVName    string
	DriveLow  *float64
	DriveHigh *float64
	Fields    map[string]string
}

// Spec is what a builder decides for a point: the sync rules of the binding
// and the record to create for it.
type Spec struct {
	Direction  types.Direction
	Kind       types.Kind
	RecordKind record.Kind
	Initial    float64
	Options    record.Options
}

// Reader is the part of the image a builder may consult.
type Reader interface {
	Value(name string) (int64, error)
	PointAt(address int) (procimg.Point, bool)
}

// Func builds the binding spec for one point of a module type.
type Func func(img Reader, point procimg.Point, req Request) (Spec, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[int]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[int]Func)}
}

// Default returns a registry with the builders of all supported modules.
func Default() *Registry {
	r := NewRegistry()
	r.Register(ProductTypeAIO, AIO)
	r.Register(ProductTypeDIO, DIO)
	r.Register(ProductTypeDI, DIO)
	r.Register(ProductTypeDO, DIO)
	return r
}

// Register installs or replaces the builder of a product type.
func (r *Registry) Register(productType int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[productType] = fn
}

func (r *Registry) Lookup(productType int) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[productType]
	return fn, ok
}

func (r *Registry) ProductTypes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.funcs))
	for pt := range r.funcs {
		out = append(out, pt)
	}
	return out
}
