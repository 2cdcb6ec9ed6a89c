package procimg

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownPoint  = errors.New("unknown I/O point")
	ErrReadOnlyPoint = errors.New("I/O point is not an output")
	ErrOutOfRange    = errors.New("value out of range")
)

// Driver is the process-image contract used by the sync engine: one batched
// read and write per cycle plus point level access to the local copy.
type Driver interface {
	Read() error
	Write() error
	Value(name string) (int64, error)
	SetValue(name string, value int64) error
	Points() []Point
}

// Backend moves the raw image between the local copy and the hardware.
type Backend interface {
	Load(buf []byte) error
	// Store writes the given byte regions of buf. Regions never overlap and
	// are sorted by start address.
	Store(buf []byte, regions []Region) error
	Close() error
}

// Region is the half-open byte range [Start, End).
type Region struct {
	Start int
	End   int
}

type Image struct {
	core    string
	backend Backend

	points  map[string]*Point
	byAddr  map[int]*Point
	order   []Point
	outputs []Region

	mu      sync.RWMutex
	buf     []byte
	scratch []byte
}

func New(layout *Layout, backend Backend) (*Image, error) {
	points, size, err := layout.resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}

	img := &Image{
		core:    layout.Core,
		backend: backend,
		points:  make(map[string]*Point, len(points)),
		byAddr:  make(map[int]*Point),
		order:   points,
		buf:     make([]byte, size),
		scratch: make([]byte, size),
	}

	for i := range img.order {
		p := &img.order[i]
		img.points[p.Name] = p

		// Word points win over bit points sharing the same address.
		if existing, ok := img.byAddr[p.Address]; !ok || (existing.Width == 1 && p.Width > 1) {
			img.byAddr[p.Address] = p
		}
	}
	img.outputs = outputRegions(img.order)

	return img, nil
}

// Read loads the whole image from the backend. On failure the previous local
// copy is kept.
func (i *Image) Read() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.backend.Load(i.scratch); err != nil {
		return fmt.Errorf("read process image: %w", err)
	}
	i.buf, i.scratch = i.scratch, i.buf
	return nil
}

// Write stores every output region of the local copy.
func (i *Image) Write() error {
	i.mu.RLock()
	snapshot := make([]byte, len(i.buf))
	copy(snapshot, i.buf)
	i.mu.RUnlock()

	if len(i.outputs) == 0 {
		return nil
	}
	if err := i.backend.Store(snapshot, i.outputs); err != nil {
		return fmt.Errorf("write process image: %w", err)
	}
	return nil
}

func (i *Image) Value(name string) (int64, error) {
	p, ok := i.points[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPoint, name)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	return p.decode(i.buf), nil
}

func (i *Image) SetValue(name string, value int64) error {
	p, ok := i.points[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPoint, name)
	}
	if !p.Output {
		return fmt.Errorf("%w: %s", ErrReadOnlyPoint, name)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	return p.encode(i.buf, value)
}

func (i *Image) Point(name string) (Point, bool) {
	p, ok := i.points[name]
	if !ok {
		return Point{}, false
	}
	return *p, true
}

// PointAt returns the point starting at an absolute byte address.
func (i *Image) PointAt(address int) (Point, bool) {
	p, ok := i.byAddr[address]
	if !ok {
		return Point{}, false
	}
	return *p, true
}

func (i *Image) Points() []Point {
	out := make([]Point, len(i.order))
	copy(out, i.order)
	return out
}

// Core is the name of the base module, used as the outermost PV prefix.
func (i *Image) Core() string {
	return i.core
}

func (i *Image) Size() int {
	return len(i.buf)
}

func (i *Image) Close() error {
	return i.backend.Close()
}

func outputRegions(points []Point) []Region {
	regions := make([]Region, 0)
	for _, p := range points {
		if p.Output {
			regions = append(regions, Region{Start: p.Address, End: p.Address + p.Bytes()})
		}
	}
	if len(regions) == 0 {
		return regions
	}

	sort.Slice(regions, func(a, b int) bool { return regions[a].Start < regions[b].Start })

	merged := regions[:1]
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
