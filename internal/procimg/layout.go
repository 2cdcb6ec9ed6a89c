package procimg

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Layout describes the modules of the process image and the points they
// expose. Module offsets may be omitted; they are then assigned in position
// order, each module starting where the previous one ends.
type Layout struct {
	Core    string         `yaml:"core"`
	Size    int            `yaml:"size"`
	Modules []ModuleLayout `yaml:"modules"`
}

type ModuleLayout struct {
	Name        string        `yaml:"name"`
	ProductType int           `yaml:"product_type"`
	Position    int           `yaml:"position"`
	Offset      *int          `yaml:"offset,omitempty"`
	Length      int           `yaml:"length"`
	Points      []PointLayout `yaml:"points"`
}

type PointLayout struct {
	Name    string `yaml:"name"`
	Offset  int    `yaml:"offset"`
	Bit     *int   `yaml:"bit,omitempty"`
	Width   int    `yaml:"width,omitempty"`
	Signed  bool   `yaml:"signed,omitempty"`
	Output  bool   `yaml:"output,omitempty"`
	Default int64  `yaml:"default,omitempty"`
}

// LoadLayout reads a YAML layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	return ParseLayout(data)
}

func ParseLayout(data []byte) (*Layout, error) {
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
	}
	return &layout, nil
}

// resolve computes absolute addresses and checks the layout for overlapping
// names, unsupported widths and points outside the image.
func (l *Layout) resolve() ([]Point, int, error) {
	modules := make([]ModuleLayout, len(l.Modules))
	copy(modules, l.Modules)
	sort.SliceStable(modules, func(i, j int) bool { return modules[i].Position < modules[j].Position })

	points := make([]Point, 0)
	seen := make(map[string]bool)
	next := 0
	end := 0

	for _, m := range modules {
		if m.Name == "" {
			return nil, 0, fmt.Errorf("module at position %d has no name", m.Position)
		}

		base := next
		if m.Offset != nil {
			base = *m.Offset
		}
		if base < 0 {
			return nil, 0, fmt.Errorf("module %s: negative offset %d", m.Name, base)
		}

		moduleEnd := base + m.Length
		for _, pl := range m.Points {
			p, err := pl.point(m, base)
			if err != nil {
				return nil, 0, fmt.Errorf("module %s: %w", m.Name, err)
			}
			if seen[p.Name] {
				return nil, 0, fmt.Errorf("duplicate point name: %s", p.Name)
			}
			seen[p.Name] = true

			if last := p.Address + p.Bytes(); last > moduleEnd {
				moduleEnd = last
			}
			points = append(points, p)
		}

		next = moduleEnd
		if moduleEnd > end {
			end = moduleEnd
		}
	}

	size := l.Size
	if size == 0 {
		size = end
	}
	if end > size {
		return nil, 0, fmt.Errorf("layout needs %d bytes but image size is %d", end, size)
	}

	return points, size, nil
}

func (pl PointLayout) point(m ModuleLayout, base int) (Point, error) {
	if pl.Name == "" {
		return Point{}, fmt.Errorf("point at offset %d has no name", pl.Offset)
	}
	if pl.Offset < 0 {
		return Point{}, fmt.Errorf("point %s: negative offset", pl.Name)
	}

	p := Point{
		Name:         pl.Name,
		Module:       m.Name,
		ProductType:  m.ProductType,
		ModuleOffset: base,
		Offset:       pl.Offset,
		Address:      base + pl.Offset,
		Bit:          -1,
		Width:        pl.Width,
		Signed:       pl.Signed,
		Output:       pl.Output,
		Default:      pl.Default,
	}

	if pl.Bit != nil {
		if *pl.Bit < 0 || *pl.Bit > 7 {
			return Point{}, fmt.Errorf("point %s: bit %d out of range", pl.Name, *pl.Bit)
		}
		p.Bit = *pl.Bit
		p.Width = 1
	}

	switch p.Width {
	case 0:
		p.Width = 16
	case 1:
		if p.Bit < 0 {
			p.Bit = 0
		}
	case 8, 16, 32:
	default:
		return Point{}, fmt.Errorf("point %s: unsupported width %d", pl.Name, p.Width)
	}

	if p.Default < p.Min() || p.Default > p.Max() {
		return Point{}, fmt.Errorf("point %s: default %d outside [%d, %d]", pl.Name, p.Default, p.Min(), p.Max())
	}

	return p, nil
}
