package procimg

import (
	"encoding/binary"
	"fmt"
)

// Point is one addressable channel of the process image.
type Point struct {
	Name         string `json:"name"`
	Module       string `json:"module"`
	ProductType  int    `json:"product_type"`
	ModuleOffset int    `json:"module_offset"`
	Offset       int    `json:"offset"`
	Address      int    `json:"address"`
	Bit          int    `json:"bit"`
	Width        int    `json:"width"`
	Signed       bool   `json:"signed"`
	Output       bool   `json:"output"`
	Default      int64  `json:"default"`
}

// Bytes is the number of image bytes the point occupies.
func (p Point) Bytes() int {
	if p.Width <= 8 {
		return 1
	}
	return p.Width / 8
}

func (p Point) Min() int64 {
	if !p.Signed || p.Width == 1 {
		return 0
	}
	return -(int64(1) << (p.Width - 1))
}

func (p Point) Max() int64 {
	if !p.Signed || p.Width == 1 {
		return int64(1)<<p.Width - 1
	}
	return int64(1)<<(p.Width-1) - 1
}

// decode reads the point from an image buffer. Multi-byte values are little
// endian, as in the RevPi process image.
func (p Point) decode(buf []byte) int64 {
	b := buf[p.Address:]
	switch p.Width {
	case 1:
		return int64(b[0]>>p.Bit) & 1
	case 8:
		if p.Signed {
			return int64(int8(b[0]))
		}
		return int64(b[0])
	case 16:
		v := binary.LittleEndian.Uint16(b)
		if p.Signed {
			return int64(int16(v))
		}
		return int64(v)
	default:
		v := binary.LittleEndian.Uint32(b)
		if p.Signed {
			return int64(int32(v))
		}
		return int64(v)
	}
}

func (p Point) encode(buf []byte, value int64) error {
	if value < p.Min() || value > p.Max() {
		return fmt.Errorf("%w: %s accepts [%d, %d], got %d", ErrOutOfRange, p.Name, p.Min(), p.Max(), value)
	}

	b := buf[p.Address:]
	switch p.Width {
	case 1:
		if value != 0 {
			b[0] |= 1 << p.Bit
		} else {
			b[0] &^= 1 << p.Bit
		}
	case 8:
		b[0] = byte(value)
	case 16:
		binary.LittleEndian.PutUint16(b, uint16(value))
	default:
		binary.LittleEndian.PutUint32(b, uint32(value))
	}
	return nil
}
