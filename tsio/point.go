package tsio

import (
	"encoding/binary"
	"fmt"
)

// Axis is one of the five logical dimensions.  The constant order is the canonical
// layout order of every dense array and chunk buffer.
type Axis uint8

const (
	AxisT Axis = iota
	AxisC
	AxisZ
	AxisY
	AxisX
)

// NumAxes is the dimensionality of every dataset.
const NumAxes = 5

func (a Axis) String() string {
	switch a {
	case AxisT:
		return "T"
	case AxisC:
		return "C"
	case AxisZ:
		return "Z"
	case AxisY:
		return "Y"
	case AxisX:
		return "X"
	default:
		return fmt.Sprintf("Axis(%d)", uint8(a))
	}
}

// ParseAxis maps axis names ("t", "c", "z", "y", "x", upper or lower case) to an Axis.
func ParseAxis(s string) (Axis, bool) {
	switch s {
	case "t", "T":
		return AxisT, true
	case "c", "C":
		return AxisC, true
	case "z", "Z":
		return AxisZ, true
	case "y", "Y":
		return AxisY, true
	case "x", "X":
		return AxisX, true
	}
	return 0, false
}

// Point5d is a voxel coordinate or size in (T, C, Z, Y, X) order.
type Point5d [NumAxes]int

// Prod returns the product of all components.
func (p Point5d) Prod() int {
	n := 1
	for _, v := range p {
		n *= v
	}
	return n
}

func (p Point5d) Add(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = p[i] + q[i]
	}
	return r
}

func (p Point5d) Sub(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = p[i] - q[i]
	}
	return r
}

func (p Point5d) Mul(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = p[i] * q[i]
	}
	return r
}

func (p Point5d) Div(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = p[i] / q[i]
	}
	return r
}

func (p Point5d) Mod(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = p[i] % q[i]
	}
	return r
}

// CeilDiv divides component-wise, rounding up.
func (p Point5d) CeilDiv(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = (p[i] + q[i] - 1) / q[i]
	}
	return r
}

func (p Point5d) Min(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = min(p[i], q[i])
	}
	return r
}

func (p Point5d) Max(q Point5d) Point5d {
	var r Point5d
	for i := range p {
		r[i] = max(p[i], q[i])
	}
	return r
}

// Strides returns row-major element strides for an array of this shape.
func (p Point5d) Strides() Point5d {
	var s Point5d
	n := 1
	for i := NumAxes - 1; i >= 0; i-- {
		s[i] = n
		n *= p[i]
	}
	return s
}

// Positive returns true if every component is > 0.
func (p Point5d) Positive() bool {
	for _, v := range p {
		if v <= 0 {
			return false
		}
	}
	return true
}

func (p Point5d) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d,%d)", p[0], p[1], p[2], p[3], p[4])
}

// ChunkPoint5d is the position of a chunk in the chunk grid, in (T, C, Z, Y, X) order.
type ChunkPoint5d [NumAxes]int

// ChunkPoint5dSize is the number of bytes in an encoded ChunkPoint5d.
const ChunkPoint5dSize = NumAxes * 4

// Bytes returns a big-endian encoding that sorts in row-major chunk order.
func (c ChunkPoint5d) Bytes() []byte {
	b := make([]byte, ChunkPoint5dSize)
	for i, v := range c {
		binary.BigEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

// ChunkPoint5dFromBytes decodes the output of ChunkPoint5d.Bytes.
func ChunkPoint5dFromBytes(b []byte) (ChunkPoint5d, error) {
	var c ChunkPoint5d
	if len(b) < ChunkPoint5dSize {
		return c, fmt.Errorf("chunk point needs %d bytes, got %d", ChunkPoint5dSize, len(b))
	}
	for i := range c {
		c[i] = int(binary.BigEndian.Uint32(b[i*4:]))
	}
	return c, nil
}

// Origin returns the voxel coordinate of the chunk's first element.
func (c ChunkPoint5d) Origin(chunkShape Point5d) Point5d {
	return Point5d(c).Mul(chunkShape)
}

func (c ChunkPoint5d) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d,%d)", c[0], c[1], c[2], c[3], c[4])
}
