package tsio

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Metadata is the immutable description of a dataset: extents along every axis,
// the element type and the chunk shape.  Readers produce it on open and writers
// accept it to create a structurally matching dataset.
type Metadata struct {
	size       Point5d
	chunkShape Point5d
	dtype      DataType

	// optional physical voxel size in (Z, Y, X) order with its unit.
	physicalSize [3]float64
	unit         string
}

// NewMetadata validates extents and chunk shape.  Chunk entries larger than the
// corresponding extent are clamped to it.
func NewMetadata(size, chunkShape Point5d, dtype DataType) (*Metadata, error) {
	if !size.Positive() {
		return nil, UnsupportedGeometryf("dataset extents %s must all be > 0", size)
	}
	if !chunkShape.Positive() {
		return nil, UnsupportedGeometryf("chunk shape %s must all be > 0", chunkShape)
	}
	if !dtype.Valid() {
		return nil, UnsupportedFormatf("unknown element type %s", dtype)
	}
	return &Metadata{
		size:       size,
		chunkShape: chunkShape.Min(size),
		dtype:      dtype,
	}, nil
}

func (m *Metadata) X() int { return m.size[AxisX] }
func (m *Metadata) Y() int { return m.size[AxisY] }
func (m *Metadata) Z() int { return m.size[AxisZ] }
func (m *Metadata) C() int { return m.size[AxisC] }
func (m *Metadata) T() int { return m.size[AxisT] }

// Size returns the dataset extents in (T, C, Z, Y, X) order.
func (m *Metadata) Size() Point5d { return m.size }

// ChunkShape returns the nominal chunk shape in (T, C, Z, Y, X) order.
func (m *Metadata) ChunkShape() Point5d { return m.chunkShape }

func (m *Metadata) DataType() DataType { return m.dtype }

// PhysicalSize returns the voxel size in (Z, Y, X) order and its unit, or zeros
// if unknown.
func (m *Metadata) PhysicalSize() ([3]float64, string) {
	return m.physicalSize, m.unit
}

// NumChunks returns the size of the chunk grid along each axis.
func (m *Metadata) NumChunks() Point5d {
	return m.size.CeilDiv(m.chunkShape)
}

// ChunkExtent returns the shape of the valid data within a chunk, which is smaller
// than the nominal chunk shape for chunks on the far edge of an axis.
func (m *Metadata) ChunkExtent(idx ChunkPoint5d) Point5d {
	origin := idx.Origin(m.chunkShape)
	return m.size.Sub(origin).Min(m.chunkShape)
}

// ContainsChunk returns true if idx lies inside the chunk grid.
func (m *Metadata) ContainsChunk(idx ChunkPoint5d) bool {
	n := m.NumChunks()
	for i, v := range idx {
		if v < 0 || v >= n[i] {
			return false
		}
	}
	return true
}

// ChunkBytes returns the number of bytes in one nominal chunk.
func (m *Metadata) ChunkBytes() int {
	return m.chunkShape.Prod() * m.dtype.Bytes()
}

// TotalBytes returns the number of bytes in the full dataset.
func (m *Metadata) TotalBytes() int {
	return m.size.Prod() * m.dtype.Bytes()
}

// WithChunkShape returns a copy with a different chunk shape.
func (m *Metadata) WithChunkShape(chunkShape Point5d) (*Metadata, error) {
	n, err := NewMetadata(m.size, chunkShape, m.dtype)
	if err != nil {
		return nil, err
	}
	n.physicalSize, n.unit = m.physicalSize, m.unit
	return n, nil
}

// WithPhysicalSize returns a copy carrying a voxel size in (Z, Y, X) order.
func (m *Metadata) WithPhysicalSize(zyx [3]float64, unit string) *Metadata {
	n := *m
	n.physicalSize, n.unit = zyx, unit
	return &n
}

// Equal compares extents, chunk shape and element type.
func (m *Metadata) Equal(o *Metadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.size == o.size && m.chunkShape == o.chunkShape && m.dtype == o.dtype
}

func (m *Metadata) String() string {
	return fmt.Sprintf("%s %s chunks %s (%s)", m.dtype, m.size, m.chunkShape,
		humanize.Bytes(uint64(m.TotalBytes())))
}

type metadataJSON struct {
	X, Y, Z, C, T int
	ChunkShape    Point5d
	DataType      DataType
	PhysicalSize  *[3]float64 `json:",omitempty"`
	Unit          string      `json:",omitempty"`
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	mj := metadataJSON{
		X: m.X(), Y: m.Y(), Z: m.Z(), C: m.C(), T: m.T(),
		ChunkShape: m.chunkShape,
		DataType:   m.dtype,
		Unit:       m.unit,
	}
	if m.physicalSize != [3]float64{} {
		ps := m.physicalSize
		mj.PhysicalSize = &ps
	}
	return json.Marshal(mj)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var mj metadataJSON
	if err := json.Unmarshal(b, &mj); err != nil {
		return err
	}
	n, err := NewMetadata(Point5d{mj.T, mj.C, mj.Z, mj.Y, mj.X}, mj.ChunkShape, mj.DataType)
	if err != nil {
		return err
	}
	if mj.PhysicalSize != nil {
		n.physicalSize = *mj.PhysicalSize
	}
	n.unit = mj.Unit
	*m = *n
	return nil
}
