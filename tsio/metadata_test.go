package tsio

import (
	"encoding/json"
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestMetadata(c *C) {
	m, err := NewMetadata(Point5d{1, 27, 1, 2700, 2702}, Point5d{1, 1, 1, 1024, 1024}, T_uint8)
	c.Assert(err, IsNil)
	c.Assert(m.X(), Equals, 2702)
	c.Assert(m.Y(), Equals, 2700)
	c.Assert(m.Z(), Equals, 1)
	c.Assert(m.C(), Equals, 27)
	c.Assert(m.T(), Equals, 1)
	c.Assert(m.NumChunks(), Equals, Point5d{1, 27, 1, 3, 3})
	c.Assert(m.ChunkExtent(ChunkPoint5d{0, 0, 0, 2, 2}), Equals, Point5d{1, 1, 1, 652, 654})
	c.Assert(m.ChunkExtent(ChunkPoint5d{0, 3, 0, 0, 1}), Equals, Point5d{1, 1, 1, 1024, 1024})
	c.Assert(m.ContainsChunk(ChunkPoint5d{0, 26, 0, 2, 2}), Equals, true)
	c.Assert(m.ContainsChunk(ChunkPoint5d{0, 27, 0, 0, 0}), Equals, false)

	// chunk entries larger than the dataset are clamped
	m2, err := NewMetadata(Point5d{2, 3, 4, 5, 6}, Point5d{10, 10, 10, 10, 10}, T_uint16)
	c.Assert(err, IsNil)
	c.Assert(m2.ChunkShape(), Equals, Point5d{2, 3, 4, 5, 6})
	c.Assert(m2.ChunkBytes(), Equals, 2*3*4*5*6*2)
}

func (s *DataSuite) TestMetadataInvalid(c *C) {
	_, err := NewMetadata(Point5d{1, 0, 1, 10, 10}, Point5d{1, 1, 1, 10, 10}, T_uint8)
	c.Assert(errors.Is(err, ErrUnsupportedGeometry), Equals, true)
	_, err = NewMetadata(Point5d{1, 1, 1, 10, 10}, Point5d{1, 1, 1, 0, 10}, T_uint8)
	c.Assert(errors.Is(err, ErrUnsupportedGeometry), Equals, true)
	_, err = NewMetadata(Point5d{1, 1, 1, 10, 10}, Point5d{1, 1, 1, 10, 10}, DataType(99))
	c.Assert(errors.Is(err, ErrUnsupportedFormat), Equals, true)
}

func (s *DataSuite) TestMetadataJSON(c *C) {
	m, err := NewMetadata(Point5d{3, 2, 5, 100, 120}, Point5d{1, 1, 2, 64, 64}, T_float32)
	c.Assert(err, IsNil)
	m = m.WithPhysicalSize([3]float64{2, 0.5, 0.5}, "micrometer")

	b, err := json.Marshal(m)
	c.Assert(err, IsNil)
	var m2 Metadata
	c.Assert(json.Unmarshal(b, &m2), IsNil)
	c.Assert(m2.Equal(m), Equals, true)
	ps, unit := m2.PhysicalSize()
	c.Assert(ps, Equals, [3]float64{2, 0.5, 0.5})
	c.Assert(unit, Equals, "micrometer")
}
