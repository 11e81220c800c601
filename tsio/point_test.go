package tsio

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestPoint5d(c *C) {
	a := Point5d{1, 3, 10, 100, 1000}
	b := Point5d{1, 2, 4, 64, 64}

	c.Assert(a.Prod(), Equals, 3000000)
	c.Assert(a.Add(b), Equals, Point5d{2, 5, 14, 164, 1064})
	c.Assert(a.Sub(b), Equals, Point5d{0, 1, 6, 36, 936})
	c.Assert(a.Div(b), Equals, Point5d{1, 1, 2, 1, 15})
	c.Assert(a.Mod(b), Equals, Point5d{0, 1, 2, 36, 40})
	c.Assert(a.CeilDiv(b), Equals, Point5d{1, 2, 3, 2, 16})
	c.Assert(a.Min(b), Equals, b)
	c.Assert(a.Max(b), Equals, a)
	c.Assert(a.Strides(), Equals, Point5d{3000000, 1000000, 100000, 1000, 1})
	c.Assert(a.String(), Equals, "(1,3,10,100,1000)")
	c.Assert(Point5d{1, 0, 1, 1, 1}.Positive(), Equals, false)
}

func (s *DataSuite) TestChunkPoint5dBytes(c *C) {
	idx := ChunkPoint5d{0, 26, 3, 42, 70000}
	b := idx.Bytes()
	c.Assert(len(b), Equals, ChunkPoint5dSize)
	idx2, err := ChunkPoint5dFromBytes(b)
	c.Assert(err, IsNil)
	c.Assert(idx2, Equals, idx)

	_, err = ChunkPoint5dFromBytes(b[:7])
	c.Assert(err, NotNil)

	c.Assert(idx.Origin(Point5d{1, 1, 1, 64, 64}), Equals, Point5d{0, 26, 3, 2688, 4480000})
}

func (s *DataSuite) TestAxis(c *C) {
	c.Assert(AxisT.String()+AxisC.String()+AxisZ.String()+AxisY.String()+AxisX.String(), Equals, "TCZYX")
	a, ok := ParseAxis("y")
	c.Assert(ok, Equals, true)
	c.Assert(a, Equals, AxisY)
	_, ok = ParseAxis("q")
	c.Assert(ok, Equals, false)
}
