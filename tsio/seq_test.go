package tsio

import (
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestSeqCount(c *C) {
	tests := []struct {
		seq   Seq
		count int
		last  int
	}{
		{Seq{0, 0, 1}, 1, 0},
		{Seq{0, 9, 1}, 10, 9},
		{Seq{3, 9, 2}, 4, 9},
		{Seq{3, 10, 2}, 4, 9},
		{Seq{5, 5, 7}, 1, 5},
		{Seq{0, 2699, 1}, 2700, 2699},
		{Seq{1, 100, 33}, 4, 100},
	}
	for _, tc := range tests {
		c.Check(tc.seq.Count(), Equals, tc.count, Commentf("seq %s", tc.seq))
		c.Check(tc.seq.Last(), Equals, tc.last, Commentf("seq %s", tc.seq))
		c.Check(tc.seq.Contains(tc.last), Equals, true)
	}
	seq := Seq{3, 10, 2}
	c.Assert(seq.Contains(4), Equals, false)
	c.Assert(seq.Contains(11), Equals, false)
	c.Assert(seq.At(2), Equals, 7)
}

func (s *DataSuite) TestSeqValidate(c *C) {
	_, err := NewSeq(0, 10, 0)
	c.Assert(err, IsNil)

	for _, bad := range [][3]int{{-1, 4, 1}, {5, 4, 1}, {0, 4, -2}} {
		_, err := NewSeq(bad[0], bad[1], bad[2])
		c.Assert(err, NotNil)
		c.Assert(errors.Is(err, ErrOutOfRange), Equals, true)
	}
}

func (s *DataSuite) TestSelection(c *C) {
	size := Point5d{1, 27, 1, 2700, 2702}
	sel := NewSelection(Span(0, 2699), Span(0, 2701), Span(0, 0), Span(0, 0), Span(0, 0))
	c.Assert(sel.Shape(), Equals, Point5d{1, 1, 1, 2700, 2702})
	c.Assert(sel.Validate(size), IsNil)
	c.Assert(FullSelection(size).Shape(), Equals, size)

	sel[AxisX] = Span(0, 2702)
	err := sel.Validate(size)
	c.Assert(errors.Is(err, ErrOutOfRange), Equals, true)
}
