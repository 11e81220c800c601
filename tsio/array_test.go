package tsio

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestArray(c *C) {
	for _, dtype := range []DataType{T_uint8, T_int8, T_uint16, T_int16, T_uint32, T_int32, T_uint64, T_int64, T_float32, T_float64} {
		a := NewArray(Point5d{2, 1, 3, 4, 5}, dtype)
		c.Assert(a.Validate(), IsNil)
		c.Assert(len(a.Data), Equals, 120*dtype.Bytes())

		p := Point5d{1, 0, 2, 3, 4}
		c.Assert(a.Offset(p), Equals, 119*dtype.Bytes())
		a.SetFloat64At(p, 100)
		a.SetFloat64At(Point5d{0, 0, 0, 0, 1}, 7)
		c.Assert(a.Float64At(p), Equals, 100.0)
		c.Assert(a.Sum(), Equals, 107.0, Commentf("type %s", dtype))
	}

	bad := &Array{Shape: Point5d{1, 1, 1, 2, 2}, DataType: T_uint16, Data: make([]byte, 4)}
	c.Assert(bad.Validate(), NotNil)
}

func (s *DataSuite) TestDataTypeNames(c *C) {
	for t, name := range typeNames {
		parsed, err := ParseDataType(name)
		c.Assert(err, IsNil)
		c.Assert(parsed, Equals, t)
		b, err := t.MarshalText()
		c.Assert(err, IsNil)
		c.Assert(string(b), Equals, name)
	}
	_, err := ParseDataType("complex64")
	c.Assert(err, NotNil)

	data := []byte{1, 2, 3, 4, 5, 6}
	SwapBytes(data, 2)
	c.Assert(data, DeepEquals, []byte{2, 1, 4, 3, 6, 5})
}
