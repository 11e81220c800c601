package tsio

import "fmt"

// Array is a dense, row-major (T, C, Z, Y, X) buffer of little-endian elements.
// It is the sole data interchange format between callers and readers/writers.
type Array struct {
	Shape    Point5d
	DataType DataType
	Data     []byte
}

// NewArray allocates a zeroed array.
func NewArray(shape Point5d, dtype DataType) *Array {
	return &Array{
		Shape:    shape,
		DataType: dtype,
		Data:     make([]byte, shape.Prod()*dtype.Bytes()),
	}
}

// NumElements returns the number of voxels.
func (a *Array) NumElements() int {
	return a.Shape.Prod()
}

// Validate checks that the data length matches shape and element type.
func (a *Array) Validate() error {
	if a == nil {
		return fmt.Errorf("nil array")
	}
	if !a.DataType.Valid() {
		return UnsupportedFormatf("array has unknown element type %s", a.DataType)
	}
	for _, v := range a.Shape {
		if v < 0 {
			return UnsupportedGeometryf("array shape %s has negative extent", a.Shape)
		}
	}
	if want := a.Shape.Prod() * a.DataType.Bytes(); len(a.Data) != want {
		return fmt.Errorf("array of shape %s and type %s needs %d bytes, has %d",
			a.Shape, a.DataType, want, len(a.Data))
	}
	return nil
}

// Offset returns the byte offset of a voxel.
func (a *Array) Offset(p Point5d) int {
	s := a.Shape.Strides()
	off := 0
	for i := range p {
		off += p[i] * s[i]
	}
	return off * a.DataType.Bytes()
}

// Float64At returns the voxel value at p converted to float64.
func (a *Array) Float64At(p Point5d) float64 {
	off := a.Offset(p)
	return a.DataType.Float64(a.Data[off : off+a.DataType.Bytes()])
}

// SetFloat64At stores v at p converted to the array's element type.
func (a *Array) SetFloat64At(p Point5d, v float64) {
	off := a.Offset(p)
	a.DataType.PutFloat64(a.Data[off:off+a.DataType.Bytes()], v)
}

// Sum returns the sum of all voxel values.
func (a *Array) Sum() float64 {
	n := a.DataType.Bytes()
	var sum float64
	if a.DataType == T_uint8 {
		var isum uint64
		for _, v := range a.Data {
			isum += uint64(v)
		}
		return float64(isum)
	}
	for off := 0; off+n <= len(a.Data); off += n {
		sum += a.DataType.Float64(a.Data[off : off+n])
	}
	return sum
}
