/*
   This file handles the pixel element type of a dataset and routines that
   extract values from a slice of little-endian bytes.
*/

package tsio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is the element type of every voxel in a dataset, e.g., a uint8 or a float32.
type DataType uint8

const (
	T_uint8 DataType = iota
	T_int8
	T_uint16
	T_int16
	T_uint32
	T_int32
	T_uint64
	T_int64
	T_float32
	T_float64
)

var typeBytes = map[DataType]int{
	T_uint8:   1,
	T_int8:    1,
	T_uint16:  2,
	T_int16:   2,
	T_uint32:  4,
	T_int32:   4,
	T_uint64:  8,
	T_int64:   8,
	T_float32: 4,
	T_float64: 8,
}

var typeNames = map[DataType]string{
	T_uint8:   "uint8",
	T_int8:    "int8",
	T_uint16:  "uint16",
	T_int16:   "int16",
	T_uint32:  "uint32",
	T_int32:   "int32",
	T_uint64:  "uint64",
	T_int64:   "int64",
	T_float32: "float32",
	T_float64: "float64",
}

// Bytes returns the # of bytes for one element, or 0 for an unknown type.
func (t DataType) Bytes() int {
	return typeBytes[t]
}

// Valid returns true for one of the known element types.
func (t DataType) Valid() bool {
	_, found := typeBytes[t]
	return found
}

// IsFloat returns true for float32 and float64.
func (t DataType) IsFloat() bool {
	return t == T_float32 || t == T_float64
}

// IsSigned returns true for signed integer and float types.
func (t DataType) IsSigned() bool {
	switch t {
	case T_int8, T_int16, T_int32, T_int64, T_float32, T_float64:
		return true
	}
	return false
}

func (t DataType) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// ParseDataType returns the DataType with the given name, e.g., "uint16".
func ParseDataType(s string) (DataType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return T_uint8, UnsupportedFormatf("unknown data type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t DataType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	dt, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = dt
	return nil
}

// Float64 decodes one little-endian element of this type.
func (t DataType) Float64(b []byte) float64 {
	switch t {
	case T_uint8:
		return float64(b[0])
	case T_int8:
		return float64(int8(b[0]))
	case T_uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case T_int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case T_uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case T_int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case T_uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case T_int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case T_float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case T_float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// PutFloat64 encodes v as one little-endian element of this type.  Integer types
// truncate.
func (t DataType) PutFloat64(b []byte, v float64) {
	switch t {
	case T_uint8:
		b[0] = uint8(v)
	case T_int8:
		b[0] = uint8(int8(v))
	case T_uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case T_int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case T_uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case T_int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case T_uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case T_int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case T_float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case T_float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// SwapBytes reverses the byte order of every element in data, in place.
func SwapBytes(data []byte, elemSize int) {
	if elemSize <= 1 {
		return
	}
	for i := 0; i+elemSize <= len(data); i += elemSize {
		e := data[i : i+elemSize]
		for a, b := 0, elemSize-1; a < b; a, b = a+1, b-1 {
			e[a], e[b] = e[b], e[a]
		}
	}
}
