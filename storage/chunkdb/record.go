package chunkdb

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/janelia-flyem/tsio/tsio"
)

// record is the dataset description stored under the metadata key.
type record struct {
	meta        *tsio.Metadata
	compression tsio.Compression
}

func appendPoint(b []byte, p tsio.Point5d) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(p)))
	for _, v := range p {
		b = msgp.AppendInt64(b, int64(v))
	}
	return b
}

func readPoint(b []byte) (tsio.Point5d, []byte, error) {
	var p tsio.Point5d
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return p, b, err
	}
	if int(n) != len(p) {
		return p, b, fmt.Errorf("expected %d coordinates, got %d", len(p), n)
	}
	for i := range p {
		var v int64
		if v, b, err = msgp.ReadInt64Bytes(b); err != nil {
			return p, b, err
		}
		p[i] = int(v)
	}
	return p, b, nil
}

// MarshalMsg appends the msgpack encoding of the record.
func (r *record) MarshalMsg(b []byte) ([]byte, error) {
	zyx, unit := r.meta.PhysicalSize()
	b = msgp.AppendMapHeader(b, 6)
	b = msgp.AppendString(b, "size")
	b = appendPoint(b, r.meta.Size())
	b = msgp.AppendString(b, "chunk")
	b = appendPoint(b, r.meta.ChunkShape())
	b = msgp.AppendString(b, "dtype")
	b = msgp.AppendString(b, r.meta.DataType().String())
	b = msgp.AppendString(b, "physical")
	b = msgp.AppendArrayHeader(b, 3)
	for _, v := range zyx {
		b = msgp.AppendFloat64(b, v)
	}
	b = msgp.AppendString(b, "unit")
	b = msgp.AppendString(b, unit)
	b = msgp.AppendString(b, "compression")
	b = msgp.AppendUint8(b, uint8(r.compression))
	return b, nil
}

// UnmarshalMsg decodes a record, skipping unknown fields.
func (r *record) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	var size, chunkShape tsio.Point5d
	var dtype tsio.DataType
	var zyx [3]float64
	var unit string
	for i := uint32(0); i < n; i++ {
		var field string
		if field, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		switch field {
		case "size":
			size, b, err = readPoint(b)
		case "chunk":
			chunkShape, b, err = readPoint(b)
		case "dtype":
			var name string
			if name, b, err = msgp.ReadStringBytes(b); err == nil {
				dtype, err = tsio.ParseDataType(name)
			}
		case "physical":
			var k uint32
			if k, b, err = msgp.ReadArrayHeaderBytes(b); err == nil && k != 3 {
				err = fmt.Errorf("expected 3 physical sizes, got %d", k)
			}
			for j := 0; j < 3 && err == nil; j++ {
				zyx[j], b, err = msgp.ReadFloat64Bytes(b)
			}
		case "unit":
			unit, b, err = msgp.ReadStringBytes(b)
		case "compression":
			var c uint8
			c, b, err = msgp.ReadUint8Bytes(b)
			r.compression = tsio.Compression(c)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, fmt.Errorf("field %q: %w", field, err)
		}
	}
	meta, err := tsio.NewMetadata(size, chunkShape, dtype)
	if err != nil {
		return b, err
	}
	r.meta = meta.WithPhysicalSize(zyx, unit)
	return b, nil
}
