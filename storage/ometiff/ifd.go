package ometiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/tiff"

	"github.com/janelia-flyem/tsio/tsio"
)

// TIFF tags used by the reader and writer.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagSoftware         = 305
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagSampleFormat     = 339
)

// TIFF field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeSByte  = 6
	typeUndef  = 7
	typeSShort = 8
	typeSLong  = 9
	typeLong8  = 16
	typeSLong8 = 17
	typeIFD8   = 18
)

var fieldTypeSize = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeSByte: 1, typeUndef: 1,
	typeSShort: 2, typeSLong: 4, 5: 8, 10: 8, 11: 4, 12: 8, 13: 4,
	typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

const (
	versionClassic = 42
	versionBig     = 43
)

// ifd holds the integer fields and description of one image file directory.
type ifd struct {
	fields      map[uint16][]uint64
	description string
}

func (d *ifd) get(tag uint16, dflt uint64) uint64 {
	if v, found := d.fields[tag]; found && len(v) > 0 {
		return v[0]
	}
	return dflt
}

func (d *ifd) has(tag uint16) bool {
	_, found := d.fields[tag]
	return found
}

// readIFDs reads every top-level IFD.  Classic TIFF goes through github.com/google/tiff;
// BigTIFF directories are walked directly.
func readIFDs(f *os.File) ([]*ifd, binary.ByteOrder, error) {
	var hdr [16]byte
	if _, err := f.ReadAt(hdr[:8], 0); err != nil {
		return nil, nil, tsio.UnsupportedFormatf("reading tiff header: %v", err)
	}
	var order binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, tsio.UnsupportedFormatf("not a tiff file")
	}
	switch order.Uint16(hdr[2:]) {
	case versionClassic:
		ifds, err := readClassicIFDs(f)
		return ifds, order, err
	case versionBig:
		if _, err := f.ReadAt(hdr[8:16], 8); err != nil {
			return nil, nil, tsio.UnsupportedFormatf("reading bigtiff header: %v", err)
		}
		ifds, err := readBigIFDs(f, order, order.Uint64(hdr[8:]))
		return ifds, order, err
	default:
		return nil, nil, tsio.UnsupportedFormatf("unknown tiff version %d", order.Uint16(hdr[2:]))
	}
}

func readClassicIFDs(f *os.File) ([]*ifd, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	tif, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return nil, tsio.UnsupportedFormatf("parsing tiff: %v", err)
	}
	var ifds []*ifd
	for _, tifd := range tif.IFDs() {
		d := &ifd{fields: make(map[uint16][]uint64)}
		for _, field := range tifd.Fields() {
			tag := field.Tag().ID()
			value := field.Value()
			if field.Type().ID() == typeASCII {
				if tag == tagImageDescription {
					d.description = string(bytes.TrimRight(value.Bytes(), "\x00"))
				}
				continue
			}
			d.fields[tag] = decodeUints(value.Bytes(), int(field.Type().Size()), int(field.Count()), value.Order())
		}
		ifds = append(ifds, d)
	}
	return ifds, nil
}

func readBigIFDs(f *os.File, order binary.ByteOrder, offset uint64) ([]*ifd, error) {
	var ifds []*ifd
	seen := make(map[uint64]bool)
	for offset != 0 {
		if seen[offset] {
			return nil, tsio.UnsupportedFormatf("bigtiff IFD loop at offset %d", offset)
		}
		seen[offset] = true

		var nbuf [8]byte
		if _, err := f.ReadAt(nbuf[:], int64(offset)); err != nil {
			return nil, tsio.UnsupportedFormatf("reading bigtiff IFD at %d: %v", offset, err)
		}
		n := order.Uint64(nbuf[:])
		entries := make([]byte, n*20+8)
		if _, err := f.ReadAt(entries, int64(offset)+8); err != nil {
			return nil, tsio.UnsupportedFormatf("reading bigtiff IFD entries at %d: %v", offset, err)
		}
		d := &ifd{fields: make(map[uint16][]uint64)}
		for i := uint64(0); i < n; i++ {
			e := entries[i*20 : (i+1)*20]
			tag, typ := order.Uint16(e), order.Uint16(e[2:])
			count := order.Uint64(e[4:])
			size, known := fieldTypeSize[typ]
			if !known {
				continue
			}
			total := int(count) * size
			value := e[12:20]
			if total > 8 {
				value = make([]byte, total)
				if _, err := f.ReadAt(value, int64(order.Uint64(e[12:]))); err != nil {
					return nil, tsio.UnsupportedFormatf("reading tag %d value: %v", tag, err)
				}
			}
			value = value[:total]
			if typ == typeASCII {
				if tag == tagImageDescription {
					d.description = string(bytes.TrimRight(value, "\x00"))
				}
				continue
			}
			d.fields[tag] = decodeUints(value, size, int(count), order)
		}
		ifds = append(ifds, d)
		offset = order.Uint64(entries[n*20:])
	}
	return ifds, nil
}

func decodeUints(b []byte, size, count int, order binary.ByteOrder) []uint64 {
	if size <= 0 || len(b) < size*count {
		return nil
	}
	v := make([]uint64, count)
	for i := range v {
		e := b[i*size:]
		switch size {
		case 1:
			v[i] = uint64(e[0])
		case 2:
			v[i] = uint64(order.Uint16(e))
		case 4:
			v[i] = uint64(order.Uint32(e))
		case 8:
			v[i] = order.Uint64(e)
		}
	}
	return v
}

// pixelType returns the element type given by BitsPerSample and SampleFormat.
func (d *ifd) pixelType() (tsio.DataType, error) {
	bits := d.get(tagBitsPerSample, 1)
	format := d.get(tagSampleFormat, 1)
	var name string
	switch format {
	case 1:
		name = fmt.Sprintf("uint%d", bits)
	case 2:
		name = fmt.Sprintf("int%d", bits)
	case 3:
		name = fmt.Sprintf("float%d", bits)
	default:
		return 0, tsio.UnsupportedFormatf("sample format %d is not supported", format)
	}
	t, err := tsio.ParseDataType(name)
	if err != nil {
		return 0, tsio.UnsupportedFormatf("%d-bit samples of format %d are not supported", bits, format)
	}
	return t, nil
}
