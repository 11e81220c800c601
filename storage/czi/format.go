package czi

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/tsio/tsio"
)

// Segment identifiers.
const (
	segFile       = "ZISRAWFILE"
	segDirectory  = "ZISRAWDIRECTORY"
	segSubBlock   = "ZISRAWSUBBLOCK"
	segMetadata   = "ZISRAWMETADATA"
	segDeleted    = "DELETED"
	segHeaderSize = 32
	segAlign      = 32

	fileHeaderSize     = 512
	directoryHeader    = 128
	metadataHeader     = 256
	subBlockHeaderMin  = 256
	entryFixedSize     = 32
	dimensionEntrySize = 20
)

// Pixel types.
const (
	pixelGray8       = 0
	pixelGray16      = 1
	pixelGray32Float = 2
	pixelGray32      = 12
	pixelGray64      = 13
)

var pixelTypes = map[int32]tsio.DataType{
	pixelGray8:       tsio.T_uint8,
	pixelGray16:      tsio.T_uint16,
	pixelGray32Float: tsio.T_float32,
	pixelGray32:      tsio.T_int32,
	pixelGray64:      tsio.T_float64,
}

func pixelTypeOf(t tsio.DataType) (int32, error) {
	for pt, dt := range pixelTypes {
		if dt == t {
			return pt, nil
		}
	}
	return 0, tsio.UnsupportedFormatf("CZI has no gray pixel type for %s", t)
}

// Subblock compression modes.
const (
	compressNone  = 0
	compressZstd0 = 5
	compressZstd1 = 6
)

func compressionByName(name string) (int32, error) {
	switch strings.ToLower(name) {
	case "", "none", "raw":
		return compressNone, nil
	case "zstd", "zstd0":
		return compressZstd0, nil
	case "zstd1":
		return compressZstd1, nil
	}
	return 0, tsio.UnsupportedFormatf("CZI compression %q cannot be used for writing", name)
}

var le = binary.LittleEndian

// segmentHeader precedes every segment.
type segmentHeader struct {
	id        string
	allocated int64
	used      int64
}

func readSegmentHeader(r io.ReaderAt, pos int64) (segmentHeader, error) {
	var b [segHeaderSize]byte
	if _, err := r.ReadAt(b[:], pos); err != nil {
		return segmentHeader{}, tsio.UnsupportedFormatf("reading CZI segment at %d: %v", pos, err)
	}
	return segmentHeader{
		id:        strings.TrimRight(string(b[:16]), "\x00"),
		allocated: int64(le.Uint64(b[16:])),
		used:      int64(le.Uint64(b[24:])),
	}, nil
}

func appendSegmentHeader(buf []byte, id string, allocated, used int64) []byte {
	var name [16]byte
	copy(name[:], id)
	buf = append(buf, name[:]...)
	buf = le.AppendUint64(buf, uint64(allocated))
	return le.AppendUint64(buf, uint64(used))
}

// segment wraps a payload in a header, padding the allocation to 32 bytes.
func segment(id string, payload []byte) []byte {
	allocated := (len(payload) + segAlign - 1) / segAlign * segAlign
	buf := make([]byte, 0, segHeaderSize+allocated)
	buf = appendSegmentHeader(buf, id, int64(allocated), int64(len(payload)))
	buf = append(buf, payload...)
	return append(buf, make([]byte, allocated-len(payload))...)
}

// dimension is one axis of a subblock's bounding box.
type dimension struct {
	name       string
	start      int32
	size       int32
	coordinate float32
	storedSize int32
}

// entry is a DV directory entry.
type entry struct {
	pixelType   int32
	position    int64
	filePart    int32
	compression int32
	pyramidType uint8
	dims        []dimension
}

func (e *entry) size() int {
	return entryFixedSize + dimensionEntrySize*len(e.dims)
}

func (e *entry) dim(name string) (dimension, bool) {
	for _, d := range e.dims {
		if d.name == name {
			return d, true
		}
	}
	return dimension{}, false
}

// start returns the start of a dimension, or 0 if the entry lacks it.
func (e *entry) start(name string) int {
	d, _ := e.dim(name)
	return int(d.start)
}

// pyramid0 reports whether the subblock holds full-resolution pixels.
func (e *entry) pyramid0() bool {
	if e.pyramidType != 0 {
		return false
	}
	for _, n := range []string{"X", "Y"} {
		if d, found := e.dim(n); found && d.storedSize != 0 && d.storedSize != d.size {
			return false
		}
	}
	return true
}

func parseEntry(b []byte) (*entry, int, error) {
	if len(b) < entryFixedSize || string(b[:2]) != "DV" {
		return nil, 0, tsio.UnsupportedFormatf("CZI directory entry is not of DV schema")
	}
	e := &entry{
		pixelType:   int32(le.Uint32(b[2:])),
		position:    int64(le.Uint64(b[6:])),
		filePart:    int32(le.Uint32(b[14:])),
		compression: int32(le.Uint32(b[18:])),
		pyramidType: b[22],
	}
	n := int(le.Uint32(b[28:]))
	if n < 0 || len(b) < entryFixedSize+n*dimensionEntrySize {
		return nil, 0, tsio.UnsupportedFormatf("CZI directory entry with %d dimensions is truncated", n)
	}
	for i := 0; i < n; i++ {
		d := b[entryFixedSize+i*dimensionEntrySize:]
		e.dims = append(e.dims, dimension{
			name:       strings.TrimRight(string(d[:4]), "\x00 "),
			start:      int32(le.Uint32(d[4:])),
			size:       int32(le.Uint32(d[8:])),
			coordinate: math.Float32frombits(le.Uint32(d[12:])),
			storedSize: int32(le.Uint32(d[16:])),
		})
	}
	return e, e.size(), nil
}

func (e *entry) append(buf []byte) []byte {
	buf = append(buf, 'D', 'V')
	buf = le.AppendUint32(buf, uint32(e.pixelType))
	buf = le.AppendUint64(buf, uint64(e.position))
	buf = le.AppendUint32(buf, uint32(e.filePart))
	buf = le.AppendUint32(buf, uint32(e.compression))
	buf = append(buf, e.pyramidType, 0, 0, 0, 0, 0)
	buf = le.AppendUint32(buf, uint32(len(e.dims)))
	for _, d := range e.dims {
		var name [4]byte
		copy(name[:], d.name)
		buf = append(buf, name[:]...)
		buf = le.AppendUint32(buf, uint32(d.start))
		buf = le.AppendUint32(buf, uint32(d.size))
		buf = le.AppendUint32(buf, math.Float32bits(d.coordinate))
		buf = le.AppendUint32(buf, uint32(d.storedSize))
	}
	return buf
}

var (
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
)

// decompress returns the raw pixels of a subblock.
func decompress(mode int32, src []byte, size, elemSize int) ([]byte, error) {
	switch mode {
	case compressNone:
		return src, nil
	case compressZstd0:
		out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, size))
		if err != nil {
			return nil, tsio.CorruptChunkf("zstd0 subblock: %v", err)
		}
		return out, nil
	case compressZstd1:
		if len(src) < 1 || int(src[0]) > len(src) {
			return nil, tsio.CorruptChunkf("zstd1 subblock header is truncated")
		}
		hdr := src[:src[0]]
		hiLo := len(hdr) >= 3 && hdr[1] == 1 && hdr[2]&1 == 1
		out, err := zstdDecoder.DecodeAll(src[src[0]:], make([]byte, 0, size))
		if err != nil {
			return nil, tsio.CorruptChunkf("zstd1 subblock: %v", err)
		}
		if hiLo && elemSize == 2 {
			out = unpackHiLo(out)
		}
		return out, nil
	}
	return nil, tsio.UnsupportedFormatf("CZI compression %d is not supported", mode)
}

func compress(mode int32, src []byte, elemSize int) []byte {
	switch mode {
	case compressZstd0:
		return zstdEncoder.EncodeAll(src, nil)
	case compressZstd1:
		hdr := []byte{1}
		if elemSize == 2 {
			hdr = []byte{3, 1, 1}
			src = packHiLo(src)
		}
		return zstdEncoder.EncodeAll(src, hdr)
	}
	return src
}

// packHiLo splits 16-bit little-endian words into all low bytes followed by all
// high bytes.
func packHiLo(src []byte) []byte {
	n := len(src) / 2
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		out[i] = src[2*i]
		out[n+i] = src[2*i+1]
	}
	return out
}

func unpackHiLo(src []byte) []byte {
	n := len(src) / 2
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		out[2*i] = src[i]
		out[2*i+1] = src[n+i]
	}
	return out
}

func segmentError(pos int64, want, got string) error {
	return tsio.UnsupportedFormatf("CZI segment at %d is %q, expected %q", pos, got, want)
}

func (d dimension) String() string {
	return fmt.Sprintf("%s[%d+%d]", d.name, d.start, d.size)
}
