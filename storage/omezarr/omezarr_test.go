package omezarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

func testMetadata(t *testing.T) *tsio.Metadata {
	meta, err := tsio.NewMetadata(tsio.Point5d{2, 3, 2, 50, 70}, tsio.Point5d{1, 1, 1, 32, 32}, tsio.T_uint16)
	if err != nil {
		t.Fatal(err)
	}
	return meta.WithPhysicalSize([3]float64{2, 0.25, 0.25}, "micrometer")
}

func randomChunk(r *rand.Rand, meta *tsio.Metadata) []byte {
	data := make([]byte, meta.ChunkBytes())
	r.Read(data)
	return data
}

func roundTrip(t *testing.T, location, hint string, config tsio.Config) {
	ctx := context.Background()
	meta := testMetadata(t)
	e := Engine{}
	s, err := e.Create(location, hint, meta, config)
	if err != nil {
		t.Fatalf("create %s: %v\n", location, err)
	}
	r := rand.New(rand.NewSource(7))
	written := make(map[tsio.ChunkPoint5d][]byte)
	for _, idx := range []tsio.ChunkPoint5d{{0, 0, 0, 0, 0}, {1, 2, 1, 1, 2}, {0, 1, 0, 1, 0}} {
		data := randomChunk(r, meta)
		if err := s.WriteChunk(ctx, idx, data); err != nil {
			t.Fatalf("write chunk %s: %v\n", idx, err)
		}
		written[idx] = data
	}
	if err := s.WriteChunk(ctx, tsio.ChunkPoint5d{0, 0, 0, 2, 0}, randomChunk(r, meta)); !errors.Is(err, tsio.ErrOutOfRange) {
		t.Errorf("expected out of range chunk write to fail, got %v\n", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v\n", err)
	}
	if err := s.WriteChunk(ctx, tsio.ChunkPoint5d{}, written[tsio.ChunkPoint5d{}]); !errors.Is(err, tsio.ErrClosedHandle) {
		t.Errorf("expected closed handle after close, got %v\n", err)
	}

	rs, err := e.Open(location, hint, nil)
	if err != nil {
		t.Fatalf("open %s: %v\n", location, err)
	}
	defer rs.Close()
	if !rs.Metadata().Equal(meta) {
		t.Fatalf("expected metadata %s, got %s\n", meta, rs.Metadata())
	}
	for idx, data := range written {
		b, err := rs.ReadChunk(ctx, idx)
		if err != nil {
			t.Fatalf("read chunk %s: %v\n", idx, err)
		}
		if !bytes.Equal(b.Data, data) {
			t.Errorf("chunk %s differs after round trip\n", idx)
		}
	}
	if _, err := rs.ReadChunk(ctx, tsio.ChunkPoint5d{1, 0, 0, 0, 0}); !errors.Is(err, tsio.ErrNotFound) {
		t.Errorf("expected not found for unwritten chunk, got %v\n", err)
	}
}

func TestRoundTripCompressors(t *testing.T) {
	for _, compressor := range []string{"zstd", "zlib", "gzip", "lz4", "none"} {
		for _, sep := range []string{"/", "."} {
			dir := filepath.Join(t.TempDir(), "out.zarr")
			roundTrip(t, dir, "", tsio.Config{"compressor": compressor, "separator": sep})
		}
	}
}

func TestRoundTripMultiscale(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "group.zarr")
	roundTrip(t, dir, "0", tsio.Config{"level": 3})

	// the group opens without a hint and exposes physical sizes
	s, err := Engine{}.Open(dir, "", nil)
	if err != nil {
		t.Fatalf("open group: %v\n", err)
	}
	defer s.Close()
	zyx, unit := s.Metadata().PhysicalSize()
	if zyx != [3]float64{2, 0.25, 0.25} || unit != "micrometer" {
		t.Errorf("bad physical size %v %q\n", zyx, unit)
	}

	// the array opens directly with axes taken from the parent group
	s2, err := Engine{}.Open(filepath.Join(dir, "0"), "", nil)
	if err != nil {
		t.Fatalf("open level: %v\n", err)
	}
	defer s2.Close()
	if s2.Metadata().Size() != testMetadata(t).Size() {
		t.Errorf("bad size %s\n", s2.Metadata().Size())
	}
}

func TestRoundTripBucket(t *testing.T) {
	url := fmt.Sprintf("mem://zarrtest-%d/images/a.zarr", time.Now().UnixNano())
	roundTrip(t, url, "0", nil)
}

func TestIdempotentWrite(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "idem.zarr")
	meta := testMetadata(t)
	s, err := Engine{}.Create(dir, "", meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	data := randomChunk(rand.New(rand.NewSource(3)), meta)
	idx := tsio.ChunkPoint5d{0, 1, 1, 0, 1}
	if err := s.WriteChunk(ctx, idx, data); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "0", "1", "1", "0", "1")
	once, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("chunk file not written: %v\n", err)
	}
	if err := s.WriteChunk(ctx, idx, data); err != nil {
		t.Fatal(err)
	}
	twice, _ := os.ReadFile(file)
	if !bytes.Equal(once, twice) {
		t.Errorf("rewriting identical chunk changed persisted bytes\n")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateReplacesArray(t *testing.T) {
	ctx := context.Background()
	meta, err := tsio.NewMetadata(tsio.Point5d{1, 1, 1, 64, 64}, tsio.Point5d{1, 1, 1, 32, 32}, tsio.T_uint8)
	if err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewSource(11))
	write := func(location, hint string, m *tsio.Metadata, chunks ...tsio.ChunkPoint5d) {
		s, err := Engine{}.Create(location, hint, m, nil)
		if err != nil {
			t.Fatalf("create %s %q: %v\n", location, hint, err)
		}
		for _, idx := range chunks {
			data := make([]byte, m.ChunkBytes())
			r.Read(data)
			if err := s.WriteChunk(ctx, idx, data); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	}
	all := []tsio.ChunkPoint5d{{0, 0, 0, 0, 0}, {0, 0, 0, 0, 1}, {0, 0, 0, 1, 0}, {0, 0, 0, 1, 1}}
	bucket := fmt.Sprintf("mem://recreate-%d/a.zarr", time.Now().UnixNano())
	for _, location := range []string{filepath.Join(t.TempDir(), "a.zarr"), bucket} {
		for _, hint := range []string{"", "0"} {
			loc := location + "-" + hint
			write(loc, hint, meta, all...)
			if hint != "" {
				write(loc, "1", meta, all...)
			}
			write(loc, hint, meta, tsio.ChunkPoint5d{})

			s, err := Engine{}.Open(loc, hint, nil)
			if err != nil {
				t.Fatal(err)
			}
			for _, idx := range all[1:] {
				if _, err := s.ReadChunk(ctx, idx); !errors.Is(err, tsio.ErrNotFound) {
					t.Errorf("%s %q: chunk %s of the replaced array still readable: %v\n", loc, hint, idx, err)
				}
			}
			s.Close()

			if hint != "" {
				// other levels of the group are untouched
				s, err := Engine{}.Open(loc, "1", nil)
				if err != nil {
					t.Fatal(err)
				}
				if _, err := s.ReadChunk(ctx, all[3]); err != nil {
					t.Errorf("%s: sibling level lost a chunk: %v\n", loc, err)
				}
				s.Close()
			}

			// a new chunk shape must not pick up chunks of the old one
			smaller, err := meta.WithChunkShape(tsio.Point5d{1, 1, 1, 16, 16})
			if err != nil {
				t.Fatal(err)
			}
			write(loc, hint, smaller, tsio.ChunkPoint5d{0, 0, 0, 3, 3})
			s, err = Engine{}.Open(loc, hint, nil)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := s.ReadChunk(ctx, tsio.ChunkPoint5d{}); !errors.Is(err, tsio.ErrNotFound) {
				t.Errorf("%s %q: expected not found after chunk shape change, got %v\n", loc, hint, err)
			}
			s.Close()
		}
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (Engine{}).Open(filepath.Join(dir, "missing.zarr"), "", nil); !errors.Is(err, tsio.ErrNotFound) {
		t.Errorf("expected not found, got %v\n", err)
	}

	empty := filepath.Join(dir, "empty.zarr")
	os.MkdirAll(empty, 0755)
	if _, err := (Engine{}).Open(empty, "", nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format for empty dir, got %v\n", err)
	}

	v3 := filepath.Join(dir, "v3.zarr")
	os.MkdirAll(v3, 0755)
	os.WriteFile(filepath.Join(v3, "zarr.json"), []byte(`{"zarr_format":3}`), 0644)
	if _, err := (Engine{}).Open(v3, "", nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format for zarr v3, got %v\n", err)
	}

	fortran := filepath.Join(dir, "f.zarr")
	os.MkdirAll(fortran, 0755)
	os.WriteFile(filepath.Join(fortran, ".zarray"), []byte(`{"zarr_format":2,"shape":[4,4],"chunks":[2,2],
		"dtype":"<u1","compressor":null,"fill_value":0,"order":"F","filters":null}`), 0644)
	if _, err := (Engine{}).Open(fortran, "", nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format for F order, got %v\n", err)
	}

	ngff5 := filepath.Join(dir, "ngff5.zarr")
	os.MkdirAll(ngff5, 0755)
	os.WriteFile(filepath.Join(ngff5, ".zattrs"), []byte(`{"multiscales":[{"version":"0.5","datasets":[{"path":"0"}]}]}`), 0644)
	if _, err := (Engine{}).Open(ngff5, "", nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format for NGFF 0.5, got %v\n", err)
	}
}

func TestBigEndianAndFill(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "be.zarr")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, ".zarray"), []byte(`{"zarr_format":2,"shape":[3,4,6],"chunks":[1,4,4],
		"dtype":">u2","compressor":null,"fill_value":9,"order":"C","filters":null}`), 0644)
	raw := make([]byte, 16*2)
	for i := 0; i < 16; i++ {
		binary.BigEndian.PutUint16(raw[i*2:], uint16(1000+i))
	}
	os.WriteFile(filepath.Join(dir, "1.0.1"), raw, 0644)

	s, err := Engine{}.Open(dir, "", nil)
	if err != nil {
		t.Fatalf("open: %v\n", err)
	}
	defer s.Close()
	meta := s.Metadata()
	if meta.Size() != (tsio.Point5d{1, 1, 3, 4, 6}) || meta.ChunkShape() != (tsio.Point5d{1, 1, 1, 4, 4}) {
		t.Fatalf("bad right-aligned geometry %s\n", meta)
	}
	b, err := s.ReadChunk(ctx, tsio.ChunkPoint5d{0, 0, 1, 0, 1})
	if err != nil {
		t.Fatalf("read: %v\n", err)
	}
	for i := 0; i < 16; i++ {
		if v := binary.LittleEndian.Uint16(b.Data[i*2:]); v != uint16(1000+i) {
			t.Fatalf("element %d: expected %d, got %d\n", i, 1000+i, v)
		}
	}
	fv, ok := s.(storage.FillValuer)
	if !ok || !bytes.Equal(fv.FillValue(), []byte{9, 0}) {
		t.Errorf("expected fill value 9\n")
	}

	os.WriteFile(filepath.Join(dir, "2.0.0"), raw[:10], 0644)
	if _, err := s.ReadChunk(ctx, tsio.ChunkPoint5d{0, 0, 2, 0, 0}); !errors.Is(err, tsio.ErrCorruptChunk) {
		t.Errorf("expected corrupt chunk for short chunk file, got %v\n", err)
	}
}

func TestDtypes(t *testing.T) {
	tests := []struct {
		s     string
		t     tsio.DataType
		big   bool
		valid bool
	}{
		{"|u1", tsio.T_uint8, false, true},
		{"<u2", tsio.T_uint16, false, true},
		{">i4", tsio.T_int32, true, true},
		{"<f4", tsio.T_float32, false, true},
		{">f8", tsio.T_float64, true, true},
		{"|b1", tsio.T_uint8, false, true},
		{"<c8", 0, false, false},
		{"<u16", 0, false, false},
	}
	for _, tc := range tests {
		d, err := parseDtype(tc.s)
		if !tc.valid {
			if !errors.Is(err, tsio.ErrUnsupportedFormat) {
				t.Errorf("dtype %q: expected unsupported format, got %v\n", tc.s, err)
			}
			continue
		}
		if err != nil || d.DataType != tc.t || d.bigEndian != tc.big {
			t.Errorf("dtype %q: got %v %t %v\n", tc.s, d.DataType, d.bigEndian, err)
		}
	}
	if s := (dtype{DataType: tsio.T_int16}).String(); s != "<i2" {
		t.Errorf("expected <i2, got %s\n", s)
	}
	if s := (dtype{DataType: tsio.T_uint8}).String(); s != "|u1" {
		t.Errorf("expected |u1, got %s\n", s)
	}
}

func TestMapAxes(t *testing.T) {
	dims, err := mapAxes(3, []string{"c", "y", "x"})
	if err != nil || dims[0] != tsio.AxisC || dims[2] != tsio.AxisX {
		t.Errorf("bad axes %v %v\n", dims, err)
	}
	dims, err = mapAxes(2, nil)
	if err != nil || dims[0] != tsio.AxisY || dims[1] != tsio.AxisX {
		t.Errorf("bad right-aligned axes %v %v\n", dims, err)
	}
	if _, err := mapAxes(3, []string{"y", "z", "x"}); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported order error, got %v\n", err)
	}
	if _, err := mapAxes(6, nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported dimensionality, got %v\n", err)
	}
}

func TestBloscDecode(t *testing.T) {
	data := make([]byte, 4000)
	for i := range data {
		data[i] = byte(i / 3)
	}

	// memcpyed container
	memcpy := bloscHeader(0x02, 2, len(data), len(data), 16+len(data))
	memcpy = append(memcpy, data...)
	out, err := bloscDecode(memcpy)
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("memcpyed decode failed: %v\n", err)
	}

	// one unsplit, shuffled, stored block
	shuffled := make([]byte, len(data))
	n := len(data) / 2
	for i := 0; i < n; i++ {
		shuffled[i] = data[2*i]
		shuffled[n+i] = data[2*i+1]
	}
	buf := bloscHeader(0x01|0x10|(1<<5), 2, len(data), len(data), 0)
	buf = binary.LittleEndian.AppendUint32(buf, 20)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(shuffled)))
	buf = append(buf, shuffled...)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(buf)))
	out, err = bloscDecode(buf)
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("shuffled decode failed: %v\n", err)
	}

	bits := bloscHeader(0x04, 2, len(data), len(data), 16)
	if _, err := bloscDecode(bits); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported bit shuffle, got %v\n", err)
	}
}

// A hand-assembled Blosc1 container: lz4, byte shuffle, 2-byte elements, one
// 64-byte block split in two compressed streams and a 16-byte leftover block.
var bloscLZ4Fixture = []byte{
	0x02, 0x01, 0x21, 0x02, // version, lz4 format version, shuffle|lz4, typesize
	0x50, 0x00, 0x00, 0x00, // nbytes 80
	0x40, 0x00, 0x00, 0x00, // blocksize 64
	0x47, 0x00, 0x00, 0x00, // cbytes 71
	0x18, 0x00, 0x00, 0x00, // block 0 at 24
	0x36, 0x00, 0x00, 0x00, // block 1 at 54
	0x0b, 0x00, 0x00, 0x00, 0x1f, 0x07, 0x01, 0x00, 0x07, 0x50, 0x07, 0x07, 0x07, 0x07, 0x07,
	0x0b, 0x00, 0x00, 0x00, 0x1f, 0x01, 0x01, 0x00, 0x07, 0x50, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x0d, 0x00, 0x00, 0x00, 0x13, 0x07, 0x01, 0x00, 0x80, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
}

func TestBloscFixture(t *testing.T) {
	c, err := newCodec(map[string]interface{}{"id": "blosc", "cname": "lz4", "clevel": 5.0, "shuffle": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(bloscLZ4Fixture, 80)
	if err != nil {
		t.Fatalf("decode: %v\n", err)
	}
	if len(out) != 80 {
		t.Fatalf("expected 80 bytes, got %d\n", len(out))
	}
	for i := 0; i < len(out); i += 2 {
		if v := binary.LittleEndian.Uint16(out[i:]); v != 0x0107 {
			t.Fatalf("element %d: expected 0x0107, got %#x\n", i/2, v)
		}
	}

	truncated := append([]byte{}, bloscLZ4Fixture[:60]...)
	binary.LittleEndian.PutUint32(truncated[12:], 60)
	if _, err := bloscDecode(truncated); err == nil {
		t.Errorf("expected truncated blosc container to fail\n")
	}
}

// bloscShuffle is the inverse of unshuffle.
func bloscShuffle(src []byte, typesize int) []byte {
	dst := make([]byte, len(src))
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[j*n+i] = src[i*typesize+j]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
	return dst
}

func bloscCompress(t *testing.T, compcode int, src []byte) []byte {
	switch compcode {
	case bloscLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			return src
		}
		return dst[:n]
	case bloscSnappy:
		return snappy.Encode(nil, src)
	case bloscZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		w.Write(src)
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	case bloscZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatal(err)
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil)
	}
	t.Fatalf("no compressor %d\n", compcode)
	return nil
}

// bloscAssemble lays out a shuffled Blosc1 container the way c-blosc does when
// every full block is split into one stream per byte of an element.  It reports
// how many streams ended up compressed.
func bloscAssemble(t *testing.T, compcode, typesize, blocksize int, data []byte) ([]byte, int) {
	nblocks := (len(data) + blocksize - 1) / blocksize
	buf := bloscHeader(byte(bloscDoShuffle|compcode<<5), typesize, len(data), blocksize, 0)
	buf = append(buf, make([]byte, 4*nblocks)...)
	var compressed int
	for b := 0; b < nblocks; b++ {
		binary.LittleEndian.PutUint32(buf[bloscHeaderSize+4*b:], uint32(len(buf)))
		block := bloscShuffle(data[b*blocksize:min((b+1)*blocksize, len(data))], typesize)
		nsplits := 1
		if len(block) == blocksize {
			nsplits = typesize
		}
		neblock := len(block) / nsplits
		for s := 0; s < nsplits; s++ {
			split := block[s*neblock : (s+1)*neblock]
			c := bloscCompress(t, compcode, split)
			if len(c) >= neblock {
				c = split
			} else {
				compressed++
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c)))
			buf = append(buf, c...)
		}
	}
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(buf)))
	return buf, compressed
}

func TestBloscCompressors(t *testing.T) {
	for _, typesize := range []int{2, 4} {
		data := make([]byte, 5000)
		for i := 0; i < len(data)/typesize; i++ {
			data[i*typesize] = byte(i / 7)
			data[i*typesize+1] = byte(i / 900)
		}
		for _, compcode := range []int{bloscLZ4, bloscSnappy, bloscZlib, bloscZstd} {
			buf, compressed := bloscAssemble(t, compcode, typesize, 1024, data)
			if compressed == 0 {
				t.Fatalf("compressor %d: no compressed streams in container\n", compcode)
			}
			out, err := bloscDecode(buf)
			if err != nil {
				t.Fatalf("compressor %d, typesize %d: %v\n", compcode, typesize, err)
			}
			if !bytes.Equal(out, data) {
				t.Errorf("compressor %d, typesize %d: decoded data differs\n", compcode, typesize)
			}
		}
	}
	if _, err := bloscDecompress(7, []byte{1, 2, 3}, 3); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported internal compressor, got %v\n", err)
	}
}

func bloscHeader(flags byte, typesize, nbytes, blocksize, cbytes int) []byte {
	h := []byte{2, 1, flags, byte(typesize)}
	h = binary.LittleEndian.AppendUint32(h, uint32(nbytes))
	h = binary.LittleEndian.AppendUint32(h, uint32(blocksize))
	h = binary.LittleEndian.AppendUint32(h, uint32(cbytes))
	return h
}
