package czi

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/tsio"
)

// writeDense writes a random dataset chunk by chunk and returns it as a dense array.
func writeDense(t *testing.T, path string, meta *tsio.Metadata, config tsio.Config) *tsio.Array {
	ctx := context.Background()
	s, err := Engine{}.Create(path, "", meta, config)
	if err != nil {
		t.Fatalf("create %s: %v\n", path, err)
	}
	dense := tsio.NewArray(meta.Size(), meta.DataType())
	rand.New(rand.NewSource(5)).Read(dense.Data)
	var all tsio.Selection
	for a := range all {
		all[a] = tsio.Span(0, meta.Size()[a]-1)
	}
	transfers, err := chunk.Resolve(meta.Size(), meta.ChunkShape(), all)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range transfers {
		b := chunk.NewBlock(tr.Chunk, meta.ChunkShape(), meta.DataType())
		if err := chunk.CopyFromDense(b, dense, tr); err != nil {
			t.Fatal(err)
		}
		if err := s.WriteChunk(ctx, tr.Chunk, b.Data); err != nil {
			t.Fatalf("write chunk %s: %v\n", tr.Chunk, err)
		}
		rb, err := s.ReadChunk(ctx, tr.Chunk)
		if err != nil || !bytes.Equal(rb.Data, b.Data) {
			t.Fatalf("chunk %s not read back from writer: %v\n", tr.Chunk, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close %s: %v\n", path, err)
	}
	return dense
}

// readDense reads every plane of a file into a dense array.
func readDense(t *testing.T, path string) (*tsio.Metadata, *tsio.Array) {
	ctx := context.Background()
	s, err := Engine{}.Open(path, "", nil)
	if err != nil {
		t.Fatalf("open %s: %v\n", path, err)
	}
	defer s.Close()
	meta := s.Metadata()
	dense := tsio.NewArray(meta.Size(), meta.DataType())
	var all tsio.Selection
	for a := range all {
		all[a] = tsio.Span(0, meta.Size()[a]-1)
	}
	transfers, err := chunk.Resolve(meta.Size(), meta.ChunkShape(), all)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range transfers {
		b, err := s.ReadChunk(ctx, tr.Chunk)
		if err != nil {
			t.Fatalf("read chunk %s: %v\n", tr.Chunk, err)
		}
		if err := chunk.CopyToDense(dense, b, tr); err != nil {
			t.Fatal(err)
		}
	}
	return meta, dense
}

func TestRoundTrip(t *testing.T) {
	meta, err := tsio.NewMetadata(tsio.Point5d{2, 2, 3, 45, 70}, tsio.Point5d{1, 1, 1, 20, 32}, tsio.T_uint16)
	if err != nil {
		t.Fatal(err)
	}
	for _, compression := range []string{"none", "zstd0", "zstd1"} {
		path := filepath.Join(t.TempDir(), "image.czi")
		expected := writeDense(t, path, meta, tsio.Config{"compression": compression})
		got, dense := readDense(t, path)
		if got.Size() != meta.Size() || got.DataType() != meta.DataType() {
			t.Fatalf("expected %s, got %s\n", meta, got)
		}
		if got.ChunkShape() != (tsio.Point5d{1, 1, 1, 45, 70}) {
			t.Errorf("expected whole-plane chunks, got %s\n", got.ChunkShape())
		}
		if !bytes.Equal(dense.Data, expected.Data) {
			t.Errorf("%s: planes differ after round trip\n", compression)
		}
	}
}

func TestSparseWrite(t *testing.T) {
	ctx := context.Background()
	meta, err := tsio.NewMetadata(tsio.Point5d{1, 1, 1, 40, 40}, tsio.Point5d{1, 1, 1, 20, 20}, tsio.T_float32)
	if err != nil {
		t.Fatal(err)
	}
	meta = meta.WithPhysicalSize([3]float64{2, 0.5, 0.5}, "µm")
	path := filepath.Join(t.TempDir(), "sparse.czi")
	s, err := Engine{}.Create(path, "", meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, meta.ChunkBytes())
	for i := 0; i < len(data); i += 4 {
		tsio.T_float32.PutFloat64(data[i:], 1.5)
	}
	if err := s.WriteChunk(ctx, tsio.ChunkPoint5d{0, 0, 0, 1, 1}, data); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadChunk(ctx, tsio.ChunkPoint5d{}); !errors.Is(err, tsio.ErrNotFound) {
		t.Errorf("expected unwritten chunk to be not found, got %v\n", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); !errors.Is(err, tsio.ErrClosedHandle) {
		t.Errorf("expected closed handle, got %v\n", err)
	}

	got, dense := readDense(t, path)
	if got.Size() != meta.Size() {
		t.Fatalf("unwritten chunks changed extent to %s\n", got.Size())
	}
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			expected := 0.0
			if y >= 20 && x >= 20 {
				expected = 1.5
			}
			if v := dense.Float64At(tsio.Point5d{0, 0, 0, y, x}); v != expected {
				t.Fatalf("voxel (%d,%d): expected %g, got %g\n", y, x, expected, v)
			}
		}
	}
	zyx, unit := got.PhysicalSize()
	if unit != "µm" || math.Abs(zyx[0]-2) > 1e-9 || math.Abs(zyx[2]-0.5) > 1e-9 {
		t.Errorf("bad physical size %v %q\n", zyx, unit)
	}
}

func TestCreateErrors(t *testing.T) {
	dir := t.TempDir()
	meta, _ := tsio.NewMetadata(tsio.Point5d{1, 1, 4, 32, 32}, tsio.Point5d{1, 1, 2, 32, 32}, tsio.T_uint8)
	if _, err := (Engine{}).Create(filepath.Join(dir, "a.czi"), "", meta, nil); !errors.Is(err, tsio.ErrUnsupportedGeometry) {
		t.Errorf("expected unsupported geometry, got %v\n", err)
	}
	meta, _ = tsio.NewMetadata(tsio.Point5d{1, 1, 1, 32, 32}, tsio.Point5d{1, 1, 1, 32, 32}, tsio.T_int8)
	if _, err := (Engine{}).Create(filepath.Join(dir, "b.czi"), "", meta, nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format, got %v\n", err)
	}
	meta, _ = tsio.NewMetadata(tsio.Point5d{1, 1, 1, 32, 32}, tsio.Point5d{1, 1, 1, 32, 32}, tsio.T_uint8)
	if _, err := (Engine{}).Create(filepath.Join(dir, "c.czi"), "", meta, tsio.Config{"compression": "jpgxr"}); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported compression, got %v\n", err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (Engine{}).Open(filepath.Join(dir, "missing.czi"), "", nil); !errors.Is(err, tsio.ErrNotFound) {
		t.Errorf("expected not found, got %v\n", err)
	}
	junk := filepath.Join(dir, "junk.czi")
	if err := os.WriteFile(junk, bytes.Repeat([]byte("not a czi "), 10), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := (Engine{}).Open(junk, "", nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format, got %v\n", err)
	}

	meta, _ := tsio.NewMetadata(tsio.Point5d{1, 1, 1, 16, 16}, tsio.Point5d{1, 1, 1, 16, 16}, tsio.T_uint8)
	path := filepath.Join(dir, "one.czi")
	writeDense(t, path, meta, nil)
	if _, err := (Engine{}).Open(path, "3", nil); !errors.Is(err, tsio.ErrNotFound) {
		t.Errorf("expected missing scene to be not found, got %v\n", err)
	}
}

func TestHiLo(t *testing.T) {
	words := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	packed := packHiLo(words)
	if expected := []byte{0x01, 0x03, 0x05, 0x02, 0x04, 0x06}; !bytes.Equal(packed, expected) {
		t.Errorf("expected %x, got %x\n", expected, packed)
	}
	if !bytes.Equal(unpackHiLo(packed), words) {
		t.Errorf("hi/lo unpack did not restore words\n")
	}
}
