package chunkdb

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/tinylib/msgp/msgp"

	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

func testMetadata(t *testing.T) *tsio.Metadata {
	meta, err := tsio.NewMetadata(tsio.Point5d{2, 2, 5, 40, 30}, tsio.Point5d{1, 2, 4, 16, 16}, tsio.T_int16)
	if err != nil {
		t.Fatal(err)
	}
	return meta.WithPhysicalSize([3]float64{3, 0.4, 0.4}, "µm")
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	meta := testMetadata(t)
	for _, compression := range []string{"none", "snappy", "lz4", "zstd"} {
		path := filepath.Join(t.TempDir(), "scratch.db")
		s, err := Engine{}.Create(path, "", meta, tsio.Config{"compression": compression})
		if err != nil {
			t.Fatalf("create with %s: %v\n", compression, err)
		}
		r := rand.New(rand.NewSource(1))
		written := make(map[tsio.ChunkPoint5d][]byte)
		for _, idx := range []tsio.ChunkPoint5d{{0, 0, 0, 0, 0}, {1, 0, 1, 2, 1}, {0, 0, 1, 0, 1}} {
			data := make([]byte, meta.ChunkBytes())
			r.Read(data)
			if err := s.WriteChunk(ctx, idx, data); err != nil {
				t.Fatalf("write chunk %s: %v\n", idx, err)
			}
			written[idx] = data
		}

		// batched writes are visible before close
		b, err := s.ReadChunk(ctx, tsio.ChunkPoint5d{1, 0, 1, 2, 1})
		if err != nil || !bytes.Equal(b.Data, written[tsio.ChunkPoint5d{1, 0, 1, 2, 1}]) {
			t.Fatalf("expected batched chunk to be readable: %v\n", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v\n", err)
		}
		if err := s.Close(); !errors.Is(err, tsio.ErrClosedHandle) {
			t.Errorf("expected closed handle, got %v\n", err)
		}

		rs, err := Engine{}.Open(path, "", nil)
		if err != nil {
			t.Fatalf("open: %v\n", err)
		}
		if !rs.Metadata().Equal(meta) {
			t.Errorf("expected metadata %s, got %s\n", meta, rs.Metadata())
		}
		if zyx, unit := rs.Metadata().PhysicalSize(); zyx != [3]float64{3, 0.4, 0.4} || unit != "µm" {
			t.Errorf("bad physical size %v %q\n", zyx, unit)
		}
		for idx, data := range written {
			b, err := rs.ReadChunk(ctx, idx)
			if err != nil {
				t.Fatalf("read chunk %s: %v\n", idx, err)
			}
			if !bytes.Equal(b.Data, data) {
				t.Errorf("%s: chunk %s differs\n", compression, idx)
			}
		}
		if _, err := rs.ReadChunk(ctx, tsio.ChunkPoint5d{0, 0, 0, 1, 1}); !errors.Is(err, tsio.ErrNotFound) {
			t.Errorf("expected not found, got %v\n", err)
		}
		if _, err := rs.ReadChunk(ctx, tsio.ChunkPoint5d{0, 1, 0, 0, 0}); !errors.Is(err, tsio.ErrOutOfRange) {
			t.Errorf("expected out of range, got %v\n", err)
		}
		if err := rs.WriteChunk(ctx, tsio.ChunkPoint5d{}, written[tsio.ChunkPoint5d{}]); err == nil {
			t.Errorf("expected read-only session to refuse writes\n")
		}
		rs.Close()
	}
}

func TestCorruptChunk(t *testing.T) {
	ctx := context.Background()
	meta := testMetadata(t)
	path := filepath.Join(t.TempDir(), "corrupt.db")
	s, err := Engine{}.Create(path, "", meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk(ctx, tsio.ChunkPoint5d{}, make([]byte, meta.ChunkBytes())); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// flip payload bytes behind the engine's back
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(tsio.ChunkPoint5d{}))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		v[len(v)-1] ^= 0xFF
		return txn.Set(chunkKey(tsio.ChunkPoint5d{}), v)
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	rs, err := Engine{}.Open(path, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	if _, err := rs.ReadChunk(ctx, tsio.ChunkPoint5d{}); !errors.Is(err, tsio.ErrCorruptChunk) {
		t.Errorf("expected corrupt chunk, got %v\n", err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := (Engine{}).Open(filepath.Join(t.TempDir(), "none.db"), "", nil); !errors.Is(err, tsio.ErrNotFound) {
		t.Errorf("expected not found, got %v\n", err)
	}
	if _, err := (Engine{}).Open(t.TempDir(), "", nil); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format for a directory without a database, got %v\n", err)
	}
	meta := testMetadata(t)
	if _, err := (Engine{}).Create(t.TempDir(), "", meta, tsio.Config{"compression": "brotli"}); !errors.Is(err, tsio.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported compression, got %v\n", err)
	}
	if ft := storage.FileTypeFromPath(t.TempDir()); ft == storage.ChunkDB {
		t.Errorf("empty directory should not look like a chunk database\n")
	}
}

func TestRecord(t *testing.T) {
	r := record{meta: testMetadata(t), compression: tsio.Zstd}
	b, err := r.MarshalMsg(nil)
	if err != nil {
		t.Fatal(err)
	}
	// newer writers may add fields
	b[0]++
	b = msgp.AppendString(b, "comment")
	b = msgp.AppendString(b, "added later")

	var got record
	rest, err := got.UnmarshalMsg(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("expected record to be fully consumed, %d bytes left\n", len(rest))
	}
	if !got.meta.Equal(r.meta) || got.compression != tsio.Zstd {
		t.Errorf("expected %s, got %s\n", r.meta, got.meta)
	}
	if _, err := got.UnmarshalMsg(b[:10]); err == nil {
		t.Errorf("expected truncated record to fail\n")
	}
}
