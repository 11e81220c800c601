package omezarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/janelia-flyem/tsio/tsio"
)

// codec is a numcodecs compressor identified by the "id" of a .zarray compressor.
type codec interface {
	ID() string
	Config() map[string]interface{}
	Encode(src []byte) ([]byte, error)
	// Decode returns at most size bytes; size is the uncompressed chunk size.
	Decode(src []byte, size int) ([]byte, error)
}

var zstdDecoder, _ = zstd.NewReader(nil)

// newCodec returns the codec described by a .zarray "compressor" object, or nil for
// uncompressed arrays.
func newCodec(cfg map[string]interface{}) (codec, error) {
	if cfg == nil {
		return nil, nil
	}
	id, _ := cfg["id"].(string)
	level := -1
	if l, found := cfg["level"].(float64); found {
		level = int(l)
	}
	switch id {
	case "zstd":
		return newZstdCodec(level)
	case "zlib":
		return zlibCodec{level}, nil
	case "gzip":
		return gzipCodec{level}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "blosc":
		return bloscCodec{cfg}, nil
	}
	return nil, tsio.UnsupportedFormatf("compressor %q is not supported", id)
}

// codecByName builds a codec for writing from a configuration name.
func codecByName(name string, level int) (codec, error) {
	switch name {
	case "", "zstd":
		return newZstdCodec(level)
	case "zlib":
		return zlibCodec{level}, nil
	case "gzip":
		return gzipCodec{level}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "none", "raw":
		return nil, nil
	}
	return nil, fmt.Errorf("compressor %q cannot be used for writing", name)
}

type zstdCodec struct {
	level int
	enc   *zstd.Encoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	if level <= 0 {
		level = 1
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	return &zstdCodec{level, enc}, nil
}

func (c *zstdCodec) ID() string { return "zstd" }

func (c *zstdCodec) Config() map[string]interface{} {
	return map[string]interface{}{"id": "zstd", "level": c.level}
}

func (c *zstdCodec) Encode(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *zstdCodec) Decode(src []byte, size int) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, make([]byte, 0, size))
}

type zlibCodec struct{ level int }

func (c zlibCodec) ID() string { return "zlib" }

func (c zlibCodec) Config() map[string]interface{} {
	return map[string]interface{}{"id": "zlib", "level": max(c.level, 1)}
}

func (c zlibCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	level := c.level
	if level < 0 {
		level = zlib.DefaultCompression
	}
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c zlibCodec) Decode(src []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readSized(r, size)
}

type gzipCodec struct{ level int }

func (c gzipCodec) ID() string { return "gzip" }

func (c gzipCodec) Config() map[string]interface{} {
	return map[string]interface{}{"id": "gzip", "level": max(c.level, 1)}
}

func (c gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	level := c.level
	if level < 0 {
		level = gzip.DefaultCompression
	}
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) Decode(src []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readSized(r, size)
}

// lz4Codec is the numcodecs LZ4 framing: a little-endian uint32 uncompressed size
// followed by one LZ4 block.
type lz4Codec struct{}

func (lz4Codec) ID() string { return "lz4" }

func (lz4Codec) Config() map[string]interface{} {
	return map[string]interface{}{"id": "lz4", "acceleration": 1}
}

func (lz4Codec) Encode(src []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(out, uint32(len(src)))
	n, err := lz4.CompressBlock(src, out[4:], nil)
	if err != nil {
		return nil, err
	}
	return out[:4+n], nil
}

func (lz4Codec) Decode(src []byte, size int) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("lz4 chunk of %d bytes has no size header", len(src))
	}
	n := int(binary.LittleEndian.Uint32(src))
	out := make([]byte, n)
	got, err := lz4.UncompressBlock(src[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:got], nil
}

func readSized(r io.Reader, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
