package ometiff

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"

	"github.com/janelia-flyem/tsio/tsio"
)

// TIFF compression schemes.
const (
	compressNone     = 1
	compressLZW      = 5
	compressDeflate  = 8
	compressPackBits = 32773
	compressAdobe    = 32946
	compressZstd     = 50000
)

const (
	predictorNone       = 1
	predictorHorizontal = 2
)

var (
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
)

// compressionByName maps a configuration name onto a TIFF compression code for writing.
func compressionByName(name string) (uint16, error) {
	switch name {
	case "", "none", "raw":
		return compressNone, nil
	case "deflate", "zlib":
		return compressDeflate, nil
	case "zstd":
		return compressZstd, nil
	}
	return 0, tsio.UnsupportedFormatf("tiff compression %q cannot be used for writing", name)
}

// decompress returns the raw bytes of a strip or tile, truncated to size.
func decompress(scheme uint64, src []byte, size int) ([]byte, error) {
	var out []byte
	var err error
	switch scheme {
	case compressNone:
		out = src
	case compressDeflate, compressAdobe:
		var r io.ReadCloser
		if r, err = zlib.NewReader(bytes.NewReader(src)); err == nil {
			out, err = readSized(r, size)
			r.Close()
		}
	case compressLZW:
		r := lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8)
		out, err = readSized(r, size)
		r.Close()
	case compressZstd:
		out, err = zstdDecoder.DecodeAll(src, make([]byte, 0, size))
	case compressPackBits:
		out, err = unpackBits(src, size)
	default:
		return nil, tsio.UnsupportedFormatf("tiff compression %d is not supported", scheme)
	}
	if err != nil {
		return nil, tsio.CorruptChunkf("tiff compression %d: %v", scheme, err)
	}
	if len(out) > size {
		out = out[:size]
	}
	return out, nil
}

func compress(scheme uint16, src []byte) ([]byte, error) {
	switch scheme {
	case compressNone:
		return src, nil
	case compressDeflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case compressZstd:
		return zstdEncoder.EncodeAll(src, nil), nil
	}
	return nil, tsio.UnsupportedFormatf("tiff compression %d cannot be used for writing", scheme)
}

// readSized reads until EOF or size bytes, whichever comes first.  Short outputs are
// tolerated; LZW streams commonly end early for zero padding.
func readSized(r io.Reader, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := io.ReadFull(r, out)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return out[:n], err
}

// unpackBits decodes Apple PackBits run-length encoding.
func unpackBits(src []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < len(src) && len(out) < size; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, io.ErrUnexpectedEOF
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, io.ErrUnexpectedEOF
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}

// undoPredictor reverses horizontal differencing in place.  Data is still in file
// byte order.
func undoPredictor(data []byte, width, elemSize int, order binary.ByteOrder) error {
	rowBytes := width * elemSize
	if rowBytes == 0 {
		return nil
	}
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		r := data[row : row+rowBytes]
		switch elemSize {
		case 1:
			for i := 1; i < width; i++ {
				r[i] += r[i-1]
			}
		case 2:
			for i := 1; i < width; i++ {
				order.PutUint16(r[2*i:], order.Uint16(r[2*i:])+order.Uint16(r[2*i-2:]))
			}
		case 4:
			for i := 1; i < width; i++ {
				order.PutUint32(r[4*i:], order.Uint32(r[4*i:])+order.Uint32(r[4*i-4:]))
			}
		case 8:
			for i := 1; i < width; i++ {
				order.PutUint64(r[8*i:], order.Uint64(r[8*i:])+order.Uint64(r[8*i-8:]))
			}
		default:
			return tsio.UnsupportedFormatf("predictor on %d-byte samples", elemSize)
		}
	}
	return nil
}
