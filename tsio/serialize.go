/*
	This file supports serialization/deserialization and compression of chunk data
	for stores that keep tsio's own chunk records.
*/

package tsio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the format of compression for storing data.
// NOTE: Should be no more than 8 (3 bits) of compression types.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	LZ4
	Zstd
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "No compression"
	case Snappy:
		return "Go Snappy compression"
	case LZ4:
		return "LZ4 compression"
	case Zstd:
		return "Zstandard compression"
	default:
		return "Unknown compression"
	}
}

// ParseCompression maps configuration names ("none", "snappy", "lz4", "zstd").
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return Uncompressed, fmt.Errorf("unknown compression %q", s)
}

// Checksum is the type of checksum employed for error checking stored data.
// NOTE: Should be no more than 4 (2 bits) of checksum types.
type Checksum uint8

const (
	NoChecksum Checksum = 0
	CRC32      Checksum = 1
)

func (checksum Checksum) String() string {
	switch checksum {
	case NoChecksum:
		return "No checksum"
	case CRC32:
		return "CRC32 checksum"
	default:
		return "Unknown checksum"
	}
}

// SerializationFormat is a single byte combining both compression and checksum methods.
type SerializationFormat uint8

func EncodeSerializationFormat(compress Compression, checksum Checksum) SerializationFormat {
	a := (uint8(compress) & 0x07) << 5
	b := (uint8(checksum) & 0x03) << 3
	return SerializationFormat(a | b)
}

func DecodeSerializationFormat(s SerializationFormat) (compress Compression, checksum Checksum) {
	compress = Compression(uint8(s) >> 5)
	checksum = Checksum((uint8(s) >> 3) & 0x03)
	return
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// SerializeData serializes a slice of bytes using optional compression and checksum.
func SerializeData(data []byte, compress Compression, checksum Checksum) ([]byte, error) {
	var byteData []byte
	switch compress {
	case Uncompressed:
		byteData = data
	case Snappy:
		byteData = snappy.Encode(nil, data)
	case LZ4:
		byteData = make([]byte, lz4.CompressBlockBound(len(data))+4)
		binary.LittleEndian.PutUint32(byteData[0:4], uint32(len(data)))
		outSize, err := lz4.CompressBlock(data, byteData[4:], nil)
		if err != nil {
			return nil, err
		}
		byteData = byteData[:4+outSize]
	case Zstd:
		byteData = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("illegal compression (%s) during serialization", compress)
	}

	s := make([]byte, 1, 5+len(byteData))
	s[0] = byte(EncodeSerializationFormat(compress, checksum))
	switch checksum {
	case NoChecksum:
	case CRC32:
		s = binary.LittleEndian.AppendUint32(s, crc32.ChecksumIEEE(byteData))
	default:
		return nil, fmt.Errorf("illegal checksum (%s) during serialization", checksum)
	}
	// The payload goes last, after any checksum, so we don't need a length.
	return append(s, byteData...), nil
}

// DeserializeData deserializes a slice of bytes using stored compression and checksum.
// Any decoding failure is returned as ErrCorruptChunk.
func DeserializeData(s []byte) (data []byte, compress Compression, err error) {
	if len(s) < 1 {
		return nil, Uncompressed, CorruptChunkf("empty serialized data")
	}
	var checksum Checksum
	compress, checksum = DecodeSerializationFormat(SerializationFormat(s[0]))
	cdata := s[1:]

	switch checksum {
	case NoChecksum:
	case CRC32:
		if len(cdata) < 4 {
			return nil, compress, CorruptChunkf("serialized data too short for checksum")
		}
		stored := binary.LittleEndian.Uint32(cdata)
		cdata = cdata[4:]
		if got := crc32.ChecksumIEEE(cdata); got != stored {
			return nil, compress, CorruptChunkf("bad checksum, stored %x got %x", stored, got)
		}
	default:
		return nil, compress, CorruptChunkf("illegal checksum in serialized data")
	}

	switch compress {
	case Uncompressed:
		data = cdata
	case Snappy:
		data, err = snappy.Decode(nil, cdata)
	case LZ4:
		if len(cdata) < 4 {
			return nil, compress, CorruptChunkf("lz4 data missing size header")
		}
		origSize := binary.LittleEndian.Uint32(cdata[0:4])
		data = make([]byte, origSize)
		var n int
		n, err = lz4.UncompressBlock(cdata[4:], data)
		if err == nil && n != int(origSize) {
			err = fmt.Errorf("expected %d uncompressed bytes, got %d", origSize, n)
		}
	case Zstd:
		data, err = zstdDecoder.DecodeAll(cdata, nil)
	default:
		err = fmt.Errorf("illegal compression format (%d)", compress)
	}
	if err != nil {
		return nil, compress, fmt.Errorf("%w: %s: %w", ErrCorruptChunk, compress, err)
	}
	return data, compress, nil
}
