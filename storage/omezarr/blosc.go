package omezarr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	"github.com/janelia-flyem/tsio/tsio"
)

const (
	bloscHeaderSize = 16

	bloscDoShuffle    = 0x01
	bloscMemcpyed     = 0x02
	bloscDoBitShuffle = 0x04
	bloscDontSplit    = 0x10

	bloscLZ4    = 1
	bloscSnappy = 2
	bloscZlib   = 3
	bloscZstd   = 4
)

// bloscCodec decodes Blosc1 containers written with the lz4, snappy, zlib or zstd
// internal compressors.  Writing Blosc is not supported.
type bloscCodec struct {
	cfg map[string]interface{}
}

func (c bloscCodec) ID() string { return "blosc" }

func (c bloscCodec) Config() map[string]interface{} { return c.cfg }

func (c bloscCodec) Encode(src []byte) ([]byte, error) {
	return nil, tsio.UnsupportedFormatf("writing blosc compressed chunks is not supported")
}

func (c bloscCodec) Decode(src []byte, size int) ([]byte, error) {
	return bloscDecode(src)
}

func bloscDecode(src []byte) ([]byte, error) {
	if len(src) < bloscHeaderSize {
		return nil, fmt.Errorf("blosc buffer of %d bytes too short", len(src))
	}
	flags := src[2]
	typesize := int(src[3])
	nbytes := int(binary.LittleEndian.Uint32(src[4:]))
	blocksize := int(binary.LittleEndian.Uint32(src[8:]))
	cbytes := int(binary.LittleEndian.Uint32(src[12:]))
	if cbytes > len(src) {
		return nil, fmt.Errorf("blosc header claims %d bytes, buffer has %d", cbytes, len(src))
	}
	if flags&bloscMemcpyed != 0 {
		if bloscHeaderSize+nbytes > len(src) {
			return nil, fmt.Errorf("blosc memcpyed buffer too short")
		}
		return append([]byte{}, src[bloscHeaderSize:bloscHeaderSize+nbytes]...), nil
	}
	if flags&bloscDoBitShuffle != 0 && typesize > 1 {
		return nil, tsio.UnsupportedFormatf("blosc bit shuffle is not supported")
	}
	if blocksize <= 0 {
		return nil, fmt.Errorf("blosc block size %d", blocksize)
	}
	compcode := int(flags >> 5)

	out := make([]byte, nbytes)
	nblocks := (nbytes + blocksize - 1) / blocksize
	if bloscHeaderSize+4*nblocks > len(src) {
		return nil, fmt.Errorf("blosc buffer too short for %d block offsets", nblocks)
	}
	for b := 0; b < nblocks; b++ {
		start := int(binary.LittleEndian.Uint32(src[bloscHeaderSize+4*b:]))
		bsize := min(blocksize, nbytes-b*blocksize)
		leftover := bsize < blocksize

		nsplits := 1
		if flags&bloscDontSplit == 0 && !leftover && typesize > 0 && bsize%typesize == 0 {
			nsplits = typesize
		}
		neblock := bsize / nsplits
		block := make([]byte, 0, bsize)
		pos := start
		for s := 0; s < nsplits; s++ {
			if pos+4 > len(src) {
				return nil, fmt.Errorf("blosc block %d truncated", b)
			}
			csize := int(binary.LittleEndian.Uint32(src[pos:]))
			pos += 4
			if pos+csize > len(src) {
				return nil, fmt.Errorf("blosc block %d split %d truncated", b, s)
			}
			cdata := src[pos : pos+csize]
			pos += csize
			if csize == neblock {
				block = append(block, cdata...)
				continue
			}
			dec, err := bloscDecompress(compcode, cdata, neblock)
			if err != nil {
				return nil, fmt.Errorf("blosc block %d: %w", b, err)
			}
			block = append(block, dec...)
		}
		if len(block) != bsize {
			return nil, fmt.Errorf("blosc block %d decoded to %d bytes, expected %d", b, len(block), bsize)
		}
		if flags&bloscDoShuffle != 0 && typesize > 1 {
			unshuffle(out[b*blocksize:b*blocksize+bsize], block, typesize)
		} else {
			copy(out[b*blocksize:], block)
		}
	}
	return out, nil
}

func bloscDecompress(compcode int, src []byte, size int) ([]byte, error) {
	switch compcode {
	case bloscLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(src, out)
		return out[:n], err
	case bloscSnappy:
		return snappy.Decode(nil, src)
	case bloscZlib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readSized(r, size)
	case bloscZstd:
		return zstdDecoder.DecodeAll(src, make([]byte, 0, size))
	}
	return nil, tsio.UnsupportedFormatf("blosc internal compressor %d is not supported", compcode)
}

// unshuffle reverses the Blosc byte shuffle: the shuffled block holds byte 0 of
// every element, then byte 1 of every element, and so on.
func unshuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[i*typesize+j] = src[j*n+i]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}
