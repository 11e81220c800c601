package tsio

import (
	"bytes"
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

func (suite *DataSuite) TestSerialization(c *C) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 7)
	}
	for _, compression := range []Compression{Uncompressed, Snappy, LZ4, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			s, err := SerializeData(data, compression, checksum)
			c.Assert(err, IsNil)
			if len(s) == 0 {
				c.Errorf("Bad SerializeData() - output length 0")
			}

			out, compress, err := DeserializeData(s)
			c.Assert(err, IsNil)
			c.Assert(compress, Equals, compression)
			c.Assert(bytes.Equal(out, data), Equals, true)

			if checksum != NoChecksum {
				bad := append([]byte{}, s...)
				bad[len(bad)-1] ^= 0x04 // Flip a bit
				_, _, err = DeserializeData(bad)
				c.Assert(err, NotNil)
				c.Assert(errors.Is(err, ErrCorruptChunk), Equals, true)
			}
		}
	}
}

func (suite *DataSuite) TestSerializationFormat(c *C) {
	for _, compression := range []Compression{Uncompressed, Snappy, LZ4, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			f := EncodeSerializationFormat(compression, checksum)
			compress, check := DecodeSerializationFormat(f)
			c.Assert(compress, Equals, compression)
			c.Assert(check, Equals, checksum)
		}
	}
	_, _, err := DeserializeData(nil)
	c.Assert(errors.Is(err, ErrCorruptChunk), Equals, true)
}
