package tsio

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestConfig(c *C) {
	cfg := NewConfig()
	cfg.Set("Compressor", "zstd")
	cfg.Set("level", "3")
	cfg.Set("testing", true)

	s1, found, err := cfg.GetString("compressor")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(s1, Equals, "zstd")

	n, found, err := cfg.GetInt("Level")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(n, Equals, 3)

	b, _, err := cfg.GetBool("testing")
	c.Assert(err, IsNil)
	c.Assert(b, Equals, true)

	_, found, _ = cfg.GetString("missing")
	c.Assert(found, Equals, false)

	_, _, err = cfg.GetInt("compressor")
	c.Assert(err, NotNil)

	merged := cfg.Merge(Config{"level": 5})
	n, _, _ = merged.GetInt("level")
	c.Assert(n, Equals, 5)
	n, _, _ = cfg.GetInt("level")
	c.Assert(n, Equals, 3)
}
