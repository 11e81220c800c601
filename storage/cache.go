package storage

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/tsio"
)

// CachedSession keeps recently decoded chunks in memory and coalesces concurrent
// reads of the same chunk into one backend read.  Blocks returned by ReadChunk may
// be shared between callers and must not be modified.
type CachedSession struct {
	Session

	cache *freecache.Cache
	group singleflight.Group

	hits, misses atomic.Uint64
}

// NewCachedSession wraps a session with a decoded chunk cache of the given size.
func NewCachedSession(s Session, cacheMB int) *CachedSession {
	numBytes := cacheMB * 1024 * 1024
	tsio.Infof("Created chunk cache of %s for %s\n", humanize.Bytes(uint64(numBytes)), s.Metadata())
	return &CachedSession{
		Session: s,
		cache:   freecache.NewCache(numBytes),
	}
}

// ReadChunk returns a cached block or reads it through the wrapped session.
func (c *CachedSession) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	key := idx.Bytes()
	if v, err := c.cache.Get(key); err == nil {
		if b, ok := decodeCachedBlock(idx, v); ok {
			c.hits.Add(1)
			return b, nil
		}
	}
	c.misses.Add(1)
	v, err := c.group.Do(string(key), func() (interface{}, error) {
		b, err := c.Session.ReadChunk(ctx, idx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(key, encodeCachedBlock(b), 0); err != nil {
			tsio.Debugf("Not caching chunk %s: %v\n", idx, err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chunk.Block), nil
}

// WriteChunk drops any cached copy before writing through.
func (c *CachedSession) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	c.cache.Del(idx.Bytes())
	return c.Session.WriteChunk(ctx, idx, data)
}

// FillValue forwards to the wrapped session.
func (c *CachedSession) FillValue() []byte {
	if fv, ok := c.Session.(FillValuer); ok {
		return fv.FillValue()
	}
	return nil
}

// Stats returns cache hits and misses so far.
func (c *CachedSession) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedSession) Close() error {
	hits, misses := c.Stats()
	tsio.Debugf("Chunk cache for %s: %d hits, %d misses\n", c.Session.Metadata(), hits, misses)
	c.cache.Clear()
	return c.Session.Close()
}

func encodeCachedBlock(b *chunk.Block) []byte {
	v := make([]byte, 0, tsio.NumAxes*4+len(b.Data))
	for _, n := range b.Shape {
		v = binary.LittleEndian.AppendUint32(v, uint32(n))
	}
	return append(v, b.Data...)
}

func decodeCachedBlock(idx tsio.ChunkPoint5d, v []byte) (*chunk.Block, bool) {
	if len(v) < tsio.NumAxes*4 {
		return nil, false
	}
	b := &chunk.Block{Index: idx}
	for a := range b.Shape {
		b.Shape[a] = int(binary.LittleEndian.Uint32(v[a*4:]))
	}
	b.Data = v[tsio.NumAxes*4:]
	return b, true
}
