package czi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/tsio"
)

// writeSession appends one subblock per written chunk.  The directory and metadata
// segments follow the last subblock when the session is closed.
type writeSession struct {
	f         *os.File
	meta      *tsio.Metadata
	mode      int32
	pixelType int32

	mu     sync.Mutex
	end    int64
	blocks map[tsio.ChunkPoint5d]*entry
	sizes  map[tsio.ChunkPoint5d]int64 // segment length on disk

	closed atomic.Bool
}

func createWriteSession(path string, meta *tsio.Metadata, mode int32) (*writeSession, error) {
	if meta == nil {
		return nil, tsio.UnsupportedGeometryf("no metadata for new CZI file %s", path)
	}
	cs := meta.ChunkShape()
	if cs[tsio.AxisT] != 1 || cs[tsio.AxisC] != 1 || cs[tsio.AxisZ] != 1 {
		return nil, tsio.UnsupportedGeometryf("CZI subblocks hold a single plane, not %s", cs)
	}
	pixelType, err := pixelTypeOf(meta.DataType())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	hdr := segment(segFile, make([]byte, fileHeaderSize))
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &writeSession{
		f:         f,
		meta:      meta,
		mode:      mode,
		pixelType: pixelType,
		end:       int64(len(hdr)),
		blocks:    make(map[tsio.ChunkPoint5d]*entry),
		sizes:     make(map[tsio.ChunkPoint5d]int64),
	}, nil
}

func (s *writeSession) Metadata() *tsio.Metadata {
	return s.meta
}

func (s *writeSession) newEntry(idx tsio.ChunkPoint5d) *entry {
	origin := idx.Origin(s.meta.ChunkShape())
	ext := s.meta.ChunkExtent(idx)
	dim := func(name string, a tsio.Axis) dimension {
		return dimension{
			name:       name,
			start:      int32(origin[a]),
			size:       int32(ext[a]),
			coordinate: float32(origin[a]),
			storedSize: int32(ext[a]),
		}
	}
	return &entry{
		pixelType:   s.pixelType,
		compression: s.mode,
		dims: []dimension{
			dim("X", tsio.AxisX), dim("Y", tsio.AxisY), dim("C", tsio.AxisC),
			dim("Z", tsio.AxisZ), dim("T", tsio.AxisT),
		},
	}
}

// crop copies the part of a nominal chunk inside the image into a tight buffer.
func (s *writeSession) crop(idx tsio.ChunkPoint5d, data []byte) []byte {
	cs := s.meta.ChunkShape()
	ext := s.meta.ChunkExtent(idx)
	es := s.meta.DataType().Bytes()
	if ext == cs {
		return data
	}
	out := make([]byte, 0, ext.Prod()*es)
	for r := 0; r < ext[tsio.AxisY]; r++ {
		row := r * cs[tsio.AxisX] * es
		out = append(out, data[row:row+ext[tsio.AxisX]*es]...)
	}
	return out
}

func (s *writeSession) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	if s.closed.Load() {
		return tsio.ClosedHandlef("CZI file %s", s.f.Name())
	}
	if !s.meta.ContainsChunk(idx) {
		return tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	if want := s.meta.ChunkBytes(); len(data) != want {
		return fmt.Errorf("chunk %s has %d bytes, expected %d", idx, len(data), want)
	}
	return s.writeSubBlock(idx, s.crop(idx, data))
}

func (s *writeSession) writeSubBlock(idx tsio.ChunkPoint5d, pixels []byte) error {
	payload := compress(s.mode, pixels, s.meta.DataType().Bytes())
	e := s.newEntry(idx)
	headerPart := max(subBlockHeaderMin, 16+e.size())
	length := int64(segHeaderSize + (headerPart+len(payload)+segAlign-1)/segAlign*segAlign)

	s.mu.Lock()
	pos := s.end
	if old, found := s.blocks[idx]; found && s.sizes[idx] == length {
		pos = old.position
	} else {
		s.end += length
	}
	e.position = pos
	s.blocks[idx] = e
	s.sizes[idx] = length
	s.mu.Unlock()

	body := make([]byte, 16, headerPart+len(payload))
	le.PutUint64(body[8:], uint64(len(payload)))
	body = e.append(body)
	body = append(body, make([]byte, headerPart-len(body))...)
	body = append(body, payload...)
	if _, err := s.f.WriteAt(segment(segSubBlock, body), pos); err != nil {
		return fmt.Errorf("writing CZI subblock %s: %w", idx, err)
	}
	return nil
}

func (s *writeSession) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	if s.closed.Load() {
		return nil, tsio.ClosedHandlef("CZI file %s", s.f.Name())
	}
	if !s.meta.ContainsChunk(idx) {
		return nil, tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	s.mu.Lock()
	e, found := s.blocks[idx]
	s.mu.Unlock()
	if !found {
		return nil, tsio.NotFoundf("CZI chunk %s was never written", idx)
	}
	dtype := s.meta.DataType()
	es := dtype.Bytes()
	data, err := readSubBlock(s.f, e, es)
	if err != nil {
		return nil, err
	}
	b := chunk.NewBlock(idx, s.meta.ChunkShape(), dtype)
	ext := s.meta.ChunkExtent(idx)
	cs := s.meta.ChunkShape()
	for r := 0; r < ext[tsio.AxisY]; r++ {
		copy(b.Data[r*cs[tsio.AxisX]*es:], data[r*ext[tsio.AxisX]*es:(r+1)*ext[tsio.AxisX]*es])
	}
	return b, nil
}

// Close writes zero subblocks for chunks never written so the image extent
// survives, then the directory and metadata segments, and finally the header.
func (s *writeSession) Close() error {
	if s.closed.Swap(true) {
		return tsio.ClosedHandlef("CZI file %s", s.f.Name())
	}
	err := s.commit()
	return errors.Join(err, s.f.Close())
}

func (s *writeSession) commit() error {
	nc := s.meta.NumChunks()
	es := s.meta.DataType().Bytes()
	for ct := 0; ct < nc[tsio.AxisT]; ct++ {
		for cc := 0; cc < nc[tsio.AxisC]; cc++ {
			for cz := 0; cz < nc[tsio.AxisZ]; cz++ {
				for cy := 0; cy < nc[tsio.AxisY]; cy++ {
					for cx := 0; cx < nc[tsio.AxisX]; cx++ {
						idx := tsio.ChunkPoint5d{ct, cc, cz, cy, cx}
						if _, found := s.blocks[idx]; found {
							continue
						}
						if err := s.writeSubBlock(idx, make([]byte, s.meta.ChunkExtent(idx).Prod()*es)); err != nil {
							return err
						}
					}
				}
			}
		}
	}

	entries := make([]*entry, 0, len(s.blocks))
	for _, e := range s.blocks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].position < entries[j].position })
	dir := make([]byte, directoryHeader)
	le.PutUint32(dir, uint32(len(entries)))
	for _, e := range entries {
		dir = e.append(dir)
	}
	dirSeg := segment(segDirectory, dir)
	dirPos := s.end
	if _, err := s.f.WriteAt(dirSeg, dirPos); err != nil {
		return fmt.Errorf("writing CZI directory: %w", err)
	}

	xmlData, err := newMetadata(s.meta, s.pixelType)
	if err != nil {
		return err
	}
	md := make([]byte, metadataHeader, metadataHeader+len(xmlData))
	le.PutUint32(md, uint32(len(xmlData)))
	md = append(md, xmlData...)
	metaPos := dirPos + int64(len(dirSeg))
	if _, err := s.f.WriteAt(segment(segMetadata, md), metaPos); err != nil {
		return fmt.Errorf("writing CZI metadata: %w", err)
	}

	hdr := make([]byte, fileHeaderSize)
	le.PutUint32(hdr[0:], 1) // major version
	id := uuid.NewV4().Bytes()
	copy(hdr[16:32], id)
	copy(hdr[32:48], id)
	le.PutUint64(hdr[52:], uint64(dirPos))
	le.PutUint64(hdr[60:], uint64(metaPos))
	if _, err := s.f.WriteAt(segment(segFile, hdr), 0); err != nil {
		return fmt.Errorf("writing CZI header: %w", err)
	}
	return s.f.Sync()
}
