package ometiff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/tsio"
)

const bigHeaderSize = 16

// segment is the location of one stored strip or tile.
type segment struct {
	offset uint64
	size   uint64
}

// writeSession appends strips or tiles to a new BigTIFF file and writes the IFD
// chain when closed.
type writeSession struct {
	f      *os.File
	meta   *tsio.Metadata
	scheme uint16
	tiled  bool

	mu       sync.Mutex
	end      uint64
	segments map[tsio.ChunkPoint5d]segment

	closed atomic.Bool
}

func createWriteSession(path string, meta *tsio.Metadata, scheme uint16) (*writeSession, error) {
	if meta == nil {
		return nil, tsio.UnsupportedGeometryf("no metadata for new tiff %s", path)
	}
	cs := meta.ChunkShape()
	if cs[tsio.AxisT] != 1 || cs[tsio.AxisC] != 1 || cs[tsio.AxisZ] != 1 {
		return nil, tsio.UnsupportedGeometryf("tiff chunks hold a single plane, not %s", cs)
	}
	tiled := cs[tsio.AxisX] != meta.X()
	if tiled && (cs[tsio.AxisX]%16 != 0 || cs[tsio.AxisY]%16 != 0) {
		return nil, tsio.UnsupportedGeometryf("tiff tile %dx%d is not a multiple of 16",
			cs[tsio.AxisX], cs[tsio.AxisY])
	}
	if _, err := omeType(meta.DataType()); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var hdr [bigHeaderSize]byte
	copy(hdr[:], "II")
	binary.LittleEndian.PutUint16(hdr[2:], versionBig)
	binary.LittleEndian.PutUint16(hdr[4:], 8)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, err
	}
	return &writeSession{
		f:        f,
		meta:     meta,
		scheme:   scheme,
		tiled:    tiled,
		end:      bigHeaderSize,
		segments: make(map[tsio.ChunkPoint5d]segment),
	}, nil
}

func (s *writeSession) Metadata() *tsio.Metadata {
	return s.meta
}

// storedBytes is the uncompressed size of a chunk in the file.  The last strip holds
// only the rows inside the image.
func (s *writeSession) storedBytes(idx tsio.ChunkPoint5d) int {
	cs := s.meta.ChunkShape()
	rows := cs[tsio.AxisY]
	if !s.tiled {
		rows = min(rows, s.meta.Y()-idx[tsio.AxisY]*rows)
	}
	return rows * cs[tsio.AxisX] * s.meta.DataType().Bytes()
}

func (s *writeSession) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	if s.closed.Load() {
		return tsio.ClosedHandlef("tiff %s", s.f.Name())
	}
	if !s.meta.ContainsChunk(idx) {
		return tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	if want := s.meta.ChunkBytes(); len(data) != want {
		return fmt.Errorf("chunk %s has %d bytes, expected %d", idx, len(data), want)
	}
	encoded, err := compress(s.scheme, data[:s.storedBytes(idx)])
	if err != nil {
		return err
	}

	s.mu.Lock()
	seg, found := s.segments[idx]
	if !found || seg.size != uint64(len(encoded)) {
		seg = segment{offset: s.end, size: uint64(len(encoded))}
		s.end += seg.size
		s.segments[idx] = seg
	}
	s.mu.Unlock()

	if _, err := s.f.WriteAt(encoded, int64(seg.offset)); err != nil {
		return fmt.Errorf("writing tiff chunk %s: %w", idx, err)
	}
	return nil
}

func (s *writeSession) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	if s.closed.Load() {
		return nil, tsio.ClosedHandlef("tiff %s", s.f.Name())
	}
	if !s.meta.ContainsChunk(idx) {
		return nil, tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	s.mu.Lock()
	seg, found := s.segments[idx]
	s.mu.Unlock()
	if !found {
		return nil, tsio.NotFoundf("tiff chunk %s was never written", idx)
	}
	raw := make([]byte, seg.size)
	if _, err := s.f.ReadAt(raw, int64(seg.offset)); err != nil {
		return nil, tsio.CorruptChunkf("tiff chunk %s: %v", idx, err)
	}
	data, err := decompress(uint64(s.scheme), raw, s.storedBytes(idx))
	if err != nil {
		return nil, err
	}
	full := s.meta.ChunkBytes()
	if len(data) < full {
		data = append(data, make([]byte, full-len(data))...)
	}
	return &chunk.Block{Index: idx, Shape: s.meta.ChunkShape(), Data: data}, nil
}

// Close writes one IFD per plane in XYZCT order, the first carrying the OME-XML
// description, then points the header at the chain.
func (s *writeSession) Close() error {
	if s.closed.Swap(true) {
		return tsio.ClosedHandlef("tiff %s", s.f.Name())
	}
	err := s.commit()
	return errors.Join(err, s.f.Close())
}

func (s *writeSession) commit() error {
	description, err := newOMEXML(filepath.Base(s.f.Name()), s.meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fillUnwritten(); err != nil {
		return err
	}
	base := s.end
	var buf []byte
	var first uint64
	prevNext := -1
	nplanes := s.meta.T() * s.meta.C() * s.meta.Z()
	for p := 0; p < nplanes; p++ {
		entries := s.planeEntries(p, description)
		description = ""
		// Values too large for an entry precede their directory.
		values := make([]uint64, len(entries))
		for i, e := range entries {
			if len(e.data) > 8 {
				values[i] = base + uint64(len(buf))
				buf = append(buf, e.data...)
			}
		}
		if (base+uint64(len(buf)))%2 != 0 {
			buf = append(buf, 0)
		}
		pos := base + uint64(len(buf))
		if prevNext >= 0 {
			binary.LittleEndian.PutUint64(buf[prevNext:], pos)
		} else {
			first = pos
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(entries)))
		for i, e := range entries {
			buf = binary.LittleEndian.AppendUint16(buf, e.tag)
			buf = binary.LittleEndian.AppendUint16(buf, e.typ)
			buf = binary.LittleEndian.AppendUint64(buf, e.count)
			var value [8]byte
			if len(e.data) > 8 {
				binary.LittleEndian.PutUint64(value[:], values[i])
			} else {
				copy(value[:], e.data)
			}
			buf = append(buf, value[:]...)
		}
		prevNext = len(buf)
		buf = binary.LittleEndian.AppendUint64(buf, 0)
	}
	if _, err := s.f.WriteAt(buf, int64(base)); err != nil {
		return fmt.Errorf("writing tiff directories: %w", err)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], first)
	if _, err := s.f.WriteAt(hdr[:], 8); err != nil {
		return fmt.Errorf("writing tiff header: %w", err)
	}
	return s.f.Sync()
}

// fillUnwritten points every chunk never written at a zero segment, one segment
// per stored size, so no directory holds a zero offset.
func (s *writeSession) fillUnwritten() error {
	zeros := make(map[int]segment)
	nc := s.meta.NumChunks()
	var idx tsio.ChunkPoint5d
	for idx[tsio.AxisT] = 0; idx[tsio.AxisT] < nc[tsio.AxisT]; idx[tsio.AxisT]++ {
		for idx[tsio.AxisC] = 0; idx[tsio.AxisC] < nc[tsio.AxisC]; idx[tsio.AxisC]++ {
			for idx[tsio.AxisZ] = 0; idx[tsio.AxisZ] < nc[tsio.AxisZ]; idx[tsio.AxisZ]++ {
				for idx[tsio.AxisY] = 0; idx[tsio.AxisY] < nc[tsio.AxisY]; idx[tsio.AxisY]++ {
					for idx[tsio.AxisX] = 0; idx[tsio.AxisX] < nc[tsio.AxisX]; idx[tsio.AxisX]++ {
						if _, found := s.segments[idx]; found {
							continue
						}
						n := s.storedBytes(idx)
						seg, found := zeros[n]
						if !found {
							encoded, err := compress(s.scheme, make([]byte, n))
							if err != nil {
								return err
							}
							seg = segment{offset: s.end, size: uint64(len(encoded))}
							if _, err := s.f.WriteAt(encoded, int64(seg.offset)); err != nil {
								return fmt.Errorf("writing empty tiff chunk: %w", err)
							}
							s.end += seg.size
							zeros[n] = seg
						}
						s.segments[idx] = seg
					}
				}
			}
		}
	}
	if len(zeros) > 0 {
		tsio.Debugf("Filled unwritten chunks of %s with %d zero segments\n", s.f.Name(), len(zeros))
	}
	return nil
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

func shortEntry(tag uint16, v uint16) entry {
	return entry{tag, typeShort, 1, binary.LittleEndian.AppendUint16(nil, v)}
}

func longEntry(tag uint16, v uint32) entry {
	return entry{tag, typeLong, 1, binary.LittleEndian.AppendUint32(nil, v)}
}

func long8Entry(tag uint16, v []uint64) entry {
	var data []byte
	for _, x := range v {
		data = binary.LittleEndian.AppendUint64(data, x)
	}
	return entry{tag, typeLong8, uint64(len(v)), data}
}

func asciiEntry(tag uint16, s string) entry {
	data := append([]byte(s), 0)
	return entry{tag, typeASCII, uint64(len(data)), data}
}

// planeEntries returns the sorted directory entries for canonical plane p.
func (s *writeSession) planeEntries(p int, description string) []entry {
	dt := s.meta.DataType()
	format := uint16(1)
	switch {
	case dt.IsFloat():
		format = 3
	case dt.IsSigned():
		format = 2
	}
	entries := []entry{
		longEntry(tagImageWidth, uint32(s.meta.X())),
		longEntry(tagImageLength, uint32(s.meta.Y())),
		shortEntry(tagBitsPerSample, uint16(dt.Bytes()*8)),
		shortEntry(tagCompression, s.scheme),
		shortEntry(tagPhotometric, 1),
		shortEntry(tagSamplesPerPixel, 1),
		shortEntry(tagPlanarConfig, 1),
		asciiEntry(tagSoftware, "tsio"),
		shortEntry(tagSampleFormat, format),
	}
	if description != "" {
		entries = append(entries, asciiEntry(tagImageDescription, description))
	}

	nc := s.meta.NumChunks()
	z := p % s.meta.Z()
	c := (p / s.meta.Z()) % s.meta.C()
	t := p / (s.meta.Z() * s.meta.C())
	var offsets, counts []uint64
	for y := 0; y < nc[tsio.AxisY]; y++ {
		for x := 0; x < nc[tsio.AxisX]; x++ {
			seg := s.segments[tsio.ChunkPoint5d{t, c, z, y, x}]
			offsets = append(offsets, seg.offset)
			counts = append(counts, seg.size)
		}
	}
	cs := s.meta.ChunkShape()
	if s.tiled {
		entries = append(entries,
			longEntry(tagTileWidth, uint32(cs[tsio.AxisX])),
			longEntry(tagTileLength, uint32(cs[tsio.AxisY])),
			long8Entry(tagTileOffsets, offsets),
			long8Entry(tagTileByteCounts, counts))
	} else {
		entries = append(entries,
			long8Entry(tagStripOffsets, offsets),
			longEntry(tagRowsPerStrip, uint32(cs[tsio.AxisY])),
			long8Entry(tagStripByteCounts, counts))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	return entries
}
