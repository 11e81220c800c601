/*
	Package ometiff reads OME-TIFF and plain TIFF stacks and writes OME-TIFF as
	little-endian BigTIFF.  Each strip or tile of a plane is one chunk.
*/
package ometiff

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/blang/semver"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		tsio.Errorf("Unable to make semver in ometiff: %v\n", err)
	}
	e := Engine{"ometiff", "OME-TIFF and BigTIFF plane stacks", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) FileType() storage.FileType {
	return storage.OmeTiff
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// Open reads the IFD chain of a TIFF file.  The hint is unused.
func (e Engine) Open(path, hint string, config tsio.Config) (storage.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tsio.NotFoundf("tiff file %q", path)
		}
		return nil, err
	}
	s, err := openSession(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Create starts a new OME-TIFF file.  Config key "compression" selects none,
// deflate or zstd.
func (e Engine) Create(path, hint string, meta *tsio.Metadata, config tsio.Config) (storage.Session, error) {
	name, _, err := config.GetString("compression")
	if err != nil {
		return nil, err
	}
	scheme, err := compressionByName(strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	return createWriteSession(path, meta, scheme)
}

// readSession serves chunks from an existing TIFF file.
type readSession struct {
	f     *os.File
	order binary.ByteOrder
	meta  *tsio.Metadata

	planes    []*ifd // canonical (t, c, z) order
	tiled     bool
	chunkH    int
	chunkW    int
	elemSize  int
	predictor uint64

	closed atomic.Bool
}

func openSession(f *os.File) (*readSession, error) {
	ifds, order, err := readIFDs(f)
	if err != nil {
		return nil, err
	}
	if len(ifds) == 0 {
		return nil, tsio.UnsupportedFormatf("tiff %s has no images", f.Name())
	}
	first := ifds[0]
	width, height := int(first.get(tagImageWidth, 0)), int(first.get(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, tsio.UnsupportedFormatf("tiff %s has empty first image", f.Name())
	}
	dt, err := first.pixelType()
	if err != nil {
		return nil, err
	}

	s := &readSession{f: f, order: order, elemSize: dt.Bytes()}
	var size tsio.Point5d
	var zyx [3]float64
	var unit string
	pixels, err := parseOMEXML(first.description)
	if err != nil {
		return nil, err
	}
	if pixels != nil {
		if dt, err = pixels.dataType(); err != nil {
			return nil, err
		}
		size = pixels.size()
		if size[tsio.AxisX] != width || size[tsio.AxisY] != height {
			return nil, tsio.UnsupportedFormatf("OME-XML plane %dx%d does not match tiff image %dx%d",
				size[tsio.AxisX], size[tsio.AxisY], width, height)
		}
		planeIFDs, err := pixels.planeIFDs()
		if err != nil {
			return nil, err
		}
		for _, i := range planeIFDs {
			if i < 0 || i >= len(ifds) {
				return nil, tsio.UnsupportedFormatf("OME-XML refers to IFD %d of %d", i, len(ifds))
			}
			s.planes = append(s.planes, ifds[i])
		}
		zyx, unit = pixels.physicalSize()
	} else {
		for _, d := range ifds {
			if int(d.get(tagImageWidth, 0)) != width || int(d.get(tagImageLength, 0)) != height {
				break
			}
			s.planes = append(s.planes, d)
		}
		size = tsio.Point5d{1, 1, len(s.planes), height, width}
	}

	s.tiled = first.has(tagTileWidth)
	if s.tiled {
		s.chunkW, s.chunkH = int(first.get(tagTileWidth, 0)), int(first.get(tagTileLength, 0))
	} else {
		s.chunkW, s.chunkH = width, min(int(first.get(tagRowsPerStrip, uint64(height))), height)
	}
	s.predictor = first.get(tagPredictor, predictorNone)
	for _, d := range s.planes {
		if err := s.checkPlane(d, width, height, dt); err != nil {
			return nil, err
		}
	}

	meta, err := tsio.NewMetadata(size, tsio.Point5d{1, 1, 1, s.chunkH, s.chunkW}, dt)
	if err != nil {
		return nil, err
	}
	s.meta = meta.WithPhysicalSize(zyx, unit)
	tsio.Debugf("Opened tiff %s: %s\n", f.Name(), s.meta)
	return s, nil
}

// checkPlane requires every plane to share the geometry and layout of the first.
func (s *readSession) checkPlane(d *ifd, width, height int, dt tsio.DataType) error {
	name := filepath.Base(s.f.Name())
	if int(d.get(tagImageWidth, 0)) != width || int(d.get(tagImageLength, 0)) != height {
		return tsio.UnsupportedFormatf("tiff %s mixes plane sizes", name)
	}
	if spp := d.get(tagSamplesPerPixel, 1); spp != 1 {
		return tsio.UnsupportedFormatf("tiff %s has %d samples per pixel", name, spp)
	}
	pt, err := d.pixelType()
	if err != nil {
		return err
	}
	if pt.Bytes() != dt.Bytes() {
		return tsio.UnsupportedFormatf("tiff %s sample type %s disagrees with %s", name, pt, dt)
	}
	if d.has(tagTileWidth) != s.tiled {
		return tsio.UnsupportedFormatf("tiff %s mixes tiles and strips", name)
	}
	if s.tiled && (int(d.get(tagTileWidth, 0)) != s.chunkW || int(d.get(tagTileLength, 0)) != s.chunkH) {
		return tsio.UnsupportedFormatf("tiff %s mixes tile sizes", name)
	}
	if !s.tiled && min(int(d.get(tagRowsPerStrip, uint64(height))), height) != s.chunkH {
		return tsio.UnsupportedFormatf("tiff %s mixes strip sizes", name)
	}
	switch p := d.get(tagPredictor, predictorNone); p {
	case predictorNone, predictorHorizontal:
		if p != s.predictor {
			return tsio.UnsupportedFormatf("tiff %s mixes predictors", name)
		}
	default:
		return tsio.UnsupportedFormatf("tiff %s uses predictor %d", name, p)
	}
	return nil
}

func (s *readSession) Metadata() *tsio.Metadata {
	return s.meta
}

// segment returns the IFD and strip/tile number holding a chunk.
func (s *readSession) segment(idx tsio.ChunkPoint5d) (*ifd, int) {
	p := (idx[tsio.AxisT]*s.meta.C()+idx[tsio.AxisC])*s.meta.Z() + idx[tsio.AxisZ]
	if s.tiled {
		across := (s.meta.X() + s.chunkW - 1) / s.chunkW
		return s.planes[p], idx[tsio.AxisY]*across + idx[tsio.AxisX]
	}
	return s.planes[p], idx[tsio.AxisY]
}

func (s *readSession) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	if s.closed.Load() {
		return nil, tsio.ClosedHandlef("tiff %s", s.f.Name())
	}
	if !s.meta.ContainsChunk(idx) {
		return nil, tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	d, k := s.segment(idx)
	offTag, countTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
	if s.tiled {
		offTag, countTag = tagTileOffsets, tagTileByteCounts
	}
	offsets, counts := d.fields[offTag], d.fields[countTag]
	if k >= len(offsets) || k >= len(counts) {
		return nil, tsio.CorruptChunkf("tiff chunk %s: segment %d of %d", idx, k, len(offsets))
	}
	if offsets[k] == 0 || counts[k] == 0 {
		return nil, tsio.NotFoundf("tiff chunk %s was never written", idx)
	}
	raw := make([]byte, counts[k])
	if _, err := s.f.ReadAt(raw, int64(offsets[k])); err != nil {
		return nil, tsio.CorruptChunkf("tiff chunk %s: %v", idx, err)
	}

	// Strips hold only the rows inside the image; tiles are always full.
	rows := s.chunkH
	if !s.tiled {
		rows = min(s.chunkH, s.meta.Y()-idx[tsio.AxisY]*s.chunkH)
	}
	size := rows * s.chunkW * s.elemSize
	data, err := decompress(d.get(tagCompression, compressNone), raw, size)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, tsio.CorruptChunkf("tiff chunk %s has %d bytes, expected %d", idx, len(data), size)
	}
	if s.predictor == predictorHorizontal {
		if err := undoPredictor(data, s.chunkW, s.elemSize, s.order); err != nil {
			return nil, err
		}
	}
	if s.order == binary.BigEndian && s.elemSize > 1 {
		tsio.SwapBytes(data, s.elemSize)
	}
	shape := tsio.Point5d{1, 1, 1, s.chunkH, s.chunkW}
	if full := shape.Prod() * s.elemSize; len(data) < full {
		data = append(data, make([]byte, full-len(data))...)
	}
	return &chunk.Block{Index: idx, Shape: shape, Data: data}, nil
}

func (s *readSession) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	if s.closed.Load() {
		return tsio.ClosedHandlef("tiff %s", s.f.Name())
	}
	return fmt.Errorf("tiff %s was opened read-only", s.f.Name())
}

func (s *readSession) Close() error {
	if s.closed.Swap(true) {
		return tsio.ClosedHandlef("tiff %s", s.f.Name())
	}
	return s.f.Close()
}
