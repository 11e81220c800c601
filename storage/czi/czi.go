/*
	Package czi reads and writes Zeiss CZI files.  A read chunk is a whole plane
	composed from the full-resolution subblocks of one scene; written chunks become
	one subblock each.
*/
package czi

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/blang/semver"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		tsio.Errorf("Unable to make semver in czi: %v\n", err)
	}
	e := Engine{"czi", "Zeiss CZI (ZISRAW) gray-scale images", ver}
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
	return storage.Czi
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// Open reads the subblock directory.  The hint selects a scene by index and
// defaults to the first scene in the file.
func (e Engine) Open(path, hint string, config tsio.Config) (storage.Session, error) {
	scene := -1
	if hint != "" {
		var err error
		if scene, err = strconv.Atoi(hint); err != nil || scene < 0 {
			return nil, tsio.NotFoundf("CZI scene %q", hint)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tsio.NotFoundf("CZI file %q", path)
		}
		return nil, err
	}
	s, err := openSession(f, scene)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Create starts a new CZI file.  Config key "compression" selects none, zstd0 or
// zstd1.
func (e Engine) Create(path, hint string, meta *tsio.Metadata, config tsio.Config) (storage.Session, error) {
	name, _, err := config.GetString("compression")
	if err != nil {
		return nil, err
	}
	mode, err := compressionByName(name)
	if err != nil {
		return nil, err
	}
	return createWriteSession(path, meta, mode)
}

// header holds the file header fields the reader uses.
type header struct {
	directory int64
	metadata  int64
}

func readHeader(f *os.File) (header, error) {
	sh, err := readSegmentHeader(f, 0)
	if err != nil {
		return header{}, err
	}
	if sh.id != segFile {
		return header{}, tsio.UnsupportedFormatf("%s is not a CZI file", f.Name())
	}
	var b [80]byte
	if _, err := f.ReadAt(b[:], segHeaderSize); err != nil {
		return header{}, tsio.UnsupportedFormatf("reading CZI file header: %v", err)
	}
	return header{
		directory: int64(le.Uint64(b[52:])),
		metadata:  int64(le.Uint64(b[60:])),
	}, nil
}

func readDirectory(f *os.File, pos int64) ([]*entry, error) {
	sh, err := readSegmentHeader(f, pos)
	if err != nil {
		return nil, err
	}
	if sh.id != segDirectory {
		return nil, segmentError(pos, segDirectory, sh.id)
	}
	b := make([]byte, sh.used)
	if _, err := f.ReadAt(b, pos+segHeaderSize); err != nil {
		return nil, tsio.UnsupportedFormatf("reading CZI directory: %v", err)
	}
	if len(b) < directoryHeader {
		return nil, tsio.UnsupportedFormatf("CZI directory is truncated")
	}
	n := int(le.Uint32(b))
	entries := make([]*entry, 0, n)
	b = b[directoryHeader:]
	for i := 0; i < n; i++ {
		e, size, err := parseEntry(b)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		b = b[size:]
	}
	return entries, nil
}

func readMetadata(f *os.File, pos int64) (*imageDocument, error) {
	sh, err := readSegmentHeader(f, pos)
	if err != nil {
		return nil, err
	}
	if sh.id != segMetadata {
		return nil, segmentError(pos, segMetadata, sh.id)
	}
	var b [4]byte
	if _, err := f.ReadAt(b[:], pos+segHeaderSize); err != nil {
		return nil, err
	}
	xmlData := make([]byte, le.Uint32(b[:]))
	if _, err := f.ReadAt(xmlData, pos+segHeaderSize+metadataHeader); err != nil {
		return nil, tsio.UnsupportedFormatf("reading CZI metadata: %v", err)
	}
	return parseMetadata(xmlData)
}

// readSubBlock returns the decompressed pixels of a subblock in stored order.
func readSubBlock(f *os.File, e *entry, elemSize int) ([]byte, error) {
	sh, err := readSegmentHeader(f, e.position)
	if err != nil {
		return nil, err
	}
	if sh.id != segSubBlock {
		return nil, segmentError(e.position, segSubBlock, sh.id)
	}
	var fixed [16]byte
	if _, err := f.ReadAt(fixed[:], e.position+segHeaderSize); err != nil {
		return nil, tsio.CorruptChunkf("reading CZI subblock: %v", err)
	}
	metaSize := int64(le.Uint32(fixed[:]))
	dataSize := int64(le.Uint64(fixed[8:]))
	headerPart := int64(max(subBlockHeaderMin, 16+e.size()))
	raw := make([]byte, dataSize)
	if _, err := f.ReadAt(raw, e.position+segHeaderSize+headerPart+metaSize); err != nil {
		return nil, tsio.CorruptChunkf("reading CZI subblock data: %v", err)
	}
	x, _ := e.dim("X")
	y, _ := e.dim("Y")
	stored := int(storedSize(x)) * int(storedSize(y)) * elemSize
	data, err := decompress(e.compression, raw, stored, elemSize)
	if err != nil {
		return nil, err
	}
	if len(data) < stored {
		return nil, tsio.CorruptChunkf("CZI subblock at %d has %d bytes, expected %d", e.position, len(data), stored)
	}
	return data, nil
}

func storedSize(d dimension) int32 {
	if d.storedSize != 0 {
		return d.storedSize
	}
	return d.size
}

// readSession composes planes of one scene from an existing file.
type readSession struct {
	f      *os.File
	meta   *tsio.Metadata
	origin [2]int                // Y, X of the scene's bounding box
	planes map[[3]int][]*entry   // (t, c, z) -> subblocks in mosaic order
	closed atomic.Bool
}

func openSession(f *os.File, scene int) (*readSession, error) {
	hdr, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	if hdr.directory == 0 {
		return nil, tsio.UnsupportedFormatf("CZI file %s has no subblock directory", f.Name())
	}
	all, err := readDirectory(f, hdr.directory)
	if err != nil {
		return nil, err
	}
	if scene < 0 {
		for i, e := range all {
			if s := e.start("S"); i == 0 || s < scene {
				scene = s
			}
		}
	}

	var entries []*entry
	for _, e := range all {
		if e.pyramid0() && e.start("S") == scene {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil, tsio.NotFoundf("CZI file %s has no full-resolution subblocks in scene %d", f.Name(), scene)
	}

	dtype, found := pixelTypes[entries[0].pixelType]
	if !found {
		return nil, tsio.UnsupportedFormatf("CZI pixel type %d is not supported", entries[0].pixelType)
	}
	lo := map[string]int{}
	hi := map[string]int{}
	for i, e := range entries {
		if e.pixelType != entries[0].pixelType {
			return nil, tsio.UnsupportedFormatf("CZI scene %d mixes pixel types", scene)
		}
		for _, n := range []string{"T", "C", "Z", "Y", "X"} {
			start, end := e.start(n), e.start(n)+1
			if d, found := e.dim(n); found && (n == "X" || n == "Y") {
				end = start + int(d.size)
			}
			if i == 0 || start < lo[n] {
				lo[n] = start
			}
			if i == 0 || end > hi[n] {
				hi[n] = end
			}
		}
	}

	s := &readSession{f: f, origin: [2]int{lo["Y"], lo["X"]}, planes: make(map[[3]int][]*entry)}
	for _, e := range entries {
		key := [3]int{e.start("T") - lo["T"], e.start("C") - lo["C"], e.start("Z") - lo["Z"]}
		s.planes[key] = append(s.planes[key], e)
	}
	for _, plane := range s.planes {
		sort.SliceStable(plane, func(i, j int) bool { return plane[i].start("M") < plane[j].start("M") })
	}

	size := tsio.Point5d{hi["T"] - lo["T"], hi["C"] - lo["C"], hi["Z"] - lo["Z"], hi["Y"] - lo["Y"], hi["X"] - lo["X"]}
	meta, err := tsio.NewMetadata(size, tsio.Point5d{1, 1, 1, size[tsio.AxisY], size[tsio.AxisX]}, dtype)
	if err != nil {
		return nil, err
	}
	if hdr.metadata != 0 {
		doc, err := readMetadata(f, hdr.metadata)
		if err != nil {
			tsio.Warningf("Ignoring metadata of CZI file %s: %v\n", f.Name(), err)
		} else {
			meta = meta.WithPhysicalSize(doc.physicalSize())
		}
	}
	s.meta = meta
	tsio.Debugf("Opened CZI %s scene %d: %s\n", f.Name(), scene, meta)
	return s, nil
}

func (s *readSession) Metadata() *tsio.Metadata {
	return s.meta
}

func (s *readSession) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	if s.closed.Load() {
		return nil, tsio.ClosedHandlef("CZI file %s", s.f.Name())
	}
	if !s.meta.ContainsChunk(idx) {
		return nil, tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	entries := s.planes[[3]int{idx[tsio.AxisT], idx[tsio.AxisC], idx[tsio.AxisZ]}]
	if len(entries) == 0 {
		return nil, tsio.NotFoundf("CZI plane %s has no subblocks", idx)
	}
	dtype := s.meta.DataType()
	es := dtype.Bytes()
	b := chunk.NewBlock(idx, s.meta.ChunkShape(), dtype)
	width, height := s.meta.X(), s.meta.Y()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := readSubBlock(s.f, e, es)
		if err != nil {
			return nil, err
		}
		xd, _ := e.dim("X")
		yd, _ := e.dim("Y")
		sx := int(storedSize(xd))
		x0, y0 := int(xd.start)-s.origin[1], int(yd.start)-s.origin[0]
		cols := min(sx, width-x0)
		for r := 0; r < int(storedSize(yd)) && y0+r < height; r++ {
			dst := ((y0+r)*width + x0) * es
			copy(b.Data[dst:dst+cols*es], data[r*sx*es:])
		}
	}
	return b, nil
}

func (s *readSession) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	if s.closed.Load() {
		return tsio.ClosedHandlef("CZI file %s", s.f.Name())
	}
	return fmt.Errorf("CZI file %s was opened read-only", s.f.Name())
}

func (s *readSession) Close() error {
	if s.closed.Swap(true) {
		return tsio.ClosedHandlef("CZI file %s", s.f.Name())
	}
	return s.f.Close()
}
