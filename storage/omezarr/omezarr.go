/*
	Package omezarr reads and writes OME-Zarr datasets: Zarr v2 arrays, optionally
	inside an OME-NGFF 0.4 multiscale group.  Datasets may live on the local
	filesystem or in any bucket reachable through a gocloud URL.
*/
package omezarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/blang/semver"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

func init() {
	ver, err := semver.Make("0.4.0")
	if err != nil {
		tsio.Errorf("Unable to make semver in omezarr: %v\n", err)
	}
	e := Engine{"omezarr", "OME-Zarr (Zarr v2, OME-NGFF 0.4)", ver}
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
	return storage.OmeZarr
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// Open opens a Zarr array.  The path may point at the array itself or at a
// multiscale group; the hint selects a dataset path within the group and defaults
// to the first (highest resolution) dataset.
func (e Engine) Open(location, hint string, config tsio.Config) (storage.Session, error) {
	ctx := context.Background()
	store, err := storage.OpenStore(ctx, location, false)
	if err != nil {
		return nil, err
	}
	s, err := openSession(ctx, store, location, hint)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// Create declares a new array.  Without a hint, the array is written at the path
// itself; with a hint, the path becomes a multiscale group holding the array at the
// hint's sub-path.  Config keys: "compressor" (zstd, zlib, gzip, lz4, none),
// "level" and "separator" ("/" or ".").
func (e Engine) Create(location, hint string, meta *tsio.Metadata, config tsio.Config) (storage.Session, error) {
	compressor, _, err := config.GetString("compressor")
	if err != nil {
		return nil, err
	}
	level, _, err := config.GetInt("level")
	if err != nil {
		return nil, err
	}
	sep, found, err := config.GetString("separator")
	if err != nil {
		return nil, err
	}
	if !found {
		sep = "/"
	}
	if sep != "/" && sep != "." {
		return nil, fmt.Errorf("zarr dimension separator must be \"/\" or \".\", not %q", sep)
	}
	c, err := codecByName(compressor, level)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	store, err := storage.OpenStore(ctx, location, true)
	if err != nil {
		return nil, err
	}
	s, err := createSession(ctx, store, location, strings.Trim(hint, "/"), meta, c, sep)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// session is an open Zarr array.
type session struct {
	store    storage.Store
	location string
	prefix   string // array path within the store

	meta       *tsio.Metadata
	dims       []tsio.Axis
	dtype      dtype
	codec      codec
	sep        string
	fill       []byte
	arrayChunk tsio.Point5d // stored chunk shape

	writable bool
	closed   atomic.Bool
}

func (s *session) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return path.Join(s.prefix, k)
}

func openSession(ctx context.Context, store storage.Store, location, hint string) (*session, error) {
	s := &session{store: store, location: location, prefix: strings.Trim(hint, "/")}

	var axisNames []string
	var ms *multiscale
	var ds *dataset
	found, err := store.Exists(ctx, s.key(".zarray"))
	if err != nil {
		return nil, err
	}
	if !found {
		if v3, _ := store.Exists(ctx, s.key("zarr.json")); v3 {
			return nil, tsio.UnsupportedFormatf("%s is a zarr v3 store", location)
		}
		// a multiscale group: pick the dataset and its axes
		a, err := readAttrs(ctx, store, s.key(".zattrs"))
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, tsio.UnsupportedFormatf("no .zarray or multiscale .zattrs at %s", location)
		}
		ms, ds = a.findDataset("")
		if ds == nil {
			return nil, tsio.UnsupportedFormatf("no multiscale datasets in %s", location)
		}
		s.prefix = path.Join(s.prefix, strings.Trim(ds.Path, "/"))
		axisNames = ms.axisNames()
	} else {
		a, err := readAttrs(ctx, store, s.key(".zattrs"))
		if err != nil {
			return nil, err
		}
		if a != nil && len(a.ArrayDimensions) > 0 {
			axisNames = a.ArrayDimensions
		} else if parent := parentAttrs(ctx, store, location, s.prefix); parent != nil {
			ms, ds = parent.findDataset(path.Base(path.Join(location, s.prefix)))
			if ms != nil {
				axisNames = ms.axisNames()
			}
		}
	}

	data, err := store.Get(ctx, s.key(".zarray"))
	if err != nil {
		return nil, err
	}
	am, err := parseArrayMeta(data)
	if err != nil {
		return nil, err
	}
	if s.dims, err = mapAxes(len(am.Shape), axisNames); err != nil {
		return nil, err
	}
	if s.dtype, err = parseDtype(am.Dtype); err != nil {
		return nil, err
	}
	if s.codec, err = newCodec(am.Compressor); err != nil {
		return nil, err
	}
	if s.fill, err = fillBytes(am.FillValue, s.dtype.DataType); err != nil {
		return nil, err
	}
	s.sep = am.DimensionSeparator

	size := tsio.Point5d{1, 1, 1, 1, 1}
	s.arrayChunk = tsio.Point5d{1, 1, 1, 1, 1}
	for d, a := range s.dims {
		size[a] = am.Shape[d]
		s.arrayChunk[a] = am.Chunks[d]
	}
	if s.meta, err = tsio.NewMetadata(size, s.arrayChunk, s.dtype.DataType); err != nil {
		return nil, fmt.Errorf("%w: %w", tsio.ErrUnsupportedFormat, err)
	}
	if ms != nil && ds != nil {
		if zyx, unit := ms.physicalSize(ds); zyx != [3]float64{} {
			s.meta = s.meta.WithPhysicalSize(zyx, unit)
		}
	}
	return s, nil
}

func readAttrs(ctx context.Context, store storage.Store, key string) (*attrs, error) {
	data, err := store.Get(ctx, key)
	if errors.Is(err, tsio.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseAttrs(data)
}

// parentAttrs looks for a multiscale group one level above a local array, as in
// "image.zarr/0".
func parentAttrs(ctx context.Context, store storage.Store, location, prefix string) *attrs {
	if prefix != "" {
		a, _ := readAttrs(ctx, store, path.Join(path.Dir(prefix), ".zattrs"))
		return a
	}
	if strings.Contains(location, "://") {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(filepath.Clean(location)), ".zattrs"))
	if err != nil {
		return nil
	}
	a, _ := parseAttrs(data)
	return a
}

func createSession(ctx context.Context, store storage.Store, location, hint string, meta *tsio.Metadata, c codec, sep string) (*session, error) {
	s := &session{
		store:      store,
		location:   location,
		prefix:     hint,
		meta:       meta,
		dims:       []tsio.Axis{tsio.AxisT, tsio.AxisC, tsio.AxisZ, tsio.AxisY, tsio.AxisX},
		dtype:      dtype{DataType: meta.DataType()},
		codec:      c,
		sep:        sep,
		arrayChunk: meta.ChunkShape(),
		writable:   true,
	}
	size, chunks := meta.Size(), meta.ChunkShape()
	am := ArrayMeta{
		ZarrFormat:         2,
		Shape:              size[:],
		Chunks:             chunks[:],
		Dtype:              s.dtype.String(),
		FillValue:          0,
		Order:              "C",
		DimensionSeparator: sep,
	}
	if c != nil {
		am.Compressor = c.Config()
	}
	data, err := json.MarshalIndent(am, "", "    ")
	if err != nil {
		return nil, err
	}
	// A new array replaces any old one at the same path, chunks included.
	found, err := store.Exists(ctx, s.key(".zarray"))
	if err != nil {
		return nil, err
	}
	if found {
		tsio.Infof("Replacing existing zarr array %s %q\n", location, hint)
		if err := store.DeletePrefix(ctx, hint); err != nil {
			return nil, fmt.Errorf("clearing old array at %s %q: %w", location, hint, err)
		}
	}
	if err := store.Put(ctx, s.key(".zarray"), data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) Metadata() *tsio.Metadata {
	return s.meta
}

// FillValue returns the element used for chunks that were never written.
func (s *session) FillValue() []byte {
	return s.fill
}

func (s *session) chunkKey(idx tsio.ChunkPoint5d) string {
	indices := make([]int, len(s.dims))
	for d, a := range s.dims {
		indices[d] = idx[a]
	}
	return s.key(chunkKey(indices, s.sep))
}

func (s *session) ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error) {
	if s.closed.Load() {
		return nil, tsio.ClosedHandlef("zarr array %s", s.location)
	}
	if !s.meta.ContainsChunk(idx) {
		return nil, tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	key := s.chunkKey(idx)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	size := s.arrayChunk.Prod() * s.dtype.Bytes()
	if s.codec != nil {
		if data, err = s.codec.Decode(data, size); err != nil {
			return nil, fmt.Errorf("%w: zarr chunk %q: %w", tsio.ErrCorruptChunk, key, err)
		}
	}
	if len(data) != size {
		return nil, tsio.CorruptChunkf("zarr chunk %q has %d bytes, expected %d", key, len(data), size)
	}
	if s.dtype.bigEndian {
		data = append([]byte{}, data...)
		tsio.SwapBytes(data, s.dtype.Bytes())
	}
	return &chunk.Block{Index: idx, Shape: s.arrayChunk, Data: data}, nil
}

func (s *session) WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error {
	if s.closed.Load() {
		return tsio.ClosedHandlef("zarr array %s", s.location)
	}
	if !s.writable {
		return fmt.Errorf("zarr array %s was opened read-only", s.location)
	}
	if !s.meta.ContainsChunk(idx) {
		return tsio.OutOfRangef("chunk %s outside grid %s", idx, s.meta.NumChunks())
	}
	if want := s.meta.ChunkBytes(); len(data) != want {
		return fmt.Errorf("chunk %s has %d bytes, expected %d", idx, len(data), want)
	}
	var err error
	if s.codec != nil {
		if data, err = s.codec.Encode(data); err != nil {
			return err
		}
	}
	return s.store.Put(ctx, s.chunkKey(idx), data)
}

// Close commits the group attributes of a written array and releases the store.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return tsio.ClosedHandlef("zarr array %s", s.location)
	}
	var err error
	if s.writable {
		err = s.commitAttrs(context.Background())
	}
	return errors.Join(err, s.store.Close())
}

func (s *session) commitAttrs(ctx context.Context) error {
	put := func(key string, v interface{}) error {
		data, err := json.MarshalIndent(v, "", "    ")
		if err != nil {
			return err
		}
		return s.store.Put(ctx, key, data)
	}
	if s.prefix == "" {
		return put(".zattrs", attrs{ArrayDimensions: []string{"t", "c", "z", "y", "x"}})
	}
	name := path.Base(strings.TrimSuffix(s.location, "/"))
	if err := put(".zgroup", map[string]int{"zarr_format": 2}); err != nil {
		return err
	}
	return put(".zattrs", attrs{Multiscales: []multiscale{newMultiscale(name, s.prefix, s.meta)}})
}
