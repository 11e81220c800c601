/*
	Package storage defines the contract between the format-agnostic readers and
	writers and the format-specific backends.  Each backend package registers an
	Engine in its init() for one FileType; readers and writers select the engine once
	at open time and then talk only to the returned Session.

	A Session works on whole chunks in canonical (T, C, Z, Y, X) order with
	little-endian elements.  How chunk coordinates map onto tiles, subblocks or keys
	and how those are compressed is internal to each backend.
*/
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/tsio"
)

// FileType selects which backend handles a dataset.
type FileType uint8

const (
	UnknownFileType FileType = iota
	OmeTiff
	OmeZarr
	Czi
	ChunkDB
)

func (ft FileType) String() string {
	switch ft {
	case OmeTiff:
		return "ometiff"
	case OmeZarr:
		return "omezarr"
	case Czi:
		return "czi"
	case ChunkDB:
		return "chunkdb"
	default:
		return "unknown"
	}
}

// ParseFileType accepts the names returned by FileType.String.
func ParseFileType(s string) (FileType, error) {
	switch strings.ToLower(s) {
	case "ometiff", "ome-tiff", "tiff", "tif":
		return OmeTiff, nil
	case "omezarr", "ome-zarr", "zarr":
		return OmeZarr, nil
	case "czi":
		return Czi, nil
	case "chunkdb", "badger":
		return ChunkDB, nil
	}
	return UnknownFileType, tsio.UnsupportedFormatf("unknown file type %q", s)
}

// FileTypeFromPath guesses the file type from a path's extension or, for
// directories, from the marker files found inside.
func FileTypeFromPath(path string) FileType {
	lower := strings.ToLower(strings.TrimSuffix(path, "/"))
	switch {
	case strings.HasSuffix(lower, ".ome.tif"), strings.HasSuffix(lower, ".ome.tiff"),
		strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return OmeTiff
	case strings.HasSuffix(lower, ".czi"):
		return Czi
	case strings.Contains(lower, ".zarr"):
		return OmeZarr
	}
	for _, marker := range []string{".zarray", ".zattrs", ".zgroup"} {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			return OmeZarr
		}
	}
	if _, err := os.Stat(filepath.Join(path, "MANIFEST")); err == nil {
		return ChunkDB
	}
	return UnknownFileType
}

// Engine is a backend that can open and create datasets of one FileType.
type Engine interface {
	fmt.Stringer

	GetName() string
	GetDescription() string
	GetSemVer() semver.Version
	FileType() FileType

	// Open opens an existing dataset for reading.  The hint is backend-specific, e.g.,
	// a resolution level inside a multiscale Zarr group.  Fails with tsio.ErrNotFound
	// if the path is absent and tsio.ErrUnsupportedFormat if the layout doesn't match.
	Open(path, hint string, config tsio.Config) (Session, error)

	// Create declares a new dataset for writing.  Fails with
	// tsio.ErrUnsupportedGeometry if the chunk shape is incompatible with the backend.
	Create(path, hint string, meta *tsio.Metadata, config tsio.Config) (Session, error)
}

// Session is one open dataset.  It is owned by exactly one reader or writer and
// must be closed to release file handles and, for writes, commit the container.
type Session interface {
	// Metadata returns the dataset description, fixed for the session's lifetime.
	Metadata() *tsio.Metadata

	// ReadChunk returns a decoded chunk.  The block's shape covers at least the valid
	// region of the chunk.  Returns tsio.ErrNotFound for a chunk never written and
	// tsio.ErrCorruptChunk if decoding fails.  Safe for concurrent use.
	ReadChunk(ctx context.Context, idx tsio.ChunkPoint5d) (*chunk.Block, error)

	// WriteChunk stores a chunk of the nominal chunk shape.  Writing the same data
	// twice leaves the same bytes as writing it once; different data overwrites.
	// Safe for concurrent use on distinct chunk indices.
	WriteChunk(ctx context.Context, idx tsio.ChunkPoint5d, data []byte) error

	// Close flushes buffered chunks and commits the container's metadata.  Any use
	// of the session afterwards returns tsio.ErrClosedHandle.
	Close() error
}

// FillValuer is implemented by sessions whose absent chunks read as a constant
// other than zero.
type FillValuer interface {
	// FillValue returns one little-endian element.
	FillValue() []byte
}

var (
	enginesMu    sync.RWMutex
	availEngines = make(map[FileType]Engine)
)

// RegisterEngine makes an engine available for its FileType.  Backends call this
// from init().
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, found := availEngines[e.FileType()]; found {
		tsio.Errorf("Engine %s registered twice for file type %s\n", e, e.FileType())
	}
	availEngines[e.FileType()] = e
}

// GetEngine returns the engine registered for a FileType.
func GetEngine(ft FileType) (Engine, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := availEngines[ft]
	if !found {
		return nil, tsio.UnsupportedFormatf("no engine registered for file type %s", ft)
	}
	return e, nil
}

// Engines returns all registered engines ordered by FileType.
func Engines() []Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	engines := make([]Engine, 0, len(availEngines))
	for _, e := range availEngines {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].FileType() < engines[j].FileType() })
	return engines
}

// EnginesAvailable returns a description of the available engines.
func EnginesAvailable() string {
	var names []string
	for _, e := range Engines() {
		names = append(names, fmt.Sprintf("%s (%s)", e, e.GetDescription()))
	}
	return strings.Join(names, "; ")
}

// OpenSession opens a dataset with the engine for ft.  UnknownFileType guesses
// from the path.
func OpenSession(path string, ft FileType, hint string, config tsio.Config) (Session, error) {
	if ft == UnknownFileType {
		ft = FileTypeFromPath(path)
	}
	e, err := GetEngine(ft)
	if err != nil {
		return nil, err
	}
	timedLog := tsio.NewTimeLog()
	s, err := e.Open(path, hint, config)
	if err != nil {
		return nil, fmt.Errorf("opening %s as %s: %w", path, ft, err)
	}
	timedLog.Debugf("Opened %s dataset %s: %s", ft, path, s.Metadata())
	return s, nil
}

// CreateSession declares a new dataset with the engine for ft.
func CreateSession(path string, ft FileType, hint string, meta *tsio.Metadata, config tsio.Config) (Session, error) {
	if ft == UnknownFileType {
		ft = FileTypeFromPath(path)
	}
	e, err := GetEngine(ft)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, tsio.UnsupportedGeometryf("no metadata given to create %s", path)
	}
	s, err := e.Create(path, hint, meta, config)
	if err != nil {
		return nil, fmt.Errorf("creating %s as %s: %w", path, ft, err)
	}
	tsio.Debugf("Created %s dataset %s: %s\n", ft, path, meta)
	return s, nil
}
