/*
	Package volume reads and writes dense (T, C, Z, Y, X) arrays from chunked
	datasets in any registered storage format.

	A Reader resolves a request into chunk transfers and runs them on a bounded
	pool of goroutines; each transfer lands at a precomputed offset, so the order in
	which chunks complete does not matter.  The first failing chunk cancels the rest
	and no partial array is returned.
*/
package volume

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"

	// Register the storage formats.
	_ "github.com/janelia-flyem/tsio/storage/chunkdb"
	_ "github.com/janelia-flyem/tsio/storage/czi"
	_ "github.com/janelia-flyem/tsio/storage/ometiff"
	_ "github.com/janelia-flyem/tsio/storage/omezarr"
)

// Reader is an open dataset.  It is safe for concurrent reads.
type Reader struct {
	path    string
	session storage.Session
	meta    *tsio.Metadata
	fill    []byte
	workers int

	closed atomic.Bool
}

// Open opens a dataset for reading.  An UnknownFileType is guessed from the path.
// The hint is passed to the backend, e.g., a resolution level of a Zarr pyramid.
func Open(path string, ft storage.FileType, hint string, opts *Options) (*Reader, error) {
	session, err := storage.OpenSession(path, ft, hint, opts.config())
	if err != nil {
		return nil, err
	}
	if mb := opts.cacheMB(); mb > 0 {
		session = storage.NewCachedSession(session, mb)
	}
	r := &Reader{
		path:    path,
		session: session,
		meta:    session.Metadata(),
		workers: opts.workers(),
	}
	if fv, ok := session.(storage.FillValuer); ok {
		r.fill = fv.FillValue()
	}
	tsio.Infof("Opened %s: %s\n", path, r.meta)
	return r, nil
}

// Metadata returns the dataset description.
func (r *Reader) Metadata() *tsio.Metadata { return r.meta }

func (r *Reader) X() int { return r.meta.X() }
func (r *Reader) Y() int { return r.meta.Y() }
func (r *Reader) Z() int { return r.meta.Z() }
func (r *Reader) C() int { return r.meta.C() }
func (r *Reader) T() int { return r.meta.T() }

func (r *Reader) DataType() tsio.DataType { return r.meta.DataType() }

// Data returns the voxels selected along each axis as a dense array of shape
// (count(tsteps), count(channels), count(layers), count(rows), count(cols)).
func (r *Reader) Data(ctx context.Context, rows, cols, layers, channels, tsteps tsio.Seq) (*tsio.Array, error) {
	return r.Read(ctx, tsio.NewSelection(rows, cols, layers, channels, tsteps))
}

// Read returns the voxels of a selection as a dense array.  Chunks that were never
// written read as zero or as the dataset's fill value.
func (r *Reader) Read(ctx context.Context, sel tsio.Selection) (*tsio.Array, error) {
	if r.closed.Load() {
		return nil, tsio.ClosedHandlef("reader for %s", r.path)
	}
	transfers, err := chunk.Resolve(r.meta.Size(), r.meta.ChunkShape(), sel)
	if err != nil {
		return nil, err
	}
	timedLog := tsio.NewTimeLog()
	arr := tsio.NewArray(sel.Shape(), r.meta.DataType())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	var absent atomic.Int64
	for _, t := range transfers {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := r.session.ReadChunk(gctx, t.Chunk)
			if errors.Is(err, tsio.ErrNotFound) {
				absent.Add(1)
				if r.fill != nil {
					chunk.FillDense(arr, t, r.fill)
				}
				return nil
			}
			if err != nil {
				return err
			}
			return chunk.CopyToDense(arr, b, t)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	timedLog.Debugf("Read %s of %s from %d chunks (%d absent)", sel, r.path, len(transfers), absent.Load())
	return arr, nil
}

// Close releases the dataset.  Later calls fail with tsio.ErrClosedHandle.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return tsio.ClosedHandlef("reader for %s", r.path)
	}
	if c, ok := r.session.(*storage.CachedSession); ok {
		hits, misses := c.Stats()
		tsio.Debugf("Chunk cache for %s: %d hits, %d misses\n", r.path, hits, misses)
	}
	return r.session.Close()
}
