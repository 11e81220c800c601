package volume

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/tsio/chunk"
	"github.com/janelia-flyem/tsio/storage"
	"github.com/janelia-flyem/tsio/tsio"
)

// Writer stores dense arrays into a new dataset.  Chunks completely covered by a
// write are stored at once; partly covered chunks are merged in memory and stored
// when the Writer is closed.  Close must be called or the dataset may be unreadable.
//
// Concurrent writes are allowed as long as they touch different chunks.
type Writer struct {
	path    string
	ft      storage.FileType
	hint    string
	opts    *Options
	workers int

	mu      sync.Mutex
	session storage.Session
	meta    *tsio.Metadata
	fill    []byte
	pending map[tsio.ChunkPoint5d]*chunk.Block
	closed  bool
}

// NewWriter returns a Writer whose dataset is created by the first WriteImage.
func NewWriter(path string, ft storage.FileType, hint string, opts *Options) *Writer {
	return &Writer{
		path:    path,
		ft:      ft,
		hint:    hint,
		opts:    opts,
		workers: opts.writeWorkers(),
		pending: make(map[tsio.ChunkPoint5d]*chunk.Block),
	}
}

// Create returns a Writer for a dataset declared up front, e.g., with the metadata
// of a Reader.
func Create(path string, ft storage.FileType, hint string, meta *tsio.Metadata, opts *Options) (*Writer, error) {
	w := NewWriter(path, ft, hint, opts)
	if err := w.create(meta); err != nil {
		return nil, err
	}
	return w, nil
}

// create makes the dataset.  The caller holds mu or has exclusive access.
func (w *Writer) create(meta *tsio.Metadata) error {
	session, err := storage.CreateSession(w.path, w.ft, w.hint, meta, w.opts.config())
	if err != nil {
		return err
	}
	w.session = session
	w.meta = meta
	if fv, ok := session.(storage.FillValuer); ok {
		w.fill = fv.FillValue()
	}
	tsio.Infof("Writing %s: %s\n", w.path, meta)
	return nil
}

// Metadata returns the declared dataset description, or nil before the first write.
func (w *Writer) Metadata() *tsio.Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.meta
}

// WriteImage stores arr at the origin of a dataset of the given full shape and
// chunk shape.  The first call creates the dataset; later calls must declare the
// same geometry and may pass arrays covering only part of it.
func (w *Writer) WriteImage(ctx context.Context, arr *tsio.Array, fullShape, chunkShape tsio.Point5d) error {
	if err := arr.Validate(); err != nil {
		return err
	}
	meta, err := tsio.NewMetadata(fullShape, chunkShape, arr.DataType)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return tsio.ClosedHandlef("writer for %s", w.path)
	}
	if w.session == nil {
		err = w.create(meta)
	} else if !w.meta.Equal(meta) {
		err = tsio.UnsupportedGeometryf("%s was declared as %s, not %s", w.path, w.meta, meta)
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return w.WriteRegion(ctx, arr, tsio.Point5d{})
}

// WriteRegion stores arr with its first voxel at origin.  The dataset must already
// be declared and the region must lie inside it.
func (w *Writer) WriteRegion(ctx context.Context, arr *tsio.Array, origin tsio.Point5d) error {
	w.mu.Lock()
	closed, session, meta := w.closed, w.session, w.meta
	w.mu.Unlock()
	if closed {
		return tsio.ClosedHandlef("writer for %s", w.path)
	}
	if session == nil {
		return tsio.UnsupportedGeometryf("no geometry declared for %s before writing a region", w.path)
	}
	if err := arr.Validate(); err != nil {
		return err
	}
	if arr.DataType != meta.DataType() {
		return tsio.UnsupportedFormatf("writing %s voxels into %s dataset %s", arr.DataType, meta.DataType(), w.path)
	}
	transfers, err := chunk.Partition(meta.Size(), meta.ChunkShape(), origin, arr.Shape)
	if err != nil {
		return err
	}

	timedLog := tsio.NewTimeLog()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, t := range transfers {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if t.Full {
				return w.writeFull(gctx, session, meta, arr, t)
			}
			return w.merge(gctx, session, meta, arr, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	timedLog.Debugf("Wrote %s region at %s of %s in %d chunks", arr.Shape, origin, w.path, len(transfers))
	return nil
}

func (w *Writer) writeFull(ctx context.Context, session storage.Session, meta *tsio.Metadata, arr *tsio.Array, t chunk.Transfer) error {
	b := chunk.NewBlock(t.Chunk, meta.ChunkShape(), meta.DataType())
	if w.fill != nil {
		b.Fill(w.fill)
	}
	if err := chunk.CopyFromDense(b, arr, t); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.pending, t.Chunk)
	w.mu.Unlock()
	return session.WriteChunk(ctx, t.Chunk, b.Data)
}

// merge copies a partial transfer into the pending block for its chunk, seeding
// the block from any stored chunk.
func (w *Writer) merge(ctx context.Context, session storage.Session, meta *tsio.Metadata, arr *tsio.Array, t chunk.Transfer) error {
	w.mu.Lock()
	b, found := w.pending[t.Chunk]
	w.mu.Unlock()
	if !found {
		stored, err := session.ReadChunk(ctx, t.Chunk)
		switch {
		case errors.Is(err, tsio.ErrNotFound):
			b = chunk.NewBlock(t.Chunk, meta.ChunkShape(), meta.DataType())
			if w.fill != nil {
				b.Fill(w.fill)
			}
		case err != nil:
			return fmt.Errorf("reading chunk %s to merge a partial write: %w", t.Chunk, err)
		default:
			b = stored.Reshape(meta.ChunkShape(), meta.DataType())
			if b == stored {
				b = &chunk.Block{Index: t.Chunk, Shape: stored.Shape, Data: append([]byte{}, stored.Data...)}
			}
		}
	}
	if err := chunk.CopyFromDense(b, arr, t); err != nil {
		return err
	}
	w.mu.Lock()
	w.pending[t.Chunk] = b
	w.mu.Unlock()
	return nil
}

// Close stores the partly written chunks and commits the dataset.  The dataset is
// closed even if storing chunks fails; all errors are returned.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return tsio.ClosedHandlef("writer for %s", w.path)
	}
	w.closed = true
	session := w.session
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if session == nil {
		tsio.Warningf("Closing writer for %s with nothing written\n", w.path)
		return nil
	}
	timedLog := tsio.NewTimeLog()
	indices := make([]tsio.ChunkPoint5d, 0, len(pending))
	for idx := range pending {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool {
		a, b := indices[i], indices[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	g := new(errgroup.Group)
	g.SetLimit(w.workers)
	for _, idx := range indices {
		idx := idx
		g.Go(func() error {
			return session.WriteChunk(context.Background(), idx, pending[idx].Data)
		})
	}
	flushErr := g.Wait()
	err := errors.Join(flushErr, session.Close())
	timedLog.Infof("Closed %s after flushing %d partial chunks", w.path, len(indices))
	return err
}
