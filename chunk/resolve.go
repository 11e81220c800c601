package chunk

import (
	"fmt"

	"github.com/janelia-flyem/tsio/tsio"
)

// Transfer describes one physical chunk transfer: which chunk, which sub-rectangle
// within it, and where that sub-rectangle lands in the caller's dense buffer.
type Transfer struct {
	Chunk tsio.ChunkPoint5d

	// Local is the chunk-relative selection.
	Local tsio.Selection

	// Offset is the position of the first transferred voxel in the dense buffer.
	Offset tsio.Point5d

	// Count is the number of voxels transferred along each axis.
	Count tsio.Point5d

	// Full is set when the transfer covers every valid voxel of the chunk, i.e., the
	// chunk can be written without reading it first.
	Full bool
}

func (t Transfer) String() string {
	return fmt.Sprintf("chunk %s local %s -> offset %s count %s", t.Chunk, t.Local, t.Offset, t.Count)
}

// Resolve computes the chunk transfers needed to satisfy a request.  Every Seq must
// lie within the dataset extents; an out-of-range request fails with
// tsio.ErrOutOfRange and is never clipped.  The transfers exactly tile the dense
// buffer of shape req.Shape() and are ordered row-major over chunk coordinates.
func Resolve(extents, chunkShape tsio.Point5d, req tsio.Selection) ([]Transfer, error) {
	if !extents.Positive() {
		return nil, tsio.UnsupportedGeometryf("dataset extents %s must all be > 0", extents)
	}
	if !chunkShape.Positive() {
		return nil, tsio.UnsupportedGeometryf("chunk shape %s must all be > 0", chunkShape)
	}
	if err := req.Validate(extents); err != nil {
		return nil, err
	}

	var spans [tsio.NumAxes][]Span
	total := 1
	for a := range spans {
		spans[a] = AxisSpans(req[a], chunkShape[a])
		total *= len(spans[a])
	}

	transfers := make([]Transfer, 0, total)
	for _, st := range spans[tsio.AxisT] {
		for _, sc := range spans[tsio.AxisC] {
			for _, sz := range spans[tsio.AxisZ] {
				for _, sy := range spans[tsio.AxisY] {
					for _, sx := range spans[tsio.AxisX] {
						axes := [tsio.NumAxes]Span{st, sc, sz, sy, sx}
						transfers = append(transfers, newTransfer(axes, extents, chunkShape))
					}
				}
			}
		}
	}
	return transfers, nil
}

func newTransfer(axes [tsio.NumAxes]Span, extents, chunkShape tsio.Point5d) Transfer {
	var t Transfer
	t.Full = true
	for a, s := range axes {
		t.Chunk[a] = s.Chunk
		t.Local[a] = s.Local
		t.Offset[a] = s.Offset
		t.Count[a] = s.Count()

		valid := min(chunkShape[a], extents[a]-s.Chunk*chunkShape[a])
		if s.Local.Begin != 0 || s.Count() != valid || (valid > 1 && s.Local.Step != 1) {
			t.Full = false
		}
	}
	return t
}

// Partition is the inverse of Resolve used for writes: it splits a dense region of
// the given shape, placed at origin within the dataset, into per-chunk transfers.
// Offsets are relative to the region, i.e., index the caller's dense array.
func Partition(extents, chunkShape, origin, shape tsio.Point5d) ([]Transfer, error) {
	if !shape.Positive() {
		return nil, tsio.UnsupportedGeometryf("region shape %s must all be > 0", shape)
	}
	var req tsio.Selection
	for a := range req {
		if origin[a] < 0 {
			return nil, tsio.OutOfRangef("region origin %s is negative", origin)
		}
		req[a] = tsio.Span(origin[a], origin[a]+shape[a]-1)
	}
	return Resolve(extents, chunkShape, req)
}
