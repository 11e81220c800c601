package chunk

import "github.com/janelia-flyem/tsio/tsio"

// Block is the decoded contents of one chunk in (T, C, Z, Y, X) order with
// little-endian elements.  Shape is the stored shape, which for most formats is the
// nominal chunk shape even for chunks on the dataset edge.
type Block struct {
	Index tsio.ChunkPoint5d
	Shape tsio.Point5d
	Data  []byte
}

// NewBlock allocates a zeroed block.
func NewBlock(idx tsio.ChunkPoint5d, shape tsio.Point5d, dtype tsio.DataType) *Block {
	return &Block{
		Index: idx,
		Shape: shape,
		Data:  make([]byte, shape.Prod()*dtype.Bytes()),
	}
}

// Fill sets every element to the given little-endian element value.
func (b *Block) Fill(elem []byte) {
	fillElems(b.Data, elem)
}

func (b *Block) check(local tsio.Selection, elemSize int) error {
	if len(b.Data) < b.Shape.Prod()*elemSize {
		return tsio.CorruptChunkf("chunk %s has %d bytes, shape %s needs %d",
			b.Index, len(b.Data), b.Shape, b.Shape.Prod()*elemSize)
	}
	for a, s := range local {
		if s.Last() >= b.Shape[a] {
			return tsio.CorruptChunkf("chunk %s of shape %s does not cover %s",
				b.Index, b.Shape, local)
		}
	}
	return nil
}

// CopyToDense copies the transfer's sub-rectangle of a chunk into the dense array.
func CopyToDense(dst *tsio.Array, b *Block, t Transfer) error {
	es := dst.DataType.Bytes()
	if err := b.check(t.Local, es); err != nil {
		return err
	}
	copyRegion(dst.Data, dst.Shape, denseSelection(t), b.Data, b.Shape, t.Local, t.Count, es)
	return nil
}

// CopyFromDense copies the transfer's region of the dense array into a chunk.
func CopyFromDense(b *Block, src *tsio.Array, t Transfer) error {
	es := src.DataType.Bytes()
	if err := b.check(t.Local, es); err != nil {
		return err
	}
	copyRegion(b.Data, b.Shape, t.Local, src.Data, src.Shape, denseSelection(t), t.Count, es)
	return nil
}

// FillDense sets the transfer's region of the dense array to an element value.
func FillDense(dst *tsio.Array, t Transfer, elem []byte) {
	es := dst.DataType.Bytes()
	sel := denseSelection(t)
	strides := dst.Shape.Strides()
	rowBytes := t.Count[tsio.AxisX] * es
	forEachRow(t.Count, func(it, ic, iz, iy int) {
		off := rowOffset(sel, strides, it, ic, iz, iy) * es
		fillElems(dst.Data[off:off+rowBytes], elem)
	})
}

func denseSelection(t Transfer) tsio.Selection {
	var sel tsio.Selection
	for a := range sel {
		sel[a] = tsio.Span(t.Offset[a], t.Offset[a]+t.Count[a]-1)
	}
	return sel
}

func fillElems(data []byte, elem []byte) {
	if len(elem) == 0 {
		return
	}
	for off := 0; off+len(elem) <= len(data); off += len(elem) {
		copy(data[off:], elem)
	}
}

func forEachRow(count tsio.Point5d, fn func(it, ic, iz, iy int)) {
	for it := 0; it < count[tsio.AxisT]; it++ {
		for ic := 0; ic < count[tsio.AxisC]; ic++ {
			for iz := 0; iz < count[tsio.AxisZ]; iz++ {
				for iy := 0; iy < count[tsio.AxisY]; iy++ {
					fn(it, ic, iz, iy)
				}
			}
		}
	}
}

// rowOffset returns the element offset of the first voxel of a row.
func rowOffset(sel tsio.Selection, strides tsio.Point5d, it, ic, iz, iy int) int {
	return sel[tsio.AxisT].At(it)*strides[tsio.AxisT] +
		sel[tsio.AxisC].At(ic)*strides[tsio.AxisC] +
		sel[tsio.AxisZ].At(iz)*strides[tsio.AxisZ] +
		sel[tsio.AxisY].At(iy)*strides[tsio.AxisY] +
		sel[tsio.AxisX].Begin
}

// copyRegion copies count voxels selected by srcSel in src into the voxels selected
// by dstSel in dst.  Rows along X are copied in one piece when both sides are
// contiguous.
func copyRegion(dst []byte, dstShape tsio.Point5d, dstSel tsio.Selection,
	src []byte, srcShape tsio.Point5d, srcSel tsio.Selection, count tsio.Point5d, es int) {

	ds, ss := dstShape.Strides(), srcShape.Strides()
	nx := count[tsio.AxisX]
	dstep, sstep := dstSel[tsio.AxisX].Step, srcSel[tsio.AxisX].Step
	contiguous := dstep == 1 && sstep == 1

	forEachRow(count, func(it, ic, iz, iy int) {
		d := rowOffset(dstSel, ds, it, ic, iz, iy) * es
		s := rowOffset(srcSel, ss, it, ic, iz, iy) * es
		if contiguous {
			copy(dst[d:d+nx*es], src[s:s+nx*es])
			return
		}
		for ix := 0; ix < nx; ix++ {
			copy(dst[d+ix*dstep*es:d+(ix*dstep+1)*es], src[s+ix*sstep*es:s+(ix*sstep+1)*es])
		}
	})
}

// Reshape returns a block of the given shape holding the overlapping region of b,
// zero padded where the new shape is larger.
func (b *Block) Reshape(shape tsio.Point5d, dtype tsio.DataType) *Block {
	if shape == b.Shape {
		return b
	}
	out := NewBlock(b.Index, shape, dtype)
	count := shape.Min(b.Shape)
	sel := tsio.FullSelection(count)
	copyRegion(out.Data, shape, sel, b.Data, b.Shape, sel, count, dtype.Bytes())
	return out
}
