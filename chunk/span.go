/*
	Package chunk maps a 5D index selection onto a regular chunk grid.  Every function
	here is a pure computation over extents, chunk shapes and Seqs: nothing performs
	I/O or keeps state, so the same request always resolves to the same transfers in
	the same row-major (T, C, Z, Y, X) chunk order.
*/
package chunk

import "github.com/janelia-flyem/tsio/tsio"

// Span is the part of one axis' selection that falls inside one chunk.
type Span struct {
	// Chunk is the chunk index along the axis.
	Chunk int

	// Local holds the selected indices relative to the chunk origin.  Its step is the
	// selection's step so a strided selection stays strided inside the chunk.
	Local tsio.Seq

	// Offset is the position of the first selected index in the dense buffer.
	Offset int
}

// Count returns the number of selected indices in the span.
func (s Span) Count() int {
	return s.Local.Count()
}

// AxisSpans splits one axis selection across chunks of the given size.  Chunks that
// hold no selected index, which happens when the step exceeds the chunk size, are
// skipped.
func AxisSpans(seq tsio.Seq, chunkSize int) []Span {
	count := seq.Count()
	if count == 0 || chunkSize <= 0 {
		return nil
	}
	last := seq.Last()
	first, final := seq.Begin/chunkSize, last/chunkSize
	spans := make([]Span, 0, final-first+1)
	for c := first; c <= final; c++ {
		lo := c * chunkSize
		hi := min(lo+chunkSize-1, last)

		k0 := 0
		if lo > seq.Begin {
			k0 = (lo - seq.Begin + seq.Step - 1) / seq.Step
		}
		begin := seq.At(k0)
		if begin > hi {
			continue
		}
		k1 := (hi - seq.Begin) / seq.Step
		spans = append(spans, Span{
			Chunk:  c,
			Local:  tsio.Seq{Begin: begin - lo, End: seq.At(k1) - lo, Step: seq.Step},
			Offset: k0,
		})
	}
	return spans
}
