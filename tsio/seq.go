package tsio

import "fmt"

// Seq is an inclusive, strided range of indices along one axis:
// {Begin, Begin+Step, ..., <= End}.  A Seq with Begin == End selects one index.
type Seq struct {
	Begin int
	End   int
	Step  int
}

// NewSeq returns a validated Seq.  A step of 0 is taken as 1.
func NewSeq(begin, end, step int) (Seq, error) {
	if step == 0 {
		step = 1
	}
	s := Seq{begin, end, step}
	if err := s.Validate(); err != nil {
		return Seq{}, err
	}
	return s, nil
}

// Span returns the unit-step Seq over [begin, end].
func Span(begin, end int) Seq {
	return Seq{begin, end, 1}
}

// FullSeq returns the unit-step Seq covering an axis of the given extent.
func FullSeq(extent int) Seq {
	return Seq{0, extent - 1, 1}
}

// Validate checks begin >= 0, end >= begin and step >= 1.
func (s Seq) Validate() error {
	if s.Begin < 0 {
		return OutOfRangef("negative begin in %s", s)
	}
	if s.End < s.Begin {
		return OutOfRangef("end before begin in %s", s)
	}
	if s.Step < 1 {
		return OutOfRangef("step must be >= 1 in %s", s)
	}
	return nil
}

// Count returns the number of indices selected.
func (s Seq) Count() int {
	if s.End < s.Begin || s.Step < 1 {
		return 0
	}
	return (s.End-s.Begin)/s.Step + 1
}

// At returns the i-th selected index.
func (s Seq) At(i int) int {
	return s.Begin + i*s.Step
}

// Last returns the last index actually selected, which may be less than End.
func (s Seq) Last() int {
	return s.Begin + (s.Count()-1)*s.Step
}

// Contains returns true if i is one of the selected indices.
func (s Seq) Contains(i int) bool {
	if i < s.Begin || i > s.End {
		return false
	}
	return (i-s.Begin)%s.Step == 0
}

func (s Seq) String() string {
	if s.Step == 1 {
		return fmt.Sprintf("[%d:%d]", s.Begin, s.End)
	}
	return fmt.Sprintf("[%d:%d:%d]", s.Begin, s.End, s.Step)
}

// Selection is one Seq per axis in canonical (T, C, Z, Y, X) order.
type Selection [NumAxes]Seq

// FullSelection selects every voxel of a dataset with the given size.
func FullSelection(size Point5d) Selection {
	var sel Selection
	for i := range sel {
		sel[i] = FullSeq(size[i])
	}
	return sel
}

// NewSelection builds a Selection from per-axis Seqs given in the argument order
// used by readers: rows (Y), cols (X), layers (Z), channels (C), tsteps (T).
func NewSelection(rows, cols, layers, channels, tsteps Seq) Selection {
	return Selection{tsteps, channels, layers, rows, cols}
}

// Shape returns the number of selected indices along each axis.
func (sel Selection) Shape() Point5d {
	var p Point5d
	for i, s := range sel {
		p[i] = s.Count()
	}
	return p
}

// Validate checks each Seq and that it lies within the given extents.
func (sel Selection) Validate(extents Point5d) error {
	for i, s := range sel {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("axis %s: %w", Axis(i), err)
		}
		if s.End >= extents[i] {
			return OutOfRangef("axis %s: %s exceeds extent %d", Axis(i), s, extents[i])
		}
	}
	return nil
}

func (sel Selection) String() string {
	return fmt.Sprintf("T%s C%s Z%s Y%s X%s", sel[AxisT], sel[AxisC], sel[AxisZ], sel[AxisY], sel[AxisX])
}
