package operator

import (
	"fmt"

	"mrisrr/internal/models"
)

// Block locates one slice inside the stacked slice vector.
type Block struct {
	Stack  int // stack index
	Slice  int // slice index within the stack
	Offset int // first element of the block
	Length int // number of slice voxels
}

// SliceLayout partitions the stacked slice vector into contiguous per-slice
// blocks, ordered by stack index, then slice index. It is immutable once
// built and is shared by assembly and disassembly.
type SliceLayout struct {
	blocks []Block
	total  int
}

// NewSliceLayout builds the layout of stacks.
func NewSliceLayout(stacks []*models.Stack) (SliceLayout, error) {
	if len(stacks) == 0 {
		return SliceLayout{}, ErrNoStacks
	}
	var l SliceLayout
	for i, st := range stacks {
		if st == nil || len(st.Slices) == 0 {
			return SliceLayout{}, fmt.Errorf("%w: stack %d", ErrNoSlices, i)
		}
		for j, sl := range st.Slices {
			n := 0
			if sl != nil && sl.Image != nil {
				n = sl.NumVoxels()
			}
			if n <= 0 {
				return SliceLayout{}, fmt.Errorf("%w: stack %d slice %d", ErrEmptySlice, i, j)
			}
			l.blocks = append(l.blocks, Block{Stack: i, Slice: j, Offset: l.total, Length: n})
			l.total += n
		}
	}
	return l, nil
}

// Len returns the number of slices.
func (l SliceLayout) Len() int { return len(l.blocks) }

// Total returns the length of the stacked slice vector.
func (l SliceLayout) Total() int { return l.total }

// Block returns the k-th block in global slice order.
func (l SliceLayout) Block(k int) Block { return l.blocks[k] }

// Segment returns the part of v that belongs to slice k.
func (l SliceLayout) Segment(v []float64, k int) []float64 {
	b := l.blocks[k]
	return v[b.Offset : b.Offset+b.Length]
}
