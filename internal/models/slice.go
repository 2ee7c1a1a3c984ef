package models

import (
	"fmt"
	"math"
)

// Slice represents a single acquired LR slice with its mask. The slice is
// a thin 3D image, usually with Size[2] == 1, whose z spacing is the slice
// thickness.
type Slice struct {
	// Image is the slice intensity data
	Image *Image

	// Mask marks foreground voxels with 1 and background with 0. It lives
	// on exactly the same grid as Image.
	Mask *Image

	// Number is the position of this slice within its stack
	Number int
}

// NewSlice pairs an image with its mask. A nil mask selects every voxel.
func NewSlice(img, mask *Image, number int) (*Slice, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("slice %d: %w", number, err)
	}
	if mask == nil {
		mask = NewImage(img.Geometry)
		for i := range mask.Data {
			mask.Data[i] = 1
		}
	}
	if err := mask.Validate(); err != nil {
		return nil, fmt.Errorf("slice %d mask: %w", number, err)
	}
	if !img.SameGrid(mask.Geometry) {
		return nil, fmt.Errorf("%w: slice %d mask grid differs from its image grid", ErrInvalidGeometry, number)
	}
	return &Slice{Image: img, Mask: mask, Number: number}, nil
}

// NumVoxels returns the number of voxels of the slice grid.
func (s *Slice) NumVoxels() int {
	return s.Image.NumVoxels()
}

// Stack is an ordered sequence of slices sharing acquisition metadata.
type Stack struct {
	// Name identifies the stack, typically its source filename
	Name string

	// Slices holds the slices in acquisition order
	Slices []*Slice
}

// NumVoxels returns the total voxel count over all slices.
func (s *Stack) NumVoxels() int {
	n := 0
	for _, sl := range s.Slices {
		n += sl.NumVoxels()
	}
	return n
}

// Validate checks that the stack is non-empty and that every slice shares
// the in-plane spacing and thickness of the first one.
func (s *Stack) Validate() error {
	if len(s.Slices) == 0 {
		return fmt.Errorf("%w: stack %q has no slices", ErrInvalidGeometry, s.Name)
	}
	for _, sl := range s.Slices {
		if sl == nil || sl.Image == nil || sl.Mask == nil {
			return fmt.Errorf("%w: stack %q has an incomplete slice", ErrInvalidGeometry, s.Name)
		}
	}
	ref := s.Slices[0].Image.Spacing
	for _, sl := range s.Slices {
		for a := 0; a < 3; a++ {
			if math.Abs(sl.Image.Spacing[a]-ref[a]) > 1e-9 {
				return fmt.Errorf("%w: stack %q slice %d spacing %v differs from %v",
					ErrInvalidGeometry, s.Name, sl.Number, sl.Image.Spacing, ref)
			}
		}
	}
	return nil
}
