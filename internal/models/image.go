package models

import "fmt"

// Image holds scalar voxel data on a Geometry. Data is stored in raster
// order with x varying fastest, then y, then z.
//
// The same type backs LR slices, binary masks and the HR volume.
type Image struct {
	Geometry
	Data []float64
}

// NewImage allocates a zero-filled image on g.
func NewImage(g Geometry) *Image {
	return &Image{Geometry: g, Data: make([]float64, g.NumVoxels())}
}

// NewImageFromData wraps data in an image, checking its length against g.
func NewImageFromData(g Geometry, data []float64) (*Image, error) {
	if len(data) != g.NumVoxels() {
		return nil, fmt.Errorf("%w: %d values for a %v grid", ErrInvalidGeometry, len(data), g.Size)
	}
	return &Image{Geometry: g, Data: data}, nil
}

// At returns the voxel value at (x, y, z).
func (im *Image) At(x, y, z int) float64 {
	return im.Data[im.Index(x, y, z)]
}

// Set assigns the voxel value at (x, y, z).
func (im *Image) Set(x, y, z int, v float64) {
	im.Data[im.Index(x, y, z)] = v
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	data := make([]float64, len(im.Data))
	copy(data, im.Data)
	return &Image{Geometry: im.Geometry, Data: data}
}

// Validate checks the geometry and that the data length matches it.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidGeometry)
	}
	if err := im.Geometry.Validate(); err != nil {
		return err
	}
	if len(im.Data) != im.NumVoxels() {
		return fmt.Errorf("%w: %d values for a %v grid", ErrInvalidGeometry, len(im.Data), im.Size)
	}
	return nil
}

// Max returns the largest voxel value, or 0 for an empty image.
func (im *Image) Max() float64 {
	if len(im.Data) == 0 {
		return 0
	}
	m := im.Data[0]
	for _, v := range im.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
