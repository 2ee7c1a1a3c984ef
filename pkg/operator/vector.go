package operator

import (
	"fmt"

	"mrisrr/internal/models"
)

// VectorToImage reshapes a flat vector onto the grid of ref. The vector is
// read as a row-major array of shape ref.Shape(), i.e. the grid size in
// reverse axis order, which is the raster order of models.Image.
func VectorToImage(vec []float64, ref models.Geometry) (*models.Image, error) {
	shape := ref.Shape()
	if n := shape[0] * shape[1] * shape[2]; len(vec) != n {
		return nil, fmt.Errorf("%w: vector of length %d for shape %v", ErrDimensionMismatch, len(vec), shape)
	}
	data := make([]float64, len(vec))
	copy(data, vec)
	return &models.Image{Geometry: ref, Data: data}, nil
}

// ImageToVector flattens an image. It undoes VectorToImage exactly.
func ImageToVector(im *models.Image) []float64 {
	vec := make([]float64, len(im.Data))
	copy(vec, im.Data)
	return vec
}
