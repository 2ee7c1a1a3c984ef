// Package regularization builds the Tikhonov regularization operator G and
// its adjoint on the flat HR vector.
package regularization

import (
	"errors"
	"fmt"

	"mrisrr/internal/models"
)

var (
	// ErrUnknownType is returned by ParseType for unrecognized names.
	ErrUnknownType = errors.New("unknown regularization type")

	// ErrDimensionMismatch is returned when a vector does not fit the operator.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Type selects the order of the Tikhonov prior.
type Type int

const (
	// TK0 penalizes the magnitude of x: G = I.
	TK0 Type = iota
	// TK1 penalizes the gradient of x: G = (D_x, D_y, D_z).
	TK1
)

func (t Type) String() string {
	switch t {
	case TK0:
		return "TK0"
	case TK1:
		return "TK1"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType converts "TK0" or "TK1" into a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "TK0":
		return TK0, nil
	case "TK1":
		return TK1, nil
	}
	return 0, fmt.Errorf("%w: %q (want TK0 or TK1)", ErrUnknownType, s)
}

// Operator is a linear map G on flat HR vectors together with its adjoint.
type Operator interface {
	// Apply evaluates G x.
	Apply(x []float64) ([]float64, error)
	// Adjoint evaluates G^T z.
	Adjoint(z []float64) ([]float64, error)
	// OutputLen is the length of G x.
	OutputLen() int
}

// New returns the regularization operator of type t for the HR grid.
func New(t Type, volume models.Geometry) (Operator, error) {
	if err := volume.Validate(); err != nil {
		return nil, err
	}
	switch t {
	case TK0:
		return Identity{n: volume.NumVoxels()}, nil
	case TK1:
		return Gradient{size: volume.Size, step: volume.Spacing}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownType, t)
}

// Identity is G = I.
type Identity struct {
	n int
}

func (id Identity) Apply(x []float64) ([]float64, error) {
	return id.copyOf(x)
}

func (id Identity) Adjoint(z []float64) ([]float64, error) {
	return id.copyOf(z)
}

func (id Identity) OutputLen() int { return id.n }

func (id Identity) copyOf(v []float64) ([]float64, error) {
	if len(v) != id.n {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), id.n)
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out, nil
}
