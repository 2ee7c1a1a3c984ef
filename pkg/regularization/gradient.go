package regularization

import "fmt"

// Gradient is the stacked forward-difference gradient on the HR grid.
//
// Along axis a with step h_a:
//
//	(D_a x)[i] = (x[i+e_a] - x[i]) / h_a   if i is not on the last plane
//	(D_a x)[i] = 0                         otherwise
//
// i.e. a Neumann boundary. The output is (D_x x, D_y x, D_z x), each block
// in the raster order of the volume. Adjoint is the exact transpose, the
// negative backward divergence with matching boundary terms.
type Gradient struct {
	size [3]int
	step [3]float64
}

func (g Gradient) n() int { return g.size[0] * g.size[1] * g.size[2] }

// OutputLen is three times the number of HR voxels.
func (g Gradient) OutputLen() int { return 3 * g.n() }

func (g Gradient) strides() [3]int {
	return [3]int{1, g.size[0], g.size[0] * g.size[1]}
}

func (g Gradient) Apply(x []float64) ([]float64, error) {
	n := g.n()
	if len(x) != n {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(x), n)
	}
	out := make([]float64, 3*n)
	stride := g.strides()
	for a := 0; a < 3; a++ {
		d := out[a*n : (a+1)*n]
		inv := 1 / g.step[a]
		last := g.size[a] - 1
		i := 0
		for z := 0; z < g.size[2]; z++ {
			for y := 0; y < g.size[1]; y++ {
				for x0 := 0; x0 < g.size[0]; x0++ {
					if [3]int{x0, y, z}[a] < last {
						d[i] = (x[i+stride[a]] - x[i]) * inv
					}
					i++
				}
			}
		}
	}
	return out, nil
}

func (g Gradient) Adjoint(v []float64) ([]float64, error) {
	n := g.n()
	if len(v) != 3*n {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), 3*n)
	}
	out := make([]float64, n)
	stride := g.strides()
	for a := 0; a < 3; a++ {
		d := v[a*n : (a+1)*n]
		inv := 1 / g.step[a]
		last := g.size[a] - 1
		i := 0
		for z := 0; z < g.size[2]; z++ {
			for y := 0; y < g.size[1]; y++ {
				for x0 := 0; x0 < g.size[0]; x0++ {
					c := [3]int{x0, y, z}[a]
					s := 0.0
					if c > 0 {
						s += d[i-stride[a]]
					}
					if c < last {
						s -= d[i]
					}
					out[i] += s * inv
					i++
				}
			}
		}
	}
	return out, nil
}
