// Package interpolation builds initial HR estimates from scattered slice
// voxels. Observed intensities are placed at their physical positions and
// each HR voxel takes a Gaussian-weighted average of its nearest samples.
package interpolation

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"mrisrr/internal/models"
)

// ErrNoSamples is returned when no slice voxel lies inside any mask.
var ErrNoSamples = errors.New("no masked slice samples")

const (
	// DefaultNeighbours is the number of nearest samples combined per voxel.
	DefaultNeighbours = 64

	// DefaultSigma is the Gaussian width in mm.
	DefaultSigma = 1.0

	// cutoff truncates the Gaussian at cutoff*sigma.
	cutoff = 3.0
)

// Params configures the scattered-data approximation.
type Params struct {
	// Sigma is the standard deviation of the Gaussian weight in mm
	Sigma float64

	// Neighbours is the maximum number of samples combined per voxel
	Neighbours int

	// Workers bounds the number of planes processed concurrently; zero
	// selects runtime.NumCPU()
	Workers int

	Logger *slog.Logger
}

// DefaultParams returns the parameters used by the reconstruction
// initializer.
func DefaultParams() Params {
	return Params{Sigma: DefaultSigma, Neighbours: DefaultNeighbours}
}

// SDA approximates an HR volume from scattered slice samples.
type SDA struct {
	params  Params
	samples Samples
	tree    *kdtree.Tree
}

// NewSDA collects every masked voxel of the stacks as a sample in physical
// space and indexes them in a k-d tree.
func NewSDA(stacks []*models.Stack, params Params) (*SDA, error) {
	if !(params.Sigma > 0) || math.IsInf(params.Sigma, 0) {
		return nil, fmt.Errorf("sda: sigma %g must be positive and finite", params.Sigma)
	}
	if params.Neighbours <= 0 {
		params.Neighbours = DefaultNeighbours
	}
	if params.Workers <= 0 {
		params.Workers = runtime.NumCPU()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}

	var samples Samples
	for _, st := range stacks {
		if st == nil {
			return nil, fmt.Errorf("sda: nil stack")
		}
		for _, sl := range st.Slices {
			if sl == nil || sl.Image == nil || sl.Mask == nil {
				return nil, fmt.Errorf("sda: stack %q has an incomplete slice", st.Name)
			}
			if err := sl.Image.Geometry.Validate(); err != nil {
				return nil, fmt.Errorf("sda: stack %q slice %d: %w", st.Name, sl.Number, err)
			}
			toPhysical := newAffine(sl.Image.Geometry)
			for idx, m := range sl.Mask.Data {
				if m <= 0 {
					continue
				}
				x, y, z := sl.Image.Coords(idx)
				p := toPhysical.apply(float64(x), float64(y), float64(z))
				samples = append(samples, Sample{X: p[0], Y: p[1], Z: p[2], Value: sl.Image.Data[idx]})
			}
		}
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	params.Logger.Debug("building sample tree", "samples", humanize.Comma(int64(len(samples))))
	// kdtree.New reorders its input; keep our own copy intact.
	indexed := append(Samples(nil), samples...)
	return &SDA{
		params:  params,
		samples: samples,
		tree:    kdtree.New(indexed, false),
	}, nil
}

// NumSamples returns the number of collected samples.
func (s *SDA) NumSamples() int {
	return len(s.samples)
}

// Approximate evaluates the estimate on every voxel of the target grid.
// Voxels with no sample within the truncation radius are zero.
func (s *SDA) Approximate(target models.Geometry) (*models.Image, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("sda: target: %w", err)
	}
	out := models.NewImage(target)
	toPhysical := newAffine(target)
	nx, ny, nz := target.Size[0], target.Size[1], target.Size[2]

	twoSigma2 := 2 * s.params.Sigma * s.params.Sigma
	maxDist2 := cutoff * cutoff * s.params.Sigma * s.params.Sigma

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.params.Workers)
	for z := 0; z < nz; z++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(z int) {
			defer wg.Done()
			defer func() { <-sem }()

			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					p := toPhysical.apply(float64(x), float64(y), float64(z))
					q := Sample{X: p[0], Y: p[1], Z: p[2]}

					keeper := kdtree.NewNKeeper(s.params.Neighbours)
					s.tree.NearestSet(keeper, q)

					var sum, wsum float64
					for _, item := range keeper.Heap {
						if item.Comparable == nil || item.Dist > maxDist2 {
							continue
						}
						w := math.Exp(-item.Dist / twoSigma2)
						sum += w * item.Comparable.(Sample).Value
						wsum += w
					}
					if wsum > 0 {
						out.Data[target.Index(x, y, z)] = sum / wsum
					}
				}
			}
		}(z)
	}
	wg.Wait()
	close(sem)

	s.params.Logger.Debug("scattered data approximation done",
		"voxels", humanize.Comma(int64(target.NumVoxels())), "samples", humanize.Comma(int64(len(s.samples))))
	return out, nil
}

// affine caches the index to physical mapping of a grid.
type affine struct {
	m [9]float64
	t [3]float64
}

func newAffine(g models.Geometry) affine {
	var a affine
	var m *mat.Dense
	m, a.t = g.IndexToPhysical()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.m[3*r+c] = m.At(r, c)
		}
	}
	return a
}

func (a affine) apply(i, j, k float64) [3]float64 {
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = a.t[r] + a.m[3*r]*i + a.m[3*r+1]*j + a.m[3*r+2]*k
	}
	return p
}
