package interpolation

import "gonum.org/v1/gonum/spatial/kdtree"

// Sample is an observed intensity at a physical position (mm).
type Sample struct {
	X, Y, Z float64
	Value   float64
}

// Compare implements the kdtree.Comparable interface
func (p Sample) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Sample)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Sample) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two samples
func (p Sample) Distance(c kdtree.Comparable) float64 {
	q := c.(Sample)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Samples is a collection of Sample that satisfies kdtree.Interface
type Samples []Sample

func (p Samples) Index(i int) kdtree.Comparable         { return p[i] }
func (p Samples) Len() int                              { return len(p) }
func (p Samples) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Samples) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(samplePlane{Samples: p, Dim: d}, kdtree.MedianOfRandoms(samplePlane{Samples: p, Dim: d}, 100))
}

// samplePlane implements sort.Interface and kdtree.SortSlicer for Samples
type samplePlane struct {
	Samples
	kdtree.Dim
}

func (p samplePlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Samples[i].X < p.Samples[j].X
	case 1:
		return p.Samples[i].Y < p.Samples[j].Y
	case 2:
		return p.Samples[i].Z < p.Samples[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p samplePlane) Slice(start, end int) kdtree.SortSlicer {
	return samplePlane{Samples: p.Samples[start:end], Dim: p.Dim}
}

func (p samplePlane) Swap(i, j int) {
	p.Samples[i], p.Samples[j] = p.Samples[j], p.Samples[i]
}
