package interp

import (
	"math"

	"github.com/cwbudde/meansquares/internal/imaging"
)

// NearestNeighbor returns the value of the closest voxel. Its gradient is
// taken by central differences at that voxel (one-sided at the border).
type NearestNeighbor struct {
	img *imaging.Image
}

// NewNearestNeighbor returns a nearest-neighbour interpolator over img.
func NewNearestNeighbor(img *imaging.Image) *NearestNeighbor {
	return &NearestNeighbor{img: img}
}

func (n *NearestNeighbor) IsInsideBuffer(p imaging.Point) bool {
	if len(p) != n.img.Dimension() {
		return false
	}
	cidx := make([]float64, len(p))
	n.img.TransformPointToContinuousIndex(p, cidx)
	for axis, c := range cidx {
		if math.IsNaN(c) || c < -0.5 || c >= float64(n.img.Size[axis])-0.5 {
			return false
		}
	}
	return true
}

func (n *NearestNeighbor) nearest(p imaging.Point) []int {
	idx := make([]int, n.img.Dimension())
	n.img.TransformPointToNearestIndex(p, idx)
	return idx
}

func (n *NearestNeighbor) Evaluate(p imaging.Point) float64 {
	return n.img.Data[n.img.Offset(n.nearest(p))]
}

func (n *NearestNeighbor) EvaluateDerivative(p imaging.Point) []float64 {
	return n.gradientAt(n.nearest(p))
}

func (n *NearestNeighbor) EvaluateValueAndDerivative(p imaging.Point) (float64, []float64) {
	idx := n.nearest(p)
	return n.img.Data[n.img.Offset(idx)], n.gradientAt(idx)
}

func (n *NearestNeighbor) gradientAt(idx []int) []float64 {
	img := n.img
	dim := img.Dimension()
	g := make([]float64, dim)
	probe := append([]int(nil), idx...)

	for axis := 0; axis < dim; axis++ {
		lo := max(idx[axis]-1, 0)
		hi := min(idx[axis]+1, img.Size[axis]-1)
		if hi == lo {
			continue
		}
		probe[axis] = hi
		vHi := img.Data[img.Offset(probe)]
		probe[axis] = lo
		vLo := img.Data[img.Offset(probe)]
		probe[axis] = idx[axis]
		g[axis] = (vHi - vLo) / float64(hi-lo)
	}
	return indexGradientToPhysical(img, g)
}
