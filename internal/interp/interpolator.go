// Package interp samples continuous intensities, and their spatial gradients,
// from moving images at non-grid points.
package interp

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/meansquares/internal/imaging"
	"gonum.org/v1/gonum/mat"
)

// Interpolator evaluates an image at arbitrary physical points.
//
// IsInsideBuffer accounts for the kernel support: points whose neighbourhood
// would leave the buffer are reported as outside. Evaluate and the
// derivative methods must only be called for points inside the buffer.
// Implementations are safe for concurrent use.
type Interpolator interface {
	IsInsideBuffer(p imaging.Point) bool
	Evaluate(p imaging.Point) float64
	// EvaluateDerivative returns the intensity gradient in physical space.
	EvaluateDerivative(p imaging.Point) []float64
	EvaluateValueAndDerivative(p imaging.Point) (float64, []float64)
}

// ErrUnknownInterpolator is returned by New for unsupported names.
var ErrUnknownInterpolator = errors.New("unknown interpolator")

// New constructs an interpolator by name over img.
func New(name string, img *imaging.Image) (Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return NewLinear(img), nil
	case "nearest", "nearestneighbor":
		return NewNearestNeighbor(img), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterpolator, name)
	}
}

// indexGradientToPhysical applies the chain rule through the point->index
// mapping: g_phys = (dIndex/dPoint)^T g_index.
func indexGradientToPhysical(img *imaging.Image, gIndex []float64) []float64 {
	dim := len(gIndex)
	out := mat.NewVecDense(dim, nil)
	out.MulVec(img.PointToIndexMatrix().T(), mat.NewVecDense(dim, gIndex))
	return out.RawVector().Data
}

// Linear is an N-D multilinear interpolator.
type Linear struct {
	img *imaging.Image
}

// NewLinear returns a linear interpolator over img.
func NewLinear(img *imaging.Image) *Linear {
	return &Linear{img: img}
}

// IsInsideBuffer requires every continuous index to lie in [0, size-1] so
// that both neighbours along each axis exist.
func (l *Linear) IsInsideBuffer(p imaging.Point) bool {
	if len(p) != l.img.Dimension() {
		return false
	}
	cidx := make([]float64, len(p))
	l.img.TransformPointToContinuousIndex(p, cidx)
	for axis, c := range cidx {
		if math.IsNaN(c) || c < 0 || c > float64(l.img.Size[axis]-1) {
			return false
		}
	}
	return true
}

func (l *Linear) Evaluate(p imaging.Point) float64 {
	v, _ := l.evaluate(p, false)
	return v
}

func (l *Linear) EvaluateDerivative(p imaging.Point) []float64 {
	_, g := l.evaluate(p, true)
	return g
}

func (l *Linear) EvaluateValueAndDerivative(p imaging.Point) (float64, []float64) {
	return l.evaluate(p, true)
}

// evaluate visits the 2^N corners of the cell containing p. The value is
// accumulated the same way whether or not the gradient is requested.
func (l *Linear) evaluate(p imaging.Point, withGradient bool) (float64, []float64) {
	img := l.img
	dim := img.Dimension()

	cidx := make([]float64, dim)
	img.TransformPointToContinuousIndex(p, cidx)

	base := make([]int, dim)
	frac := make([]float64, dim)
	for axis, c := range cidx {
		size := img.Size[axis]
		b := int(math.Floor(c))
		f := c - float64(b)
		if size == 1 {
			b, f = 0, 0
		} else if b >= size-1 {
			// upper border: use the last cell with full weight on its top
			b, f = size-2, 1
		}
		base[axis] = b
		frac[axis] = f
	}

	var gIndex []float64
	if withGradient {
		gIndex = make([]float64, dim)
	}

	corner := make([]int, dim)
	value := 0.0
	for mask := 0; mask < 1<<dim; mask++ {
		w := 1.0
		for axis := 0; axis < dim; axis++ {
			upper := mask&(1<<axis) != 0
			corner[axis] = base[axis]
			if upper {
				corner[axis] = min(base[axis]+1, img.Size[axis]-1)
				w *= frac[axis]
			} else {
				w *= 1 - frac[axis]
			}
		}
		v := img.Data[img.Offset(corner)]
		value += w * v

		if !withGradient {
			continue
		}
		for axis := 0; axis < dim; axis++ {
			// derivative of the corner weight along axis
			dw := 1.0
			for other := 0; other < dim; other++ {
				upper := mask&(1<<other) != 0
				switch {
				case other == axis && upper:
				case other == axis:
					dw = -dw
				case upper:
					dw *= frac[other]
				default:
					dw *= 1 - frac[other]
				}
			}
			gIndex[axis] += dw * v
		}
	}

	if !withGradient {
		return value, nil
	}
	return value, indexGradientToPhysical(img, gIndex)
}
