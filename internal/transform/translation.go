package transform

import (
	"fmt"

	"github.com/cwbudde/meansquares/internal/imaging"
	"gonum.org/v1/gonum/mat"
)

// Translation shifts every point by the parameter vector.
type Translation struct {
	offset []float64
}

// NewTranslation returns a zero translation.
func NewTranslation(dim int) *Translation {
	return &Translation{offset: make([]float64, dim)}
}

func (t *Translation) Dimension() int          { return len(t.offset) }
func (t *Translation) NumberOfParameters() int { return len(t.offset) }

func (t *Translation) Parameters() []float64 {
	return append([]float64(nil), t.offset...)
}

func (t *Translation) SetParameters(params []float64) error {
	if len(params) != len(t.offset) {
		return fmt.Errorf("translation expects %d, got %d: %w", len(t.offset), len(params), ErrParameterCount)
	}
	copy(t.offset, params)
	return nil
}

func (t *Translation) MapPoint(p imaging.Point) (imaging.Point, error) {
	if err := checkPoint(len(t.offset), p); err != nil {
		return nil, err
	}
	out := make(imaging.Point, len(p))
	for i := range p {
		out[i] = p[i] + t.offset[i]
	}
	return out, nil
}

// Jacobian of a translation is the identity, independent of p.
func (t *Translation) Jacobian(p imaging.Point, dst *mat.Dense) error {
	dim := len(t.offset)
	if err := checkPoint(dim, p); err != nil {
		return err
	}
	if err := checkJacobian(dst, dim, dim); err != nil {
		return err
	}
	dst.Zero()
	for i := 0; i < dim; i++ {
		dst.Set(i, i, 1)
	}
	return nil
}
