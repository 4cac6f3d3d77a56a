package transform

import (
	"fmt"

	"github.com/cwbudde/meansquares/internal/imaging"
	"gonum.org/v1/gonum/mat"
)

// Affine maps p to A*(p-c) + c + t.
//
// Parameters are the entries of A in row-major order followed by t. The
// centre of rotation c is fixed and not part of the parameter vector.
type Affine struct {
	dim    int
	params []float64
	center []float64
}

// NewAffine returns the identity affine transform centred at the origin.
func NewAffine(dim int) *Affine {
	a := &Affine{
		dim:    dim,
		params: make([]float64, dim*dim+dim),
		center: make([]float64, dim),
	}
	for i := 0; i < dim; i++ {
		a.params[i*dim+i] = 1
	}
	return a
}

func (a *Affine) Dimension() int          { return a.dim }
func (a *Affine) NumberOfParameters() int { return len(a.params) }

func (a *Affine) Parameters() []float64 {
	return append([]float64(nil), a.params...)
}

func (a *Affine) SetParameters(params []float64) error {
	if len(params) != len(a.params) {
		return fmt.Errorf("affine expects %d, got %d: %w", len(a.params), len(params), ErrParameterCount)
	}
	copy(a.params, params)
	return nil
}

// SetCenter sets the fixed centre of rotation.
func (a *Affine) SetCenter(c imaging.Point) error {
	if err := checkPoint(a.dim, c); err != nil {
		return err
	}
	copy(a.center, c)
	return nil
}

// Center returns the centre of rotation.
func (a *Affine) Center() imaging.Point {
	return append(imaging.Point(nil), a.center...)
}

// Matrix returns A as a gonum matrix view over a copy of the parameters.
func (a *Affine) Matrix() *mat.Dense {
	return mat.NewDense(a.dim, a.dim, append([]float64(nil), a.params[:a.dim*a.dim]...))
}

func (a *Affine) MapPoint(p imaging.Point) (imaging.Point, error) {
	if err := checkPoint(a.dim, p); err != nil {
		return nil, err
	}
	d := a.dim
	out := make(imaging.Point, d)
	for i := 0; i < d; i++ {
		v := a.center[i] + a.params[d*d+i]
		row := a.params[i*d : (i+1)*d]
		for j := 0; j < d; j++ {
			v += row[j] * (p[j] - a.center[j])
		}
		out[i] = v
	}
	return out, nil
}

func (a *Affine) Jacobian(p imaging.Point, dst *mat.Dense) error {
	if err := checkPoint(a.dim, p); err != nil {
		return err
	}
	d := a.dim
	if err := checkJacobian(dst, d, len(a.params)); err != nil {
		return err
	}
	dst.Zero()
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			dst.Set(i, i*d+j, p[j]-a.center[j])
		}
		dst.Set(i, d*d+i, 1)
	}
	return nil
}
