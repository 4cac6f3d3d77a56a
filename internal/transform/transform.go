// Package transform defines the parametric spatial transforms the metric
// differentiates through, along with translation and affine implementations.
package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cwbudde/meansquares/internal/imaging"
	"gonum.org/v1/gonum/mat"
)

// Transform maps fixed-image points into moving-image space.
//
// Implementations must be safe for concurrent MapPoint/Jacobian calls as long
// as nobody calls SetParameters at the same time.
type Transform interface {
	// Dimension returns the spatial dimension of input and output points.
	Dimension() int

	// NumberOfParameters returns the length of the parameter vector.
	NumberOfParameters() int

	// Parameters returns a copy of the current parameter vector.
	Parameters() []float64

	// SetParameters replaces the parameter vector.
	SetParameters(params []float64) error

	// MapPoint maps a fixed-image point to moving-image space.
	MapPoint(p imaging.Point) (imaging.Point, error)

	// Jacobian writes d(MapPoint(p))/d(parameters) into dst, which must be
	// Dimension() x NumberOfParameters().
	Jacobian(p imaging.Point, dst *mat.Dense) error
}

var (
	// ErrUnknownTransform is returned by New for unsupported names.
	ErrUnknownTransform = errors.New("unknown transform")
	// ErrParameterCount is returned when a parameter vector has the wrong length.
	ErrParameterCount = errors.New("wrong number of parameters")
)

// Name identifies a transform type in configuration.
type Name string

const (
	NameTranslation Name = "translation"
	NameAffine      Name = "affine"
)

// New creates an identity transform of the given type and dimension.
func New(name string, dim int) (Transform, error) {
	switch Name(strings.ToLower(strings.TrimSpace(name))) {
	case NameTranslation:
		return NewTranslation(dim), nil
	case NameAffine:
		return NewAffine(dim), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransform, name)
	}
}

func checkPoint(dim int, p imaging.Point) error {
	if len(p) != dim {
		return fmt.Errorf("point has %d coordinates, transform is %d-D: %w", len(p), dim, imaging.ErrDimensionMismatch)
	}
	return nil
}

func checkJacobian(dst *mat.Dense, rows, cols int) error {
	r, c := dst.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("jacobian buffer is %dx%d, need %dx%d: %w", r, c, rows, cols, imaging.ErrDimensionMismatch)
	}
	return nil
}
