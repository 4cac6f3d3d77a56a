package metric

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// accumulator holds the partial sums of one chunk of samples.
type accumulator struct {
	sumSquares float64
	derivative []float64
	count      int

	// scratch for the chain rule, reused across samples of the chunk
	jacobian *mat.Dense
	dMoving  *mat.VecDense
}

func newAccumulator(dim, nParams int, withDerivative bool) *accumulator {
	acc := &accumulator{}
	if withDerivative {
		acc.derivative = make([]float64, nParams)
		acc.jacobian = mat.NewDense(dim, nParams, nil)
		acc.dMoving = mat.NewVecDense(nParams, nil)
	}
	return acc
}

// addValue accumulates one squared difference.
func (a *accumulator) addValue(diff float64) {
	a.sumSquares += diff * diff
	a.count++
}

// addDerivative accumulates 2*diff * (g . J[:,p]) for every parameter p,
// reading the jacobian already stored in a.jacobian.
func (a *accumulator) addDerivative(diff float64, gradient []float64) {
	a.dMoving.MulVec(a.jacobian.T(), mat.NewVecDense(len(gradient), gradient))
	floats.AddScaled(a.derivative, 2*diff, a.dMoving.RawVector().Data)
}

// merge adds other into a.
func (a *accumulator) merge(other *accumulator) {
	a.sumSquares += other.sumSquares
	a.count += other.count
	if a.derivative != nil {
		floats.Add(a.derivative, other.derivative)
	}
}

// normalize divides the sums by the accepted sample count. It refuses to
// produce a value when nothing was accepted.
func (a *accumulator) normalize(candidates int) (float64, []float64, error) {
	if a.count == 0 {
		return 0, nil, &EmptyAcceptanceError{Candidates: candidates}
	}
	n := float64(a.count)
	measure := a.sumSquares / n

	var derivative []float64
	if a.derivative != nil {
		derivative = make([]float64, len(a.derivative))
		copy(derivative, a.derivative)
		floats.Scale(1/n, derivative)
	}
	return measure, derivative, nil
}
