package metric

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/meansquares/internal/sampler"
	"golang.org/x/sync/errgroup"
)

// minSamplesPerWorker keeps tiny evaluations on a single goroutine.
const minSamplesPerWorker = 512

// Result is the outcome of one evaluation.
type Result struct {
	Value      float64
	Derivative []float64 // nil for value-only evaluations
	Candidates int       // samples drawn
	Accepted   int       // samples that passed the validity filter
}

// GetValue sets the transform parameters and returns the metric value.
func (m *MeanSquares) GetValue(params []float64) (float64, error) {
	res, err := m.Evaluate(params, false)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// GetDerivative sets the transform parameters and returns the derivative of
// the metric with respect to them.
func (m *MeanSquares) GetDerivative(params []float64) ([]float64, error) {
	res, err := m.Evaluate(params, true)
	if err != nil {
		return nil, err
	}
	return res.Derivative, nil
}

// GetValueAndDerivative computes value and derivative from a single sample
// draw, so both always describe the same subset.
func (m *MeanSquares) GetValueAndDerivative(params []float64) (float64, []float64, error) {
	res, err := m.Evaluate(params, true)
	if err != nil {
		return 0, nil, err
	}
	return res.Value, res.Derivative, nil
}

// Evaluate runs one pass over a fresh sample container.
func (m *MeanSquares) Evaluate(params []float64, withDerivative bool) (*Result, error) {
	if !m.initialized {
		if err := m.Initialize(); err != nil {
			return nil, err
		}
	}

	nParams := m.transform.NumberOfParameters()
	if len(params) != nParams {
		return nil, &ParameterError{Expected: nParams, Got: len(params)}
	}
	if err := m.transform.SetParameters(params); err != nil {
		return nil, fmt.Errorf("failed to set transform parameters: %w", err)
	}

	samples, err := m.sampler.Samples(m.fixed, *m.region)
	if err != nil {
		return nil, fmt.Errorf("failed to draw samples: %w", err)
	}

	total, err := m.accumulateParallel(samples, withDerivative)
	if err != nil {
		return nil, err
	}

	value, derivative, err := total.normalize(len(samples))
	if err != nil {
		slog.Warn("Metric evaluation rejected every sample", "candidates", len(samples))
		return nil, err
	}

	slog.Debug("Metric evaluated",
		"value", value,
		"candidates", len(samples),
		"accepted", total.count,
		"derivative", withDerivative,
	)

	return &Result{
		Value:      value,
		Derivative: derivative,
		Candidates: len(samples),
		Accepted:   total.count,
	}, nil
}

// accumulateParallel splits the container into contiguous chunks, processes
// them concurrently with one accumulator each, and merges the partial sums in
// chunk order so the result does not depend on scheduling.
func (m *MeanSquares) accumulateParallel(samples sampler.Container, withDerivative bool) (*accumulator, error) {
	dim := m.fixed.Dimension()
	nParams := m.transform.NumberOfParameters()

	chunks := min(m.workers, (len(samples)+minSamplesPerWorker-1)/minSamplesPerWorker)
	chunks = max(chunks, 1)
	chunkSize := (len(samples) + chunks - 1) / chunks

	partials := make([]*accumulator, chunks)
	var g errgroup.Group
	for i := range partials {
		partials[i] = newAccumulator(dim, nParams, withDerivative)
		lo := min(i*chunkSize, len(samples))
		hi := min(lo+chunkSize, len(samples))
		acc := partials[i]
		g.Go(func() error {
			return m.accumulateChunk(samples[lo:hi], acc, withDerivative)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := newAccumulator(dim, nParams, withDerivative)
	for _, p := range partials {
		total.merge(p)
	}
	return total, nil
}

func (m *MeanSquares) accumulateChunk(samples sampler.Container, acc *accumulator, withDerivative bool) error {
	mapper := coordinateMapper{transform: m.transform, interpolator: m.interpolator}
	filter := validityFilter{
		fixedMask:     m.fixedMask,
		movingMask:    m.movingMask,
		fixedLimiter:  m.fixedLimiter,
		movingLimiter: m.movingLimiter,
	}

	for _, s := range samples {
		movingPoint, inside, err := mapper.mapPoint(s.Point)
		if err != nil {
			return err
		}
		if !filter.acceptBeforeInterpolation(s.Point, movingPoint, inside, s.Value) {
			continue
		}

		var movingValue float64
		var gradient []float64
		if withDerivative {
			movingValue, gradient = m.interpolator.EvaluateValueAndDerivative(movingPoint)
		} else {
			movingValue = m.interpolator.Evaluate(movingPoint)
		}
		if !filter.acceptMovingValue(movingValue) {
			continue
		}

		diff := movingValue - s.Value
		acc.addValue(diff)

		if withDerivative {
			if err := m.transform.Jacobian(s.Point, acc.jacobian); err != nil {
				return fmt.Errorf("failed to compute transform jacobian at %v: %w", s.Point, err)
			}
			acc.addDerivative(diff, gradient)
		}
	}
	return nil
}
