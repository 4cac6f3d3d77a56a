package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
	"gonum.org/v1/gonum/floats"
)

// MayflyAdapter searches an offset within ±radius of the initial parameters
// with the Mayfly swarm optimizer. It only needs metric values.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	radius   float64
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter. popSize must be at least
// 20 for mayfly v0.1.0.
func NewMayfly(maxIters, popSize int, radius float64, seed int64) *MayflyAdapter {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		radius:   radius,
		seed:     seed,
	}
}

func (m *MayflyAdapter) Name() string { return "mayfly" }

// Optimize runs the swarm for its full iteration budget. The callback sees
// every improvement of the best value; its return value is ignored since the
// library cannot be stopped from outside. A cancelled context makes every
// remaining evaluation return +Inf.
func (m *MayflyAdapter) Optimize(ctx context.Context, cost Cost, initial []float64, cb Callback) (*Result, error) {
	dim := len(initial)
	if dim == 0 {
		return nil, fmt.Errorf("mayfly needs at least one parameter")
	}

	best := math.Inf(1)
	evals := 0
	params := make([]float64, dim)

	eval := func(offset []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		floats.AddTo(params, initial, offset)
		value, err := cost.GetValue(params)
		evals++
		if err != nil {
			slog.Debug("Mayfly evaluation rejected", "error", err)
			return math.Inf(1)
		}
		if value < best {
			best = value
			if cb != nil {
				cb(Iteration{Index: evals, Params: append([]float64(nil), params...), Value: value})
			}
		}
		return value
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = -m.radius
	config.UpperBound = m.radius
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, fmt.Errorf("mayfly optimization failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]float64, dim)
	floats.AddTo(out, initial, result.GlobalBest.Position)
	if math.IsInf(result.GlobalBest.Cost, 1) {
		return nil, fmt.Errorf("mayfly found no point with a valid metric value")
	}

	slog.Debug("Mayfly finished", "evaluations", evals, "best", result.GlobalBest.Cost)
	return &Result{
		Params:     out,
		Value:      result.GlobalBest.Cost,
		Iterations: m.maxIters,
	}, nil
}
