package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// GradientDescent is a decaying-gain steepest descent. At iteration k the
// step is gain_k * gradient with gain_k = Gain / (Stability + k + 1)^Decay.
type GradientDescent struct {
	MaxIterations int
	Gain          float64
	Stability     float64
	Decay         float64
}

func (g *GradientDescent) Name() string { return "gradient" }

func (g *GradientDescent) gain(k int) float64 {
	return g.Gain / math.Pow(g.Stability+float64(k)+1, g.Decay)
}

// Optimize runs at most MaxIterations steps. An evaluation error ends the run
// and is returned together with the best point seen so far.
func (g *GradientDescent) Optimize(ctx context.Context, cost Cost, initial []float64, cb Callback) (*Result, error) {
	x := append([]float64(nil), initial...)
	res := &Result{Params: append([]float64(nil), initial...), Value: math.Inf(1)}

	for k := 0; k < g.MaxIterations; k++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, gradient, err := cost.GetValueAndDerivative(x)
		if err != nil {
			return res, fmt.Errorf("iteration %d: %w", k, err)
		}
		res.Iterations = k + 1
		if value < res.Value {
			res.Value = value
			copy(res.Params, x)
		}

		it := Iteration{
			Index:        k,
			Params:       append([]float64(nil), x...),
			Value:        value,
			GradientNorm: floats.Norm(gradient, 2),
		}
		slog.Debug("Gradient descent step",
			"iteration", k,
			"value", value,
			"gradient_norm", it.GradientNorm,
		)
		if cb != nil && cb(it) {
			res.Converged = true
			return res, nil
		}

		floats.AddScaled(x, -g.gain(k), gradient)
	}

	return res, nil
}
