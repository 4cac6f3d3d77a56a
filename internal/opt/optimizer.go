package opt

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwbudde/meansquares/internal/config"
)

// Cost is the objective an optimizer minimizes. The mean-squares metric
// satisfies it.
type Cost interface {
	GetValue(params []float64) (float64, error)
	GetValueAndDerivative(params []float64) (float64, []float64, error)
}

// Iteration is reported to the callback after every optimizer step.
type Iteration struct {
	Index        int
	Params       []float64
	Value        float64
	GradientNorm float64 // zero for derivative-free optimizers
}

// Callback observes progress. Returning true asks the optimizer to stop.
type Callback func(it Iteration) bool

// Result is the best point an optimizer found.
type Result struct {
	Params     []float64
	Value      float64
	Iterations int
	Converged  bool // stopped early by the callback
}

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Optimize minimizes cost starting from initial. cb may be nil.
	Optimize(ctx context.Context, cost Cost, initial []float64, cb Callback) (*Result, error)
	Name() string
}

// New builds the optimizer named in cfg.
func New(cfg config.OptimizerConfig) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "gradient", "":
		return &GradientDescent{
			MaxIterations: cfg.Iterations,
			Gain:          cfg.Gain,
			Stability:     cfg.Stability,
			Decay:         cfg.Decay,
		}, nil
	case "mayfly":
		return NewMayfly(cfg.Iterations, cfg.Population, cfg.Radius, cfg.Seed), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}
