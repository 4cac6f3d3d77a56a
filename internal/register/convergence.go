package register

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines when an optimization run counts as converged.
type ConvergenceConfig struct {
	Enabled bool

	// Patience is the number of iterations without significant improvement
	// before stopping.
	Patience int

	// Threshold is the minimum relative improvement (old-new)/old that
	// counts as progress. Example: 0.001 = 0.1%.
	Threshold float64
}

// ConvergenceTracker records metric values and detects stagnation.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	history         []float64
	best            float64
	lastSignificant float64
	stale           int
}

func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	t := &ConvergenceTracker{config: config}
	t.Reset()
	return t
}

// Update records a metric value and returns true once the run has stalled
// for Patience consecutive iterations.
func (c *ConvergenceTracker) Update(value float64) bool {
	c.history = append(c.history, value)
	if value < c.best {
		c.best = value
	}
	if !c.config.Enabled {
		return false
	}

	if len(c.history) == 1 {
		c.lastSignificant = value
		return false
	}

	// a metric of exactly zero cannot improve further
	if c.lastSignificant == 0 {
		c.stale++
		return c.stale >= c.config.Patience
	}

	improvement := (c.lastSignificant - value) / math.Abs(c.lastSignificant)
	if improvement >= c.config.Threshold {
		c.lastSignificant = value
		c.stale = 0
		return false
	}

	c.stale++
	slog.Debug("No significant metric improvement",
		"value", value,
		"last_significant", c.lastSignificant,
		"relative_improvement", improvement,
		"stale_count", c.stale,
		"patience", c.config.Patience,
	)
	if c.stale >= c.config.Patience {
		slog.Info("Convergence detected - stopping early",
			"stale_count", c.stale,
			"best_value", c.best,
		)
		return true
	}
	return false
}

func (c *ConvergenceTracker) Best() float64 { return c.best }

// History returns a copy of every recorded value.
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64(nil), c.history...)
}

func (c *ConvergenceTracker) StaleCount() int { return c.stale }

func (c *ConvergenceTracker) Reset() {
	c.history = nil
	c.best = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.stale = 0
}
