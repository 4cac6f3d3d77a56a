// Package register wires images, a mean-squares metric and an optimizer into
// a complete registration run.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/interp"
	"github.com/cwbudde/meansquares/internal/limiter"
	"github.com/cwbudde/meansquares/internal/mask"
	"github.com/cwbudde/meansquares/internal/metric"
	"github.com/cwbudde/meansquares/internal/opt"
	"github.com/cwbudde/meansquares/internal/transform"
)

// Inputs are the images of one registration. Masks are optional.
type Inputs struct {
	Fixed      *imaging.Image
	Moving     *imaging.Image
	FixedMask  mask.Mask
	MovingMask mask.Mask
}

// LoadInputs reads the images from disk. Empty mask paths mean no mask.
func LoadInputs(fixedPath, movingPath, fixedMaskPath, movingMaskPath string) (Inputs, error) {
	var in Inputs
	var err error

	if in.Fixed, err = imaging.Load(fixedPath); err != nil {
		return in, fmt.Errorf("failed to load fixed image: %w", err)
	}
	if in.Moving, err = imaging.Load(movingPath); err != nil {
		return in, fmt.Errorf("failed to load moving image: %w", err)
	}
	if fixedMaskPath != "" {
		m, err := mask.Load(fixedMaskPath)
		if err != nil {
			return in, fmt.Errorf("failed to load fixed mask: %w", err)
		}
		in.FixedMask = m
	}
	if movingMaskPath != "" {
		m, err := mask.Load(movingMaskPath)
		if err != nil {
			return in, fmt.Errorf("failed to load moving mask: %w", err)
		}
		in.MovingMask = m
	}
	return in, nil
}

// Progress is reported once per optimizer iteration.
type Progress struct {
	Iteration    int       `json:"iteration"`
	Value        float64   `json:"value"`
	GradientNorm float64   `json:"gradient_norm"`
	Params       []float64 `json:"params"`
}

// ProgressFunc receives progress updates. It runs on the optimizer goroutine.
type ProgressFunc func(Progress)

// Result holds the output of a registration run
type Result struct {
	Transform    transform.Transform
	Params       []float64
	InitialValue float64
	FinalValue   float64
	Iterations   int
	Converged    bool
	Duration     time.Duration
}

// NewTransform builds the configured transform for fixed. An affine transform
// without an explicit centre rotates about the fixed image centre.
func NewTransform(cfg *config.Config, fixed *imaging.Image) (transform.Transform, error) {
	tr, err := transform.New(cfg.Transform.Name, fixed.Dimension())
	if err != nil {
		return nil, err
	}
	if a, ok := tr.(*transform.Affine); ok {
		center := imaging.Point(cfg.Transform.Center)
		if len(center) == 0 {
			mid := make([]float64, fixed.Dimension())
			for axis, s := range fixed.Size {
				mid[axis] = float64(s-1) / 2
			}
			center = fixed.TransformIndexToPoint(mid)
		}
		if err := a.SetCenter(center); err != nil {
			return nil, fmt.Errorf("failed to set affine center: %w", err)
		}
	}
	if len(cfg.Transform.Initial) > 0 {
		if err := tr.SetParameters(cfg.Transform.Initial); err != nil {
			return nil, fmt.Errorf("invalid initial parameters: %w", err)
		}
	}
	return tr, nil
}

func newLimiter(lc config.LimiterConfig, img *imaging.Image) (limiter.Limiter, error) {
	if !lc.Enabled {
		return nil, nil
	}
	if !lc.Learn {
		return limiter.Range{Lower: lc.Lower, Upper: lc.Upper}, nil
	}
	r, err := limiter.Learn(img, img.LargestRegion(), lc.LowerQuantile, lc.UpperQuantile)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NewMetric configures a mean-squares metric and its transform from cfg.
func NewMetric(cfg *config.Config, in Inputs) (*metric.MeanSquares, transform.Transform, error) {
	tr, err := NewTransform(cfg, in.Fixed)
	if err != nil {
		return nil, nil, err
	}
	ip, err := interp.New(cfg.Interpolator, in.Moving)
	if err != nil {
		return nil, nil, err
	}

	m := metric.New()
	m.SetFixedImage(in.Fixed)
	m.SetMovingImage(in.Moving)
	m.SetFixedImageRegion(in.Fixed.LargestRegion())
	m.SetTransform(tr)
	m.SetInterpolator(ip)
	m.SetUseAllPixels(cfg.Metric.UseAllPixels)
	m.SetNumberOfSpatialSamples(cfg.Metric.NumberOfSpatialSamples)
	m.SetWorkers(cfg.Metric.Workers)
	if in.FixedMask != nil {
		m.SetFixedImageMask(in.FixedMask)
	}
	if in.MovingMask != nil {
		m.SetMovingImageMask(in.MovingMask)
	}

	fl, err := newLimiter(cfg.Limiters.Fixed, in.Fixed)
	if err != nil {
		return nil, nil, fmt.Errorf("fixed limiter: %w", err)
	}
	if fl != nil {
		m.SetFixedLimiter(fl)
	}
	ml, err := newLimiter(cfg.Limiters.Moving, in.Moving)
	if err != nil {
		return nil, nil, fmt.Errorf("moving limiter: %w", err)
	}
	if ml != nil {
		m.SetMovingLimiter(ml)
	}

	if err := m.Initialize(); err != nil {
		return nil, nil, err
	}
	return m, tr, nil
}

// Run registers in.Moving to in.Fixed. It leaves the returned transform set
// to the best parameters found.
func Run(ctx context.Context, cfg *config.Config, in Inputs, progress ProgressFunc) (*Result, error) {
	start := time.Now()

	m, tr, err := NewMetric(cfg, in)
	if err != nil {
		return nil, err
	}
	optimizer, err := opt.New(cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	initial := tr.Parameters()
	initialValue, err := m.GetValue(initial)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate initial parameters: %w", err)
	}

	slog.Info("Starting registration",
		"transform", cfg.Transform.Name,
		"optimizer", optimizer.Name(),
		"parameters", len(initial),
		"initial_value", initialValue,
	)

	tracker := NewConvergenceTracker(ConvergenceConfig{
		Enabled:   cfg.Convergence.Enabled,
		Patience:  cfg.Convergence.Patience,
		Threshold: cfg.Convergence.Threshold,
	})
	cb := func(it opt.Iteration) bool {
		if progress != nil {
			progress(Progress{
				Iteration:    it.Index,
				Value:        it.Value,
				GradientNorm: it.GradientNorm,
				Params:       it.Params,
			})
		}
		return tracker.Update(it.Value)
	}

	res, err := optimizer.Optimize(ctx, m, initial, cb)
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}
	if err := tr.SetParameters(res.Params); err != nil {
		return nil, fmt.Errorf("failed to apply best parameters: %w", err)
	}

	out := &Result{
		Transform:    tr,
		Params:       res.Params,
		InitialValue: initialValue,
		FinalValue:   res.Value,
		Iterations:   res.Iterations,
		Converged:    res.Converged,
		Duration:     time.Since(start),
	}
	slog.Info("Registration complete",
		"initial_value", out.InitialValue,
		"final_value", out.FinalValue,
		"iterations", out.Iterations,
		"converged", out.Converged,
		"duration", out.Duration,
	)
	return out, nil
}
