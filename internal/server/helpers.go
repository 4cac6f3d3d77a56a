package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/register"
)

// applyDefaults fills unset job fields from the server's base configuration.
func applyDefaults(jc *JobConfig, base *config.Config) {
	if jc.Transform == "" {
		jc.Transform = base.Transform.Name
	}
	if jc.Interpolator == "" {
		jc.Interpolator = base.Interpolator
	}
	if jc.Optimizer == "" {
		jc.Optimizer = base.Optimizer.Name
	}
	if jc.Iterations <= 0 {
		jc.Iterations = base.Optimizer.Iterations
	}
	// no sample count means the base sampling mode
	if !jc.UseAllPixels && jc.NumberOfSpatialSamples <= 0 {
		jc.UseAllPixels = base.Metric.UseAllPixels
		jc.NumberOfSpatialSamples = base.Metric.NumberOfSpatialSamples
	}
	if jc.Seed == 0 {
		jc.Seed = base.Optimizer.Seed
	}
}

// jobToConfig overlays a job's settings on the base configuration.
func jobToConfig(base *config.Config, jc JobConfig, initial []float64) (*config.Config, error) {
	cfg := *base
	cfg.Transform.Center = slices.Clone(base.Transform.Center)
	cfg.Transform.Initial = slices.Clone(initial)

	cfg.Transform.Name = jc.Transform
	cfg.Interpolator = jc.Interpolator
	cfg.Optimizer.Name = jc.Optimizer
	cfg.Optimizer.Iterations = jc.Iterations
	cfg.Optimizer.Seed = jc.Seed
	cfg.Metric.UseAllPixels = jc.UseAllPixels
	if jc.NumberOfSpatialSamples > 0 {
		cfg.Metric.NumberOfSpatialSamples = jc.NumberOfSpatialSamples
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// renderResult resamples the moving image with params and builds the
// difference to the fixed image.
func renderResult(cfg *config.Config, in register.Inputs, params []float64) (resampled, diff *imaging.Image, err error) {
	tr, err := register.NewTransform(cfg, in.Fixed)
	if err != nil {
		return nil, nil, err
	}
	if err := tr.SetParameters(params); err != nil {
		return nil, nil, fmt.Errorf("invalid parameters: %w", err)
	}
	resampled, err = register.Resample(in.Fixed, in.Moving, tr, cfg.ResampleInterpolator, 0)
	if err != nil {
		return nil, nil, err
	}
	diff, err = register.DiffImage(in.Fixed, resampled)
	if err != nil {
		return nil, nil, err
	}
	return resampled, diff, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
