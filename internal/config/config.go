// Package config loads and saves the registration parameter file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// LimiterConfig describes one intensity limiter. With Learn set the bounds
// are taken from the image's intensity quantiles, otherwise Lower and Upper
// are used as given.
type LimiterConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	Learn         bool    `yaml:"learn" json:"learn"`
	LowerQuantile float64 `yaml:"lowerQuantile" json:"lower_quantile"`
	UpperQuantile float64 `yaml:"upperQuantile" json:"upper_quantile"`
	Lower         float64 `yaml:"lower" json:"lower"`
	Upper         float64 `yaml:"upper" json:"upper"`
}

// OptimizerConfig selects and tunes the optimizer.
type OptimizerConfig struct {
	// Name is "gradient" or "mayfly"
	Name       string `yaml:"name" json:"name"`
	Iterations int    `yaml:"iterations" json:"iterations"`

	// Gradient descent gain a/(A+k+1)^alpha
	Gain      float64 `yaml:"gain" json:"gain"`
	Stability float64 `yaml:"stability" json:"stability"`
	Decay     float64 `yaml:"decay" json:"decay"`

	// Mayfly
	Population int     `yaml:"population" json:"population"`
	Radius     float64 `yaml:"radius" json:"radius"`
	Seed       int64   `yaml:"seed" json:"seed"`
}

// Config is the registration parameter file.
type Config struct {
	Metric struct {
		// UseAllPixels samples the full fixed region on every evaluation
		UseAllPixels bool `yaml:"useAllPixels"`

		// NumberOfSpatialSamples is the random subset size when UseAllPixels is false
		NumberOfSpatialSamples int `yaml:"numberOfSpatialSamples"`

		// Workers is the number of goroutines per evaluation, 0 for all cores
		Workers int `yaml:"workers"`
	} `yaml:"metric"`

	Interpolator         string `yaml:"interpolator"`
	ResampleInterpolator string `yaml:"resampleInterpolator"`

	Transform struct {
		Name string `yaml:"name"`

		// Center is the affine centre of rotation; empty means the fixed image centre
		Center []float64 `yaml:"center,omitempty"`

		// Initial parameters; empty means identity
		Initial []float64 `yaml:"initial,omitempty"`
	} `yaml:"transform"`

	Limiters struct {
		Fixed  LimiterConfig `yaml:"fixed"`
		Moving LimiterConfig `yaml:"moving"`
	} `yaml:"limiters"`

	Optimizer OptimizerConfig `yaml:"optimizer"`

	Convergence struct {
		Enabled   bool    `yaml:"enabled"`
		Patience  int     `yaml:"patience"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"convergence"`

	Output struct {
		// Silent suppresses the parameter dump and informational logs
		Silent    bool   `yaml:"silent"`
		Directory string `yaml:"directory"`
		Resampled bool   `yaml:"resampled"`
		Diff      bool   `yaml:"diff"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Metric.UseAllPixels = true
	cfg.Metric.NumberOfSpatialSamples = 5000
	cfg.Metric.Workers = 0

	cfg.Interpolator = "linear"
	cfg.ResampleInterpolator = "linear"
	cfg.Transform.Name = "translation"

	cfg.Limiters.Fixed = LimiterConfig{LowerQuantile: 0.01, UpperQuantile: 0.99}
	cfg.Limiters.Moving = LimiterConfig{LowerQuantile: 0.01, UpperQuantile: 0.99}

	cfg.Optimizer = OptimizerConfig{
		Name:       "gradient",
		Iterations: 200,
		Gain:       1.0,
		Stability:  20,
		Decay:      0.602,
		Population: 20,
		Radius:     10,
		Seed:       42,
	}

	cfg.Convergence.Enabled = true
	cfg.Convergence.Patience = 10
	cfg.Convergence.Threshold = 1e-4

	cfg.Output.Directory = "./data"
	cfg.Output.Resampled = true
	cfg.Output.Diff = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if !c.Metric.UseAllPixels && c.Metric.NumberOfSpatialSamples <= 0 {
		return fmt.Errorf("%w: metric.numberOfSpatialSamples must be positive, got %d", ErrInvalid, c.Metric.NumberOfSpatialSamples)
	}
	if c.Metric.Workers < 0 {
		return fmt.Errorf("%w: metric.workers must not be negative", ErrInvalid)
	}

	for _, l := range []struct {
		name string
		cfg  LimiterConfig
	}{{"fixed", c.Limiters.Fixed}, {"moving", c.Limiters.Moving}} {
		if !l.cfg.Enabled {
			continue
		}
		if l.cfg.Learn {
			if l.cfg.LowerQuantile < 0 || l.cfg.UpperQuantile > 1 || l.cfg.LowerQuantile > l.cfg.UpperQuantile {
				return fmt.Errorf("%w: limiters.%s quantiles must satisfy 0 <= lower <= upper <= 1", ErrInvalid, l.name)
			}
		} else if l.cfg.Lower > l.cfg.Upper {
			return fmt.Errorf("%w: limiters.%s lower bound exceeds upper bound", ErrInvalid, l.name)
		}
	}

	switch strings.ToLower(c.Optimizer.Name) {
	case "gradient":
		if c.Optimizer.Gain <= 0 {
			return fmt.Errorf("%w: optimizer.gain must be positive", ErrInvalid)
		}
	case "mayfly":
		if c.Optimizer.Population < 20 {
			return fmt.Errorf("%w: optimizer.population must be at least 20, got %d", ErrInvalid, c.Optimizer.Population)
		}
		if c.Optimizer.Radius <= 0 {
			return fmt.Errorf("%w: optimizer.radius must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalid, c.Optimizer.Name)
	}
	if c.Optimizer.Iterations <= 0 {
		return fmt.Errorf("%w: optimizer.iterations must be positive", ErrInvalid)
	}

	if c.Convergence.Enabled && c.Convergence.Patience <= 0 {
		return fmt.Errorf("%w: convergence.patience must be positive", ErrInvalid)
	}

	return nil
}

// Print logs the effective parameters unless the output is silenced.
func (c *Config) Print(logger *slog.Logger) {
	if c.Output.Silent {
		return
	}
	logger.Info("Registration parameters",
		slog.Group("metric",
			"use_all_pixels", c.Metric.UseAllPixels,
			"spatial_samples", c.Metric.NumberOfSpatialSamples,
			"workers", c.Metric.Workers,
		),
		"interpolator", c.Interpolator,
		"resample_interpolator", c.ResampleInterpolator,
		slog.Group("transform",
			"name", c.Transform.Name,
			"center", c.Transform.Center,
			"initial", c.Transform.Initial,
		),
		slog.Group("limiters",
			"fixed", c.Limiters.Fixed,
			"moving", c.Limiters.Moving,
		),
		"optimizer", c.Optimizer,
		slog.Group("convergence",
			"enabled", c.Convergence.Enabled,
			"patience", c.Convergence.Patience,
			"threshold", c.Convergence.Threshold,
		),
		"output_dir", c.Output.Directory,
	)
}

// CreateDefaultConfigFile writes the defaults to configPath.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
