package store

import (
	"fmt"
	"time"

	"github.com/cwbudde/meansquares/internal/transform"
)

// JobConfig is the part of a registration job needed to resume it. It is a
// flat copy so the store does not depend on the server.
type JobConfig struct {
	FixedPath              string `json:"fixedPath"`
	MovingPath             string `json:"movingPath"`
	FixedMaskPath          string `json:"fixedMaskPath,omitempty"`
	MovingMaskPath         string `json:"movingMaskPath,omitempty"`
	Transform              string `json:"transform"`
	Interpolator           string `json:"interpolator"`
	Optimizer              string `json:"optimizer"`
	Iterations             int    `json:"iterations"`
	UseAllPixels           bool   `json:"useAllPixels"`
	NumberOfSpatialSamples int    `json:"numberOfSpatialSamples,omitempty"`
	Seed                   int64  `json:"seed"`
	CheckpointInterval     int    `json:"checkpointInterval,omitempty"` // seconds, 0 disables
}

// Checkpoint is the saved state of a registration job.
//
// Only the best transform parameters are kept, not the optimizer's internal
// state. A resumed job restarts the optimizer from BestParams, so the best
// value never gets worse but the trajectory differs from an uninterrupted run.
type Checkpoint struct {
	JobID string `json:"jobId"`

	// Dimension of the images, used to check the parameter count
	Dimension int `json:"dimension"`

	BestParams   []float64 `json:"bestParams"`
	BestValue    float64   `json:"bestValue"`
	InitialValue float64   `json:"initialValue"`
	Iteration    int       `json:"iteration"`
	Timestamp    time.Time `json:"timestamp"`
	Config       JobConfig `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint.
type CheckpointInfo struct {
	JobID      string    `json:"jobId"`
	BestValue  float64   `json:"bestValue"`
	Iteration  int       `json:"iteration"`
	Timestamp  time.Time `json:"timestamp"`
	Transform  string    `json:"transform"`
	Optimizer  string    `json:"optimizer"`
	FixedPath  string    `json:"fixedPath"`
	MovingPath string    `json:"movingPath"`
}

func NewCheckpoint(jobID string, dim int, bestParams []float64, bestValue, initialValue float64, iteration int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:        jobID,
		Dimension:    dim,
		BestParams:   append([]float64(nil), bestParams...),
		BestValue:    bestValue,
		InitialValue: initialValue,
		Iteration:    iteration,
		Timestamp:    time.Now(),
		Config:       config,
	}
}

func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:      c.JobID,
		BestValue:  c.BestValue,
		Iteration:  c.Iteration,
		Timestamp:  c.Timestamp,
		Transform:  c.Config.Transform,
		Optimizer:  c.Config.Optimizer,
		FixedPath:  c.Config.FixedPath,
		MovingPath: c.Config.MovingPath,
	}
}

// Validate checks that every required field is present and that the
// parameter vector fits the transform.
func (c *Checkpoint) Validate() error {
	switch {
	case c.JobID == "":
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	case len(c.BestParams) == 0:
		return &ValidationError{Field: "BestParams", Reason: "cannot be empty"}
	case c.BestValue < 0:
		return &ValidationError{Field: "BestValue", Reason: "cannot be negative"}
	case c.InitialValue < 0:
		return &ValidationError{Field: "InitialValue", Reason: "cannot be negative"}
	case c.Iteration < 0:
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	case c.Timestamp.IsZero():
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	case c.Dimension <= 0:
		return &ValidationError{Field: "Dimension", Reason: "must be positive"}
	case c.Config.FixedPath == "":
		return &ValidationError{Field: "Config.FixedPath", Reason: "cannot be empty"}
	case c.Config.MovingPath == "":
		return &ValidationError{Field: "Config.MovingPath", Reason: "cannot be empty"}
	case c.Config.Iterations <= 0:
		return &ValidationError{Field: "Config.Iterations", Reason: "must be positive"}
	}

	tr, err := transform.New(c.Config.Transform, c.Dimension)
	if err != nil {
		return &ValidationError{Field: "Config.Transform", Reason: err.Error()}
	}
	if n := tr.NumberOfParameters(); len(c.BestParams) != n {
		return &ValidationError{
			Field:  "BestParams",
			Reason: fmt.Sprintf("length mismatch: expected %d params for a %d-D %s", n, c.Dimension, c.Config.Transform),
		}
	}
	return nil
}

// IsCompatible checks that the checkpoint belongs to the same image pair and
// transform as config.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	for _, f := range []struct{ field, want, got string }{
		{"FixedPath", c.Config.FixedPath, config.FixedPath},
		{"MovingPath", c.Config.MovingPath, config.MovingPath},
		{"Transform", c.Config.Transform, config.Transform},
	} {
		if f.want != f.got {
			return &CompatibilityError{Field: f.field, Expected: f.want, Actual: f.got}
		}
	}
	return nil
}
