// Package sampler enumerates the fixed-image points a metric evaluation
// visits: every voxel of a region, or a fresh random subset on every call.
package sampler

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/cwbudde/meansquares/internal/imaging"
)

// Sample is one fixed-image point together with its intensity.
type Sample struct {
	Index []int
	Point imaging.Point
	Value float64
}

// Container holds the samples of a single evaluation. It is never reused
// across calls.
type Container []Sample

// Sampler produces the samples of one evaluation.
type Sampler interface {
	Samples(img *imaging.Image, region imaging.Region) (Container, error)
}

// New returns a Full sampler when useAllPixels is set, otherwise a Random
// sampler drawing n samples.
func New(useAllPixels bool, n int) (Sampler, error) {
	if useAllPixels {
		return Full{}, nil
	}
	if n <= 0 {
		return nil, fmt.Errorf("number of spatial samples must be positive, got %d", n)
	}
	return &Random{NumberOfSamples: n}, nil
}

func newSample(img *imaging.Image, idx []int) Sample {
	index := append([]int(nil), idx...)
	return Sample{
		Index: index,
		Point: img.TransformGridIndexToPoint(index),
		Value: img.Data[img.Offset(index)],
	}
}

// Full visits every voxel of the region in raster order.
type Full struct{}

func (Full) Samples(img *imaging.Image, region imaging.Region) (Container, error) {
	if err := region.Validate(img); err != nil {
		return nil, fmt.Errorf("invalid sampling region: %w", err)
	}
	samples := make(Container, 0, region.NumberOfVoxels())
	region.ForEach(func(idx []int) {
		samples = append(samples, newSample(img, idx))
	})
	return samples, nil
}

// Random draws NumberOfSamples voxels uniformly, with replacement, from the
// region. Each call uses a new random stream, so successive evaluations see
// independent subsets.
type Random struct {
	NumberOfSamples int

	// NewSource, when set, supplies the random stream for a call. Leave nil
	// outside of tests.
	NewSource func() rand.Source
}

func (r *Random) source() rand.Source {
	if r.NewSource != nil {
		return r.NewSource()
	}
	return rand.NewPCG(rand.Uint64(), rand.Uint64())
}

func (r *Random) Samples(img *imaging.Image, region imaging.Region) (Container, error) {
	if err := region.Validate(img); err != nil {
		return nil, fmt.Errorf("invalid sampling region: %w", err)
	}
	total := region.NumberOfVoxels()
	if total == 0 {
		return Container{}, nil
	}

	rng := rand.New(r.source())
	samples := make(Container, r.NumberOfSamples)
	idx := make([]int, region.Dimension())
	for i := range samples {
		region.IndexAt(rng.IntN(total), idx)
		samples[i] = newSample(img, idx)
	}

	slog.Debug("Drew random samples", "requested", r.NumberOfSamples, "region_voxels", total)
	return samples, nil
}
