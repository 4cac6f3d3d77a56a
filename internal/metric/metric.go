// Package metric implements the mean-squares image similarity metric used to
// drive intensity-based registration.
//
// A MeanSquares metric compares a fixed image with a moving image seen
// through a parametric transform and an interpolator. For a parameter vector
// it computes
//
//	value      = 1/n * sum (M(T(x)) - F(x))^2
//	derivative = 1/n * sum 2 (M(T(x)) - F(x)) * grad M(T(x)) . dT/dp(x)
//
// over the accepted samples x, which are every voxel of the fixed region or a
// random subset redrawn on each call. Samples mapping outside the moving
// image, outside a mask, or outside a limiter's intensity range are skipped.
//
// The metric sets the transform's parameters before every evaluation, so it
// must not be evaluated concurrently with itself or with other writers of the
// same transform.
package metric

import (
	"log/slog"
	"math/rand/v2"
	"runtime"

	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/interp"
	"github.com/cwbudde/meansquares/internal/limiter"
	"github.com/cwbudde/meansquares/internal/mask"
	"github.com/cwbudde/meansquares/internal/sampler"
	"github.com/cwbudde/meansquares/internal/transform"
)

// DefaultNumberOfSpatialSamples is used when random sampling is selected
// without an explicit sample count.
const DefaultNumberOfSpatialSamples = 5000

// MeanSquares is the mean squared intensity difference metric.
type MeanSquares struct {
	fixed  *imaging.Image
	moving *imaging.Image
	region *imaging.Region

	transform    transform.Transform
	interpolator interp.Interpolator

	fixedMask     mask.Mask
	movingMask    mask.Mask
	fixedLimiter  limiter.Limiter
	movingLimiter limiter.Limiter

	useAllPixels           bool
	numberOfSpatialSamples int
	workers                int
	newSource              func() rand.Source

	initialized bool
	sampler     sampler.Sampler
}

// New returns a metric that uses every pixel of the fixed region and as many
// workers as GOMAXPROCS.
func New() *MeanSquares {
	return &MeanSquares{
		useAllPixels:           true,
		numberOfSpatialSamples: DefaultNumberOfSpatialSamples,
		workers:                runtime.GOMAXPROCS(0),
	}
}

func (m *MeanSquares) SetFixedImage(img *imaging.Image) {
	m.fixed = img
	m.initialized = false
}

func (m *MeanSquares) SetMovingImage(img *imaging.Image) {
	m.moving = img
	m.initialized = false
}

// SetFixedImageRegion restricts sampling to region of the fixed image.
func (m *MeanSquares) SetFixedImageRegion(region imaging.Region) {
	r := imaging.NewRegion(region.Index, region.Size)
	m.region = &r
	m.initialized = false
}

func (m *MeanSquares) SetTransform(t transform.Transform) {
	m.transform = t
	m.initialized = false
}

func (m *MeanSquares) SetInterpolator(i interp.Interpolator) {
	m.interpolator = i
	m.initialized = false
}

func (m *MeanSquares) SetFixedImageMask(mk mask.Mask)  { m.fixedMask = mk }
func (m *MeanSquares) SetMovingImageMask(mk mask.Mask) { m.movingMask = mk }

func (m *MeanSquares) SetFixedLimiter(l limiter.Limiter)  { m.fixedLimiter = l }
func (m *MeanSquares) SetMovingLimiter(l limiter.Limiter) { m.movingLimiter = l }

// SetUseAllPixels selects full-grid (true) or random-subset (false) sampling.
func (m *MeanSquares) SetUseAllPixels(all bool) {
	m.useAllPixels = all
	m.initialized = false
}

// SetNumberOfSpatialSamples sets the subset size for random sampling.
func (m *MeanSquares) SetNumberOfSpatialSamples(n int) {
	m.numberOfSpatialSamples = n
	m.initialized = false
}

// SetWorkers sets how many goroutines share one evaluation. Values below one
// select GOMAXPROCS.
func (m *MeanSquares) SetWorkers(n int) {
	if n < 1 {
		n = runtime.GOMAXPROCS(0)
	}
	m.workers = n
}

// SetRandomSource overrides the per-call random stream of the random sampler.
// Only tests that need reproducible subsets should call it.
func (m *MeanSquares) SetRandomSource(newSource func() rand.Source) {
	m.newSource = newSource
	m.initialized = false
}

func (m *MeanSquares) UseAllPixels() bool          { return m.useAllPixels }
func (m *MeanSquares) NumberOfSpatialSamples() int { return m.numberOfSpatialSamples }
func (m *MeanSquares) Workers() int                { return m.workers }

// NumberOfParameters returns the transform's parameter count, or zero when no
// transform is set.
func (m *MeanSquares) NumberOfParameters() int {
	if m.transform == nil {
		return 0
	}
	return m.transform.NumberOfParameters()
}

// Initialize validates the configuration and prepares the sampler. It is
// called automatically by the first evaluation after any setter that affects
// it.
func (m *MeanSquares) Initialize() error {
	m.initialized = false

	switch {
	case m.fixed == nil:
		return &ConfigError{Field: "FixedImage", Reason: "is not set"}
	case m.moving == nil:
		return &ConfigError{Field: "MovingImage", Reason: "is not set"}
	case m.transform == nil:
		return &ConfigError{Field: "Transform", Reason: "is not set"}
	case m.interpolator == nil:
		return &ConfigError{Field: "Interpolator", Reason: "is not set"}
	case m.region == nil:
		return &ConfigError{Field: "FixedImageRegion", Reason: "is not set"}
	}

	if err := m.region.Validate(m.fixed); err != nil {
		return &ConfigError{Field: "FixedImageRegion", Reason: err.Error()}
	}
	if m.transform.Dimension() != m.fixed.Dimension() || m.moving.Dimension() != m.fixed.Dimension() {
		return &ConfigError{Field: "Transform", Reason: "dimension does not match the images"}
	}

	s, err := sampler.New(m.useAllPixels, m.numberOfSpatialSamples)
	if err != nil {
		return &ConfigError{Field: "NumberOfSpatialSamples", Reason: err.Error()}
	}
	if r, ok := s.(*sampler.Random); ok {
		r.NewSource = m.newSource
	}
	m.sampler = s
	m.initialized = true

	slog.Debug("Metric initialized",
		"dimension", m.fixed.Dimension(),
		"parameters", m.transform.NumberOfParameters(),
		"region", m.region.String(),
		"use_all_pixels", m.useAllPixels,
		"spatial_samples", m.numberOfSpatialSamples,
		"workers", m.workers,
	)
	return nil
}
