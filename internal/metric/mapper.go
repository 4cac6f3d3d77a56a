package metric

import (
	"fmt"

	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/interp"
	"github.com/cwbudde/meansquares/internal/limiter"
	"github.com/cwbudde/meansquares/internal/mask"
	"github.com/cwbudde/meansquares/internal/transform"
)

// coordinateMapper maps fixed points through the transform and decides
// whether the result can be interpolated.
type coordinateMapper struct {
	transform    transform.Transform
	interpolator interp.Interpolator
}

// mapPoint returns the moving-space point and whether it lies in the
// interpolator's valid domain.
func (c coordinateMapper) mapPoint(p imaging.Point) (imaging.Point, bool, error) {
	mapped, err := c.transform.MapPoint(p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to map point %v: %w", p, err)
	}
	return mapped, c.interpolator.IsInsideBuffer(mapped), nil
}

// validityFilter applies masks and limiters. Checks run in a fixed order and
// stop at the first rejection: domain, fixed mask, moving mask, fixed range,
// and finally moving range once the moving intensity is known.
type validityFilter struct {
	fixedMask     mask.Mask
	movingMask    mask.Mask
	fixedLimiter  limiter.Limiter
	movingLimiter limiter.Limiter
}

// acceptBeforeInterpolation runs every check that does not need the moving
// intensity.
func (f validityFilter) acceptBeforeInterpolation(fixedPoint, movingPoint imaging.Point, inside bool, fixedValue float64) bool {
	if !inside {
		return false
	}
	if f.fixedMask != nil && !f.fixedMask.IsInside(fixedPoint) {
		return false
	}
	if f.movingMask != nil && !f.movingMask.IsInside(movingPoint) {
		return false
	}
	if f.fixedLimiter != nil && !f.fixedLimiter.IsInsideRange(fixedValue) {
		return false
	}
	return true
}

func (f validityFilter) acceptMovingValue(v float64) bool {
	return f.movingLimiter == nil || f.movingLimiter.IsInsideRange(v)
}
