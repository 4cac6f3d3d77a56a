// Package limiter rejects outlier intensities before they reach the metric.
package limiter

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/cwbudde/meansquares/internal/imaging"
	"gonum.org/v1/gonum/stat"
)

// Limiter accepts or rejects a single intensity.
type Limiter interface {
	IsInsideRange(v float64) bool
}

// Range accepts intensities in [Lower, Upper].
type Range struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
}

func (r Range) IsInsideRange(v float64) bool {
	return v >= r.Lower && v <= r.Upper
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Lower, r.Upper)
}

// Learn derives a Range from the empirical intensity distribution of img over
// region, keeping values between the lower and upper quantiles.
func Learn(img *imaging.Image, region imaging.Region, lowerQuantile, upperQuantile float64) (Range, error) {
	if lowerQuantile < 0 || upperQuantile > 1 || lowerQuantile > upperQuantile {
		return Range{}, fmt.Errorf("invalid quantiles [%g, %g]", lowerQuantile, upperQuantile)
	}
	if err := region.Validate(img); err != nil {
		return Range{}, fmt.Errorf("invalid region: %w", err)
	}
	if region.IsEmpty() {
		return Range{}, fmt.Errorf("cannot learn a range from an empty region")
	}

	values := make([]float64, 0, region.NumberOfVoxels())
	region.ForEach(func(idx []int) {
		values = append(values, img.Data[img.Offset(idx)])
	})
	slices.Sort(values)

	r := Range{
		Lower: stat.Quantile(lowerQuantile, stat.Empirical, values, nil),
		Upper: stat.Quantile(upperQuantile, stat.Empirical, values, nil),
	}
	slog.Debug("Learned intensity range",
		"lower_quantile", lowerQuantile,
		"upper_quantile", upperQuantile,
		"range", r.String(),
		"mean", stat.Mean(values, nil),
	)
	return r, nil
}
