package register

import (
	"fmt"
	"math"

	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/interp"
	"github.com/cwbudde/meansquares/internal/transform"
	"gonum.org/v1/gonum/floats"
)

// Resample warps moving onto the grid of fixed through tr. Voxels that map
// outside the interpolator's domain get defaultValue.
func Resample(fixed, moving *imaging.Image, tr transform.Transform, interpolator string, defaultValue float64) (*imaging.Image, error) {
	ip, err := interp.New(interpolator, moving)
	if err != nil {
		return nil, err
	}

	out := fixed.Clone()
	var mapErr error
	fixed.LargestRegion().ForEach(func(idx []int) {
		if mapErr != nil {
			return
		}
		q, err := tr.MapPoint(fixed.TransformGridIndexToPoint(idx))
		if err != nil {
			mapErr = fmt.Errorf("failed to map index %v: %w", idx, err)
			return
		}
		v := defaultValue
		if ip.IsInsideBuffer(q) {
			v = ip.Evaluate(q)
		}
		out.Set(v, idx...)
	})
	if mapErr != nil {
		return nil, mapErr
	}
	return out, nil
}

// DiffImage returns |a - b| voxel by voxel.
func DiffImage(a, b *imaging.Image) (*imaging.Image, error) {
	if !a.SameGeometry(b) {
		return nil, fmt.Errorf("diff image: %w", imaging.ErrDimensionMismatch)
	}
	out := a.Clone()
	floats.SubTo(out.Data, a.Data, b.Data)
	for i, v := range out.Data {
		out.Data[i] = math.Abs(v)
	}
	return out, nil
}
