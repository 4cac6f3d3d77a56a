package metric

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/cwbudde/meansquares/internal/imaging"
	"github.com/cwbudde/meansquares/internal/interp"
	"github.com/cwbudde/meansquares/internal/limiter"
	"github.com/cwbudde/meansquares/internal/mask"
	"github.com/cwbudde/meansquares/internal/transform"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
)

// ---------------------- Test Utilities ----------------------

// blobImage creates a 2-D gaussian blob of the given centre.
func blobImage(t *testing.T, size int, cx, cy float64) *imaging.Image {
	t.Helper()
	img, err := imaging.NewImage(size, size)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	const sigma = 4.0
	img.LargestRegion().ForEach(func(idx []int) {
		dx := float64(idx[0]) - cx
		dy := float64(idx[1]) - cy
		img.Set(100*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)), idx...)
	})
	return img
}

// integerImage creates an image with integer intensities so sums stay exact.
func integerImage(t *testing.T, size int, seed uint64) *imaging.Image {
	t.Helper()
	img, err := imaging.NewImage(size, size)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	for i := range img.Data {
		img.Data[i] = float64(rng.IntN(200))
	}
	return img
}

// newTranslationMetric wires a full-grid metric with a translation transform
// and linear interpolation.
func newTranslationMetric(fixed, moving *imaging.Image) *MeanSquares {
	m := New()
	m.SetFixedImage(fixed)
	m.SetMovingImage(moving)
	m.SetFixedImageRegion(fixed.LargestRegion())
	m.SetTransform(transform.NewTranslation(fixed.Dimension()))
	m.SetInterpolator(interp.NewLinear(moving))
	return m
}

// ---------------------- Properties ----------------------

func TestIdentity_ZeroValueAndDerivative(t *testing.T) {
	img := blobImage(t, 24, 11, 13)
	m := newTranslationMetric(img, img)

	value, derivative, err := m.GetValueAndDerivative([]float64{0, 0})
	if err != nil {
		t.Fatalf("GetValueAndDerivative failed: %v", err)
	}
	if value != 0 {
		t.Errorf("Expected value 0, got %g", value)
	}
	for p, d := range derivative {
		if math.Abs(d) > 1e-12 {
			t.Errorf("Expected derivative[%d] = 0, got %g", p, d)
		}
	}
}

func TestIdentity_AffineTransform(t *testing.T) {
	img := blobImage(t, 16, 7, 8)
	m := newTranslationMetric(img, img)
	m.SetTransform(transform.NewAffine(2))

	value, derivative, err := m.GetValueAndDerivative([]float64{1, 0, 0, 1, 0, 0})
	if err != nil {
		t.Fatalf("GetValueAndDerivative failed: %v", err)
	}
	if value != 0 {
		t.Errorf("Expected value 0, got %g", value)
	}
	if len(derivative) != 6 {
		t.Fatalf("Expected 6 derivative entries, got %d", len(derivative))
	}
	for p, d := range derivative {
		if math.Abs(d) > 1e-12 {
			t.Errorf("Expected derivative[%d] = 0, got %g", p, d)
		}
	}
}

func TestConstantOffset(t *testing.T) {
	for _, k := range []float64{1, 3, -7} {
		fixed := integerImage(t, 20, 5)
		moving := fixed.Clone()
		for i := range moving.Data {
			moving.Data[i] += k
		}

		m := newTranslationMetric(fixed, moving)
		value, err := m.GetValue([]float64{0, 0})
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}
		if value != k*k {
			t.Errorf("offset %g: expected %g, got %g", k, k*k, value)
		}
	}
}

func TestSamplingConsistency_FullGrid(t *testing.T) {
	fixed := blobImage(t, 64, 30, 31)
	moving := blobImage(t, 64, 32.5, 30)
	m := newTranslationMetric(fixed, moving)
	m.SetWorkers(4)

	params := []float64{0.7, -0.35}

	value, err := m.GetValue(params)
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	derivative, err := m.GetDerivative(params)
	if err != nil {
		t.Fatalf("GetDerivative failed: %v", err)
	}
	value2, derivative2, err := m.GetValueAndDerivative(params)
	if err != nil {
		t.Fatalf("GetValueAndDerivative failed: %v", err)
	}

	if value != value2 {
		t.Errorf("Values differ: %v vs %v", value, value2)
	}
	if diff := cmp.Diff(derivative, derivative2); diff != "" {
		t.Errorf("Derivatives differ (-separate +combined):\n%s", diff)
	}
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	fixed := blobImage(t, 48, 20, 22)
	moving := blobImage(t, 48, 21, 23)

	single := newTranslationMetric(fixed, moving)
	single.SetWorkers(1)
	multi := newTranslationMetric(fixed, moving)
	multi.SetWorkers(8)

	params := []float64{0.25, 0.5}
	v1, d1, err := single.GetValueAndDerivative(params)
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	v8, d8, err := multi.GetValueAndDerivative(params)
	if err != nil {
		t.Fatalf("multi: %v", err)
	}

	opt := cmpopts.EquateApprox(1e-12, 0)
	if diff := cmp.Diff(v1, v8, opt); diff != "" {
		t.Errorf("Value mismatch (-1 worker +8 workers):\n%s", diff)
	}
	if diff := cmp.Diff(d1, d8, opt); diff != "" {
		t.Errorf("Derivative mismatch (-1 worker +8 workers):\n%s", diff)
	}
}

func TestEmptyAcceptance(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)
	m.SetFixedImageMask(mask.Func(func(imaging.Point) bool { return false }))

	value, err := m.GetValue([]float64{0, 0})
	if !errors.Is(err, ErrNoValidSamples) {
		t.Fatalf("Expected ErrNoValidSamples, got value=%g err=%v", value, err)
	}
	var empty *EmptyAcceptanceError
	if !errors.As(err, &empty) || empty.Candidates != 64 {
		t.Errorf("Expected EmptyAcceptanceError with 64 candidates, got %v", err)
	}

	if _, err := m.GetDerivative([]float64{0, 0}); !errors.Is(err, ErrNoValidSamples) {
		t.Errorf("GetDerivative: expected ErrNoValidSamples, got %v", err)
	}
}

func TestEmptyRegion(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)
	m.SetFixedImageRegion(imaging.NewRegion([]int{0, 0}, []int{0, 8}))

	if _, err := m.GetValue([]float64{0, 0}); !errors.Is(err, ErrNoValidSamples) {
		t.Errorf("Expected ErrNoValidSamples, got %v", err)
	}
}

func TestBorderExclusion(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)

	// x = 7 maps to 7.5, past the last linearly interpolable index
	res, err := m.Evaluate([]float64{0.5, 0}, false)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Candidates != 64 {
		t.Errorf("Expected 64 candidates, got %d", res.Candidates)
	}
	if res.Accepted != 56 {
		t.Errorf("Expected the 8 border samples to be rejected, accepted %d", res.Accepted)
	}

	// shifting everything out of the moving image leaves nothing
	if _, err := m.GetValue([]float64{20, 0}); !errors.Is(err, ErrNoValidSamples) {
		t.Errorf("Expected ErrNoValidSamples, got %v", err)
	}
}

func TestChainRule_FiniteDifference(t *testing.T) {
	fixed := blobImage(t, 32, 16, 16)
	moving := blobImage(t, 32, 17.3, 16.5)
	m := newTranslationMetric(fixed, moving)

	params := []float64{0.4, 0.3}
	analytic, err := m.GetDerivative(params)
	if err != nil {
		t.Fatalf("GetDerivative failed: %v", err)
	}
	if analytic[0] >= 0 {
		t.Errorf("Moving blob lies at +x, expected negative derivative, got %g", analytic[0])
	}

	const h = 1e-5
	for p := range params {
		plus := append([]float64(nil), params...)
		minus := append([]float64(nil), params...)
		plus[p] += h
		minus[p] -= h

		vp, err := m.GetValue(plus)
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}
		vm, err := m.GetValue(minus)
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}

		fd := (vp - vm) / (2 * h)
		tol := 1e-5 * math.Max(1, math.Abs(analytic[p]))
		if math.Abs(fd-analytic[p]) > tol {
			t.Errorf("Parameter %d: analytic %g, finite difference %g", p, analytic[p], fd)
		}
	}
}

// ---------------------- Validity Filter ----------------------

func TestFilterOrder_FixedMaskShortCircuits(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)

	var movingCalls atomic.Int64
	m.SetFixedImageMask(mask.Func(func(p imaging.Point) bool { return p[0] < 2 }))
	m.SetMovingImageMask(mask.Func(func(imaging.Point) bool {
		movingCalls.Add(1)
		return true
	}))

	res, err := m.Evaluate([]float64{0, 0}, false)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Accepted != 16 {
		t.Errorf("Expected 16 accepted samples, got %d", res.Accepted)
	}
	if movingCalls.Load() != 16 {
		t.Errorf("Moving mask should only see samples passing the fixed mask, saw %d", movingCalls.Load())
	}
}

func TestLimiters(t *testing.T) {
	fixed, _ := imaging.NewImage(4, 4)
	for i := range fixed.Data {
		fixed.Data[i] = float64(i)
	}
	moving := fixed.Clone()
	for i := range moving.Data {
		moving.Data[i] += 10
	}

	m := newTranslationMetric(fixed, moving)

	m.SetFixedLimiter(limiter.Range{Lower: 0, Upper: 7})
	res, err := m.Evaluate([]float64{0, 0}, false)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Accepted != 8 {
		t.Errorf("Fixed limiter: expected 8 accepted, got %d", res.Accepted)
	}

	// moving intensities are fixed+10, so [14, 100] keeps fixed values 4..7
	m.SetMovingLimiter(limiter.Range{Lower: 14, Upper: 100})
	res, err = m.Evaluate([]float64{0, 0}, false)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Accepted != 4 {
		t.Errorf("Both limiters: expected 4 accepted, got %d", res.Accepted)
	}
	if res.Value != 100 {
		t.Errorf("Expected value 100, got %g", res.Value)
	}
}

// ---------------------- Random Sampling ----------------------

func TestRandomSampling_CombinedCallIsConsistent(t *testing.T) {
	fixed := blobImage(t, 40, 20, 20)
	moving := blobImage(t, 40, 21, 19)
	m := newTranslationMetric(fixed, moving)
	m.SetUseAllPixels(false)
	m.SetNumberOfSpatialSamples(300)
	m.SetRandomSource(func() rand.Source { return rand.NewPCG(7, 11) })

	params := []float64{0.2, -0.1}
	value, err := m.GetValue(params)
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	value2, derivative, err := m.GetValueAndDerivative(params)
	if err != nil {
		t.Fatalf("GetValueAndDerivative failed: %v", err)
	}
	if value != value2 {
		t.Errorf("Same draw should give same value: %v vs %v", value, value2)
	}
	if len(derivative) != 2 {
		t.Errorf("Expected 2 derivative entries, got %d", len(derivative))
	}
}

func TestRandomSampling_NewSubsetEachCall(t *testing.T) {
	fixed := integerImage(t, 64, 1)
	moving := integerImage(t, 64, 2)
	m := newTranslationMetric(fixed, moving)
	m.SetUseAllPixels(false)
	m.SetNumberOfSpatialSamples(50)

	first, err := m.Evaluate([]float64{0, 0}, false)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if first.Candidates != 50 {
		t.Errorf("Expected 50 candidates, got %d", first.Candidates)
	}

	for i := 0; i < 5; i++ {
		next, err := m.Evaluate([]float64{0, 0}, false)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if next.Value != first.Value {
			return
		}
	}
	t.Error("Six random evaluations produced identical values")
}

func TestRandomSampling_ApproximatesFullGrid(t *testing.T) {
	fixed := blobImage(t, 32, 15, 16)
	moving := blobImage(t, 32, 17, 16)

	full := newTranslationMetric(fixed, moving)
	want, err := full.GetValue([]float64{0, 0})
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}

	random := newTranslationMetric(fixed, moving)
	random.SetUseAllPixels(false)
	random.SetNumberOfSpatialSamples(20000)
	random.SetRandomSource(func() rand.Source { return rand.NewPCG(3, 4) })
	got, err := random.GetValue([]float64{0, 0})
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}

	if math.Abs(got-want) > 0.1*want {
		t.Errorf("Random estimate %g too far from full-grid value %g", got, want)
	}
}

// ---------------------- Errors ----------------------

func TestConfigurationErrors(t *testing.T) {
	img := blobImage(t, 8, 4, 4)

	tests := []struct {
		name  string
		setup func(m *MeanSquares)
		field string
	}{
		{"no fixed image", func(m *MeanSquares) { m.SetFixedImage(nil) }, "FixedImage"},
		{"no moving image", func(m *MeanSquares) { m.SetMovingImage(nil) }, "MovingImage"},
		{"no transform", func(m *MeanSquares) { m.SetTransform(nil) }, "Transform"},
		{"no interpolator", func(m *MeanSquares) { m.SetInterpolator(nil) }, "Interpolator"},
		{"region outside image", func(m *MeanSquares) {
			m.SetFixedImageRegion(imaging.NewRegion([]int{4, 4}, []int{8, 8}))
		}, "FixedImageRegion"},
		{"dimension mismatch", func(m *MeanSquares) { m.SetTransform(transform.NewTranslation(3)) }, "Transform"},
		{"no samples", func(m *MeanSquares) {
			m.SetUseAllPixels(false)
			m.SetNumberOfSpatialSamples(0)
		}, "NumberOfSpatialSamples"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTranslationMetric(img, img)
			tt.setup(m)

			_, err := m.GetValue([]float64{0, 0})
			if !errors.Is(err, ErrNotConfigured) {
				t.Fatalf("Expected ErrNotConfigured, got %v", err)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.field {
				t.Errorf("Expected ConfigError for %s, got %v", tt.field, err)
			}
		})
	}
}

func TestMissingRegion(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := New()
	m.SetFixedImage(img)
	m.SetMovingImage(img)
	m.SetTransform(transform.NewTranslation(2))
	m.SetInterpolator(interp.NewLinear(img))

	var cfgErr *ConfigError
	if err := m.Initialize(); !errors.As(err, &cfgErr) || cfgErr.Field != "FixedImageRegion" {
		t.Errorf("Expected FixedImageRegion ConfigError, got %v", err)
	}
}

func TestParameterLength(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)

	_, err := m.GetValue([]float64{0, 0, 0})
	var paramErr *ParameterError
	if !errors.As(err, &paramErr) || paramErr.Expected != 2 || paramErr.Got != 3 {
		t.Errorf("Expected ParameterError{2, 3}, got %v", err)
	}
}

var errSingular = errors.New("singular jacobian")

type failingTransform struct {
	*transform.Translation
}

func (failingTransform) Jacobian(imaging.Point, *mat.Dense) error {
	return errSingular
}

func TestTransformFailurePropagates(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)
	m.SetTransform(failingTransform{transform.NewTranslation(2)})

	// value-only evaluations never ask for the jacobian
	if _, err := m.GetValue([]float64{0, 0}); err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if _, err := m.GetDerivative([]float64{0, 0}); !errors.Is(err, errSingular) {
		t.Errorf("Expected errSingular, got %v", err)
	}
}

func TestSwappingTransformReinitializes(t *testing.T) {
	img := blobImage(t, 8, 4, 4)
	m := newTranslationMetric(img, img)

	if _, err := m.GetValue([]float64{0, 0}); err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}

	m.SetTransform(transform.NewAffine(2))
	if m.NumberOfParameters() != 6 {
		t.Fatalf("Expected 6 parameters, got %d", m.NumberOfParameters())
	}
	if _, err := m.GetValue([]float64{1, 0, 0, 1, 0, 0}); err != nil {
		t.Errorf("GetValue after swap failed: %v", err)
	}
}

func TestGetValueAndDerivative_Translation3D(t *testing.T) {
	fixed, _ := imaging.NewImage(6, 6, 6)
	fixed.LargestRegion().ForEach(func(idx []int) {
		fixed.Set(float64(idx[0]+2*idx[1]+3*idx[2]), idx...)
	})
	moving := fixed.Clone()
	m := newTranslationMetric(fixed, moving)

	// M(x+t) - F(x) = t . (1,2,3) everywhere inside, so the derivative is
	// 2 * (t . c) * c
	tr := []float64{0.5, 0.25, 0}
	value, derivative, err := m.GetValueAndDerivative(tr)
	if err != nil {
		t.Fatalf("GetValueAndDerivative failed: %v", err)
	}

	d := 0.5*1 + 0.25*2
	opt := cmpopts.EquateApprox(0, 1e-9)
	if diff := cmp.Diff(d*d, value, opt); diff != "" {
		t.Errorf("Value mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2 * d, 4 * d, 6 * d}, derivative, opt); diff != "" {
		t.Errorf("Derivative mismatch (-want +got):\n%s", diff)
	}
}
