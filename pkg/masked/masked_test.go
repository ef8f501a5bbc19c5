package masked

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specstack/internal/models"
)

const mask = DefaultMaskValue

// stackOf builds a 1-row stack, one entry of pixels per pixel holding that
// pixel's observations across frames
func stackOf(t *testing.T, pixels ...[]float64) *models.Stack {
	t.Helper()
	require.NotEmpty(t, pixels)
	s := models.NewStack(len(pixels), 1, len(pixels[0]))
	for i, obs := range pixels {
		require.Len(t, obs, s.Frames)
		copy(s.Pixel(i), obs)
	}
	return s
}

var approx = cmpopts.EquateApprox(0, 1e-12)

func TestMeanAndMedianIgnoreMask(t *testing.T) {
	s := stackOf(t,
		[]float64{7, 7, mask, 7},
		[]float64{mask, 3, 3, 3},
		[]float64{1, 2, 3, 10},
	)

	mean, err := Mean(s, mask)
	require.NoError(t, err)
	median, err := Median(s, mask)
	require.NoError(t, err)

	if diff := cmp.Diff([]float64{7, 3, 4}, mean.Data, approx); diff != "" {
		t.Errorf("Mean mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{7, 3, 2.5}, median.Data, approx); diff != "" {
		t.Errorf("Median mismatch (-want +got):\n%s", diff)
	}
}

func TestFullyMaskedPixelYieldsMask(t *testing.T) {
	s := stackOf(t, []float64{mask, mask, mask}, []float64{1, 2, 3})

	for name, fn := range map[string]func() (*models.Frame, error){
		"mean":   func() (*models.Frame, error) { return Mean(s, mask) },
		"median": func() (*models.Frame, error) { return Median(s, mask) },
		"min":    func() (*models.Frame, error) { return MinMax(s, Min, mask) },
		"max":    func() (*models.Frame, error) { return MinMax(s, Max, mask) },
	} {
		out, err := fn()
		require.NoError(t, err, name)
		assert.Equal(t, mask, out.Data[0], name)
	}

	wm, err := WeightMean(s, []float64{1, 1, 1}, mask)
	require.NoError(t, err)
	assert.Equal(t, mask, wm.Data[0])
	assert.Equal(t, 2.0, wm.Data[1])
}

func TestWeightMean(t *testing.T) {
	s := stackOf(t, []float64{1, 3, mask}, []float64{2, 4, 6})

	t.Run("nil weights falls back to mean", func(t *testing.T) {
		wm, err := WeightMean(s, nil, mask)
		require.NoError(t, err)
		mean, err := Mean(s, mask)
		require.NoError(t, err)
		assert.Equal(t, mean.Data, wm.Data)
	})

	t.Run("weights follow frames", func(t *testing.T) {
		wm, err := WeightMean(s, []float64{3, 1, 100}, mask)
		require.NoError(t, err)
		// pixel 0: (1*3 + 3*1) / 4, frame 2 is masked
		assert.InDelta(t, 1.5, wm.Data[0], 1e-12)
		assert.InDelta(t, (2*3.0+4*1+6*100)/104, wm.Data[1], 1e-12)
	})

	t.Run("zero weight is treated as rejected", func(t *testing.T) {
		wm, err := WeightMean(s, []float64{0, 0, 1}, mask)
		require.NoError(t, err)
		assert.Equal(t, mask, wm.Data[0])
		assert.Equal(t, 6.0, wm.Data[1])
	})

	t.Run("wrong weight count", func(t *testing.T) {
		_, err := WeightMean(s, []float64{1, 2}, mask)
		assert.ErrorIs(t, err, models.ErrShapeMismatch)
	})
}

func TestMinMaxAndMaxNonSat(t *testing.T) {
	s := stackOf(t, []float64{5, mask, -2, 9}, []float64{120, 80, 150, 99})

	lo, err := MinMax(s, Min, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, 80}, lo.Data)
	hi, err := MinMax(s, Max, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 150}, hi.Data)

	// ceiling 100: pixel 1 keeps 99, the largest value below it
	ns, err := MaxNonSat(s, 100)
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 99}, ns.Data)

	saturated := stackOf(t, []float64{200, 300})
	ns, err = MaxNonSat(saturated, 100)
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, ns.Data)
}

func TestLimitGetAndLimitSet(t *testing.T) {
	s := stackOf(t, []float64{1, 2, 3}, []float64{1, 200, 3}, []float64{100, 2, 3})

	flags, err := LimitGet(s, 100)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, flags)

	out, err := LimitSet(s, 100, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, mask, 3}, out.Pixel(1))
	assert.Equal(t, []float64{100, 2, 3}, out.Pixel(2), "threshold itself is kept")
	assert.Equal(t, 200.0, s.Pixel(1)[1], "input must not change")
}

func TestLimitSetArr(t *testing.T) {
	s := stackOf(t, []float64{1, 5, 9}, []float64{10, 20, 30})
	thr := &models.Frame{Width: 2, Height: 1, Data: []float64{5, 15}}

	above, err := LimitSetArr(s, thr, Above, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 5, mask}, above.Pixel(0))
	assert.Equal(t, []float64{10, mask, mask}, above.Pixel(1))

	below, err := LimitSetArr(s, thr, Below, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{mask, 5, 9}, below.Pixel(0))
	assert.Equal(t, []float64{mask, 20, 30}, below.Pixel(1))

	_, err = LimitSetArr(s, models.NewFrame(3, 1), Above, mask)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestReplace(t *testing.T) {
	combined := &models.Frame{Width: 3, Height: 1, Data: []float64{1, mask, 3}}
	fallback := &models.Frame{Width: 3, Height: 1, Data: []float64{-1, -2, -3}}

	out, err := Replace(combined, fallback, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2, 3}, out.Data)
	assert.Equal(t, mask, combined.Data[1])

	_, err = Replace(combined, models.NewFrame(1, 3), mask)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestRobustSigmaIgnoresMask(t *testing.T) {
	s := stackOf(t, []float64{9, 10, 11, mask, mask})
	med, err := Median(s, mask)
	require.NoError(t, err)
	require.Equal(t, 10.0, med.Data[0])

	sigma, err := RobustSigma(s, med, mask)
	require.NoError(t, err)
	assert.InDelta(t, MADScale*1, sigma.Data[0], 1e-12)
}

func TestRobustSigmaConvergesToGaussianSigma(t *testing.T) {
	const trueSigma = 4.0
	rng := rand.New(rand.NewSource(42))

	// relative tolerance shrinks roughly as 1/sqrt(n)
	for _, tc := range []struct {
		frames int
		tol    float64
	}{
		{frames: 200, tol: 0.25},
		{frames: 2000, tol: 0.08},
		{frames: 20000, tol: 0.03},
	} {
		s := models.NewStack(1, 1, tc.frames)
		for k := range s.Data {
			s.Data[k] = 1000 + trueSigma*rng.NormFloat64()
		}
		med, err := Median(s, mask)
		require.NoError(t, err)
		sigma, err := RobustSigma(s, med, mask)
		require.NoError(t, err)

		rel := math.Abs(sigma.Data[0]-trueSigma) / trueSigma
		assert.Lessf(t, rel, tc.tol, "frames=%d sigma=%.4f", tc.frames, sigma.Data[0])
	}
}

func TestRejectLowHigh(t *testing.T) {
	s := stackOf(t,
		[]float64{5, 1, 9, 3, 7},
		[]float64{2, 2, 2, 2, 2},
		[]float64{mask, 4, 8, 6, mask},
	)

	out, err := RejectLowHigh(s, 1, 2, mask)
	require.NoError(t, err)

	assert.Equal(t, []float64{5, mask, mask, 3, mask}, out.Pixel(0))
	// ties: the first frame is the lowest rank, the last two are the highest
	assert.Equal(t, []float64{mask, 2, 2, mask, mask}, out.Pixel(1))
	// only 3 unmasked values: one low, then the remaining two high
	assert.Equal(t, []float64{mask, mask, mask, mask, mask}, out.Pixel(2))

	assert.Equal(t, 1.0, s.Pixel(0)[1], "input must not change")
}

func TestRejectLowHighNoop(t *testing.T) {
	s := stackOf(t, []float64{3, 1, 2})
	out, err := RejectLowHigh(s, 0, 0, mask)
	require.NoError(t, err)
	assert.Equal(t, s.Data, out.Data)
	assert.Equal(t, 0, Count(out, mask))
}

func TestCount(t *testing.T) {
	s := stackOf(t, []float64{mask, 1}, []float64{mask, mask})
	assert.Equal(t, 3, Count(s, mask))
}

func TestMalformedStackIsRefused(t *testing.T) {
	// 2x2 pixels of 3 frames need 12 values
	bad := &models.Stack{Width: 2, Height: 2, Frames: 3, Data: make([]float64, 5)}
	thr := models.NewFrame(2, 2)

	calls := map[string]func() error{
		"Mean":          func() error { _, err := Mean(bad, mask); return err },
		"Median":        func() error { _, err := Median(bad, mask); return err },
		"WeightMean":    func() error { _, err := WeightMean(bad, []float64{1, 1, 1}, mask); return err },
		"MinMax":        func() error { _, err := MinMax(bad, Max, mask); return err },
		"MaxNonSat":     func() error { _, err := MaxNonSat(bad, 100); return err },
		"LimitGet":      func() error { _, err := LimitGet(bad, 100); return err },
		"LimitSet":      func() error { _, err := LimitSet(bad, 100, mask); return err },
		"LimitSetArr":   func() error { _, err := LimitSetArr(bad, thr, Above, mask); return err },
		"RobustSigma":   func() error { _, err := RobustSigma(bad, thr, mask); return err },
		"RejectLowHigh": func() error { _, err := RejectLowHigh(bad, 1, 0, mask); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), models.ErrShapeMismatch)
		})
	}
}
