// Package masked provides pixel-wise statistics over the frame axis of a
// models.Stack, treating observations equal to a mask value as absent.
//
// Every function leaves its input stack untouched; functions that reject
// observations return a new stack. A stack whose data does not match its
// dimensions is refused with models.ErrShapeMismatch.
package masked

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"specstack/internal/models"
)

// DefaultMaskValue marks a rejected observation: 2^20 + 1, above the
// saturation ceiling of the supported detectors.
const DefaultMaskValue = 1048577.0

// MADScale converts a median absolute deviation into a Gaussian-consistent
// standard deviation estimate.
const MADScale = 1.4826

// Extremum selects the per-pixel statistic returned by MinMax
type Extremum int

const (
	Min Extremum = iota
	Max
)

// Direction selects which side of a threshold LimitSetArr rejects
type Direction int

const (
	// Above rejects observations greater than the threshold
	Above Direction = iota
	// Below rejects observations less than the threshold
	Below
)

// unmasked appends the values of vals that differ from mask to dst[:0]
func unmasked(dst, vals []float64, mask float64) []float64 {
	dst = dst[:0]
	for _, v := range vals {
		if v != mask {
			dst = append(dst, v)
		}
	}
	return dst
}

// medianSorted returns the median of an already sorted, non-empty slice.
// An even count averages the two middle values.
func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Mean returns the mean of the unmasked observations of every pixel.
// Pixels with no unmasked observation are set to mask.
func Mean(s *models.Stack, mask float64) (*models.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := models.NewFrame(s.Width, s.Height)
	buf := make([]float64, 0, s.Frames)
	for i := range out.Data {
		buf = unmasked(buf, s.Pixel(i), mask)
		if len(buf) == 0 {
			out.Data[i] = mask
			continue
		}
		out.Data[i] = stat.Mean(buf, nil)
	}
	return out, nil
}

// Median returns the median of the unmasked observations of every pixel.
// Pixels with no unmasked observation are set to mask.
func Median(s *models.Stack, mask float64) (*models.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := models.NewFrame(s.Width, s.Height)
	buf := make([]float64, 0, s.Frames)
	for i := range out.Data {
		buf = unmasked(buf, s.Pixel(i), mask)
		if len(buf) == 0 {
			out.Data[i] = mask
			continue
		}
		sort.Float64s(buf)
		out.Data[i] = medianSorted(buf)
	}
	return out, nil
}

// WeightMean returns the weighted mean of the unmasked observations of every
// pixel, with one weight per frame. A nil weights slice means equal weights
// and is computed by Mean. Pixels whose unmasked observations carry no
// weight are set to mask.
func WeightMean(s *models.Stack, weights []float64, mask float64) (*models.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if weights == nil {
		return Mean(s, mask)
	}
	if len(weights) != s.Frames {
		return nil, fmt.Errorf("%w: %d weights for %d frames", models.ErrShapeMismatch, len(weights), s.Frames)
	}

	out := models.NewFrame(s.Width, s.Height)
	vals := make([]float64, 0, s.Frames)
	ws := make([]float64, 0, s.Frames)
	for i := range out.Data {
		vals, ws = vals[:0], ws[:0]
		for k, v := range s.Pixel(i) {
			if v != mask {
				vals = append(vals, v)
				ws = append(ws, weights[k])
			}
		}
		if len(vals) == 0 || floats.Sum(ws) == 0 {
			out.Data[i] = mask
			continue
		}
		out.Data[i] = stat.Mean(vals, ws)
	}
	return out, nil
}

// MinMax returns the per-pixel minimum or maximum of the unmasked
// observations. Pixels with no unmasked observation are set to mask.
func MinMax(s *models.Stack, which Extremum, mask float64) (*models.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := models.NewFrame(s.Width, s.Height)
	buf := make([]float64, 0, s.Frames)
	for i := range out.Data {
		buf = unmasked(buf, s.Pixel(i), mask)
		switch {
		case len(buf) == 0:
			out.Data[i] = mask
		case which == Min:
			out.Data[i] = floats.Min(buf)
		default:
			out.Data[i] = floats.Max(buf)
		}
	}
	return out, nil
}

// MaxNonSat returns the largest observation strictly below ceiling for every
// pixel. A pixel saturated in every frame takes the ceiling itself.
func MaxNonSat(s *models.Stack, ceiling float64) (*models.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := models.NewFrame(s.Width, s.Height)
	for i := range out.Data {
		best, found := 0.0, false
		for _, v := range s.Pixel(i) {
			if v < ceiling && (!found || v > best) {
				best, found = v, true
			}
		}
		if !found {
			best = ceiling
		}
		out.Data[i] = best
	}
	return out, nil
}

// LimitGet reports, per pixel, whether any frame exceeds threshold
func LimitGet(s *models.Stack, threshold float64) ([]bool, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := make([]bool, s.Pixels())
	for i := range out {
		for _, v := range s.Pixel(i) {
			if v > threshold {
				out[i] = true
				break
			}
		}
	}
	return out, nil
}

// LimitSet returns a copy of s where every observation above threshold is
// replaced by mask
func LimitSet(s *models.Stack, threshold, mask float64) (*models.Stack, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := s.Clone()
	for i, v := range out.Data {
		if v > threshold {
			out.Data[i] = mask
		}
	}
	return out, nil
}

// LimitSetArr returns a copy of s where observations beyond a per-pixel
// threshold are replaced by mask. The threshold frame is broadcast across
// the frame axis; dir selects whether values above or below it are
// rejected.
func LimitSetArr(s *models.Stack, thresholds *models.Frame, dir Direction, mask float64) (*models.Stack, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.CheckFrame(thresholds); err != nil {
		return nil, err
	}
	if dir != Above && dir != Below {
		return nil, fmt.Errorf("unknown rejection direction %d", dir)
	}

	out := s.Clone()
	for i, limit := range thresholds.Data {
		px := out.Pixel(i)
		for k, v := range px {
			if (dir == Above && v > limit) || (dir == Below && v < limit) {
				px[k] = mask
			}
		}
	}
	return out, nil
}

// Replace returns a copy of combined where every pixel equal to mask takes
// the corresponding fallback value
func Replace(combined, fallback *models.Frame, mask float64) (*models.Frame, error) {
	if combined.Width != fallback.Width || combined.Height != fallback.Height ||
		len(combined.Data) != len(fallback.Data) {
		return nil, fmt.Errorf("%w: combined %dx%d, fallback %dx%d", models.ErrShapeMismatch,
			combined.Width, combined.Height, fallback.Width, fallback.Height)
	}

	out := combined.Clone()
	for i, v := range out.Data {
		if v == mask {
			out.Data[i] = fallback.Data[i]
		}
	}
	return out, nil
}

// RobustSigma estimates the per-pixel standard deviation as MADScale times
// the median absolute deviation of the unmasked observations from median.
// Pixels without unmasked observations get zero.
func RobustSigma(s *models.Stack, median *models.Frame, mask float64) (*models.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.CheckFrame(median); err != nil {
		return nil, err
	}

	out := models.NewFrame(s.Width, s.Height)
	dev := make([]float64, 0, s.Frames)
	for i, m := range median.Data {
		dev = dev[:0]
		for _, v := range s.Pixel(i) {
			if v == mask {
				continue
			}
			d := v - m
			if d < 0 {
				d = -d
			}
			dev = append(dev, d)
		}
		if len(dev) == 0 {
			continue
		}
		sort.Float64s(dev)
		out.Data[i] = MADScale * medianSorted(dev)
	}
	return out, nil
}

// RejectLowHigh returns a copy of s where, for every pixel, the low smallest
// and high largest unmasked observations are replaced by mask. Ranks come
// from a stable sort, so equal values are rejected in frame order. When a
// pixel has fewer unmasked observations than low+high, the low side is
// served first and the high side takes what remains.
func RejectLowHigh(s *models.Stack, low, high int, mask float64) (*models.Stack, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := s.Clone()
	if low <= 0 && high <= 0 {
		return out, nil
	}
	if low < 0 {
		low = 0
	}
	if high < 0 {
		high = 0
	}

	idx := make([]int, 0, s.Frames)
	for i := 0; i < out.Pixels(); i++ {
		px := out.Pixel(i)
		idx = idx[:0]
		for k, v := range px {
			if v != mask {
				idx = append(idx, k)
			}
		}
		sort.SliceStable(idx, func(a, b int) bool { return px[idx[a]] < px[idx[b]] })

		n := len(idx)
		lo := min(low, n)
		hi := min(high, n-lo)
		for _, k := range idx[:lo] {
			px[k] = mask
		}
		for _, k := range idx[n-hi:] {
			px[k] = mask
		}
	}
	return out, nil
}

// Count returns the number of observations in s equal to mask
func Count(s *models.Stack, mask float64) int {
	n := 0
	for _, v := range s.Data {
		if v == mask {
			n++
		}
	}
	return n
}
