package combine

import (
	"fmt"

	"specstack/internal/models"
	"specstack/pkg/masked"
)

// FrameWeights derives one weight per frame for the weighted mean.
//
// WeightNone returns nil (equal weights). WeightExptime uses the exposure
// times, which must all be positive. WeightCounts uses the median counts of
// each frame, ignoring observations equal to mask.
func FrameWeights(mode WeightMode, stack *models.Stack, exptimes []float64, mask float64) ([]float64, error) {
	if stack == nil {
		return nil, ErrMissingInput
	}

	switch mode {
	case WeightNone:
		return nil, nil

	case WeightExptime:
		if len(exptimes) != stack.Frames {
			return nil, fmt.Errorf("%w: %d exposure times for %d frames", ErrShapeMismatch, len(exptimes), stack.Frames)
		}
		weights := make([]float64, len(exptimes))
		for k, t := range exptimes {
			if t <= 0 {
				return nil, fmt.Errorf("%w: frame %d has no usable exposure time (%g)", ErrConfiguration, k, t)
			}
			weights[k] = t
		}
		return weights, nil

	case WeightCounts:
		weights := make([]float64, stack.Frames)
		for k := range weights {
			// A frame viewed as a single pixel observed Pixels() times
			f := stack.Frame(k)
			column := &models.Stack{Data: f.Data, Width: 1, Height: 1, Frames: len(f.Data)}
			med, err := masked.Median(column, mask)
			if err != nil {
				return nil, err
			}
			m := med.Data[0]
			if m == mask || m <= 0 {
				return nil, fmt.Errorf("%w: frame %d has no positive median counts", ErrConfiguration, k)
			}
			weights[k] = m
		}
		return weights, nil
	}

	return nil, fmt.Errorf("%w: unknown weighting %s", ErrConfiguration, mode)
}
