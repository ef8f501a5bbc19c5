// Package combine merges a stack of same-type detector frames (bias, flat,
// arc, science) into a single frame, rejecting saturated pixels, cosmic rays
// and outliers along the way.
package combine

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"specstack/internal/models"
	"specstack/pkg/masked"
)

// Params holds everything a single combination needs besides the stack.
type Params struct {
	// Method is the statistic used for the final combination
	Method Method

	// Policy controls which observations are rejected before combining
	Policy Policy

	// Satpix selects the treatment of observations above the saturation ceiling
	Satpix SatpixMode

	// MaskValue marks rejected observations inside the working stack.
	// It must exceed every physically valid count.
	MaskValue float64

	// Detector supplies the saturation scalars. Required when Satpix is
	// not SatpixNothing or when Policy.Replace is ReplaceMaxNonSat.
	Detector *Detector

	// DetIndex is the 1-based detector number, used in log output only
	DetIndex int

	// Weights holds one weight per frame for the weighted mean.
	// Nil means equal weights.
	Weights []float64

	// FrameType labels the frames in log output (bias, arc, science, ...)
	FrameType string
}

// DefaultParams returns weighted-mean combination with no rejection and no
// saturation handling, so no detector parameters are needed
func DefaultParams() Params {
	return Params{
		Method:    WeightMean,
		Policy:    DefaultPolicy(),
		Satpix:    SatpixNothing,
		MaskValue: masked.DefaultMaskValue,
		DetIndex:  1,
	}
}

// needsDetector reports whether the parameters compare against the saturation ceiling
func (p Params) needsDetector() bool {
	return p.Satpix != SatpixNothing || p.Policy.Replace == ReplaceMaxNonSat
}

// Validate checks the parameters against a stack of numFrames frames.
// It performs no numeric work.
func (p Params) Validate(numFrames int) error {
	if _, ok := methodNames[p.Method]; !ok {
		return fmt.Errorf("%w %s", ErrUnknownMethod, p.Method)
	}
	if _, ok := satpixNames[p.Satpix]; !ok {
		return fmt.Errorf("%w %s", ErrUnknownMode, p.Satpix)
	}
	if _, ok := replaceNames[p.Policy.Replace]; !ok {
		return fmt.Errorf("%w %s", ErrUnknownReplace, p.Policy.Replace)
	}

	pol := p.Policy
	if pol.Low < 0 || pol.High < 0 {
		return fmt.Errorf("%w: lowhigh [%d %d] must not be negative", ErrInvalidPolicy, pol.Low, pol.High)
	}
	if pol.Low+pol.High >= numFrames {
		return fmt.Errorf("%w: cannot reject more frames than are available; %d frames, lowhigh rejects %d low and %d high",
			ErrInvalidPolicy, numFrames, pol.Low, pol.High)
	}
	if pol.LevelLow < 0 || pol.LevelHigh < 0 {
		return fmt.Errorf("%w: level [%g %g] must not be negative", ErrInvalidPolicy, pol.LevelLow, pol.LevelHigh)
	}
	if math.IsNaN(pol.Cosmics) || math.IsNaN(pol.LevelLow) || math.IsNaN(pol.LevelHigh) {
		return fmt.Errorf("%w: thresholds must be numbers", ErrInvalidPolicy)
	}

	if math.IsNaN(p.MaskValue) || math.IsInf(p.MaskValue, 0) || p.MaskValue <= 0 {
		return fmt.Errorf("%w %g", ErrInvalidMask, p.MaskValue)
	}
	if p.needsDetector() {
		if p.Detector == nil || p.Detector.Saturation <= 0 || p.Detector.Nonlinear <= 0 {
			return fmt.Errorf("%w for detector %d: satpix %s, replace %s need saturation and nonlinear",
				ErrMissingDetector, p.DetIndex, p.Satpix, p.Policy.Replace)
		}
	}
	if p.Detector != nil && p.MaskValue <= p.Detector.Ceiling() {
		return fmt.Errorf("%w %g: must exceed the saturation ceiling %g",
			ErrInvalidMask, p.MaskValue, p.Detector.Ceiling())
	}

	if p.Weights != nil && len(p.Weights) != numFrames {
		return fmt.Errorf("%w: %d weights for %d frames", ErrShapeMismatch, len(p.Weights), numFrames)
	}
	for k, w := range p.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: weight %g of frame %d must be finite and not negative", ErrInvalidPolicy, w, k)
		}
	}
	return nil
}

// Stats counts what happened to the observations during a combination
type Stats struct {
	// NumFrames is the number of frames combined
	NumFrames int

	// SaturatedRejected counts observations masked for exceeding the ceiling
	SaturatedRejected int

	// CosmicRejected counts observations masked as cosmic rays
	CosmicRejected int

	// LowHighRejected counts observations masked by the low/high trim
	LowHighRejected int

	// LevelRejected counts observations masked as deviant pixels
	LevelRejected int

	// FullyRejected counts output pixels that took the replacement value
	FullyRejected int

	// ForcedSaturated counts output pixels forced to the saturation value
	ForcedSaturated int
}

// Rejected returns the total number of masked observations
func (s Stats) Rejected() int {
	return s.SaturatedRejected + s.CosmicRejected + s.LowHighRejected + s.LevelRejected
}

// Result is the outcome of a combination
type Result struct {
	// Frame is the combined image, owned by the caller
	Frame *models.Frame

	// Stats summarises the rejection stages
	Stats Stats
}

// Combiner combines frame stacks. It holds no per-call state and is safe
// for concurrent use.
type Combiner struct {
	logger *slog.Logger
}

// NewCombiner creates a combiner reporting progress to logger.
// A nil logger uses slog.Default().
func NewCombiner(logger *slog.Logger) *Combiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Combiner{logger: logger}
}

// Combine runs the package-level combination with the default logger
func Combine(stack *models.Stack, p Params) (*models.Frame, error) {
	res, err := NewCombiner(nil).Combine(stack, p)
	if err != nil {
		return nil, err
	}
	return res.Frame, nil
}

// Combine merges the frames of stack into a single frame.
//
// The steps are:
// 1. Validate inputs; a single frame is returned as is, but only once the
//    parameters are valid for it (lowhigh [1 0] fails on one frame)
// 2. Compute the replacement values for fully rejected pixels
// 3. Handle saturated pixels (force, reject or nothing)
// 4. Reject cosmic rays above median + Cosmics*sigma
// 5. Reject the Low lowest and High highest observations per pixel
// 6. Reject deviant observations outside median - LevelLow*sigma and
//    median + LevelHigh*sigma; both bounds apply once either level is set
// 7. Combine the remaining observations with Method
// 8. Substitute the replacement values at fully rejected pixels
// 9. Force saturated pixels to the saturation value
//
// sigma is the robust estimate masked.MADScale * MAD. The input stack is
// never modified.
func (c *Combiner) Combine(stack *models.Stack, p Params) (*Result, error) {
	label := frameLabel(p.FrameType)

	// Step 1: Validate everything before any numeric work
	if stack == nil {
		return nil, fmt.Errorf("%w: no %s frames were given to combine", ErrMissingInput, label)
	}
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(stack.Frames); err != nil {
		return nil, err
	}

	log := c.logger.With("frametype", label, "det", p.DetIndex)
	if !knownFrameTypes[strings.ToLower(p.FrameType)] {
		log.Warn("Frame type is unknown for combining frames")
	}

	stats := Stats{NumFrames: stack.Frames}
	if stack.Frames == 1 {
		log.Info("Only one frame to combine, returning input frame")
		return &Result{Frame: stack.Frame(0), Stats: stats}, nil
	}
	log.Info("Combining frames", "frames", stack.Frames, "method", p.Method.String(),
		"satpix", p.Satpix.String(), "policy", p.Policy.String())

	mask := p.MaskValue
	masked0 := masked.Count(stack, mask)
	newlyMasked := func(s *models.Stack) int {
		n := masked.Count(s, mask)
		added := n - masked0
		masked0 = n
		return added
	}

	// Step 2: Values used where every frame is rejected, from the input stack
	fallback, err := c.fallback(stack, p)
	if err != nil {
		return nil, err
	}

	// Step 3: Saturated pixels
	work := stack
	var forced []bool
	switch p.Satpix {
	case SatpixForce:
		log.Info("Finding saturated and non-linear pixels to force", "ceiling", p.Detector.Ceiling())
		forced, err = masked.LimitGet(stack, p.Detector.Ceiling())
		if err != nil {
			return nil, err
		}
	case SatpixReject:
		log.Info("Rejecting saturated and non-linear pixels", "ceiling", p.Detector.Ceiling())
		work, err = masked.LimitSet(stack, p.Detector.Ceiling(), mask)
		if err != nil {
			return nil, err
		}
		stats.SaturatedRejected = newlyMasked(work)
	case SatpixNothing:
		log.Debug("Not treating saturated pixels")
	}

	// Step 4: Cosmic rays
	if p.Policy.Cosmics > 0 {
		log.Info("Rejecting cosmic rays", "sigma", p.Policy.Cosmics)
		med, sigma, err := robustStats(work, mask)
		if err != nil {
			return nil, err
		}
		work, err = masked.LimitSetArr(work, offset(med, sigma, p.Policy.Cosmics), masked.Above, mask)
		if err != nil {
			return nil, err
		}
		stats.CosmicRejected = newlyMasked(work)
	} else {
		log.Debug("Not rejecting cosmic rays")
	}

	// Step 5: Low and high order-statistic rejection
	if p.Policy.Low > 0 || p.Policy.High > 0 {
		log.Info("Rejecting low and high pixels", "low", p.Policy.Low, "high", p.Policy.High)
		work, err = masked.RejectLowHigh(work, p.Policy.Low, p.Policy.High, mask)
		if err != nil {
			return nil, err
		}
		stats.LowHighRejected = newlyMasked(work)
	} else {
		log.Debug("Not rejecting any low/high pixels")
	}

	// Step 6: Deviant pixels
	if p.Policy.LevelLow > 0 || p.Policy.LevelHigh > 0 {
		log.Info("Rejecting deviant pixels", "low", p.Policy.LevelLow, "high", p.Policy.LevelHigh)
		med, sigma, err := robustStats(work, mask)
		if err != nil {
			return nil, err
		}
		// A zero level puts its bound at the median itself
		work, err = masked.LimitSetArr(work, offset(med, sigma, -p.Policy.LevelLow), masked.Below, mask)
		if err != nil {
			return nil, err
		}
		work, err = masked.LimitSetArr(work, offset(med, sigma, p.Policy.LevelHigh), masked.Above, mask)
		if err != nil {
			return nil, err
		}
		stats.LevelRejected = newlyMasked(work)
	} else {
		log.Debug("Not rejecting deviant pixels")
	}

	// Step 7: Combination
	log.Info("Combining frames with a " + p.Method.String() + " operation")
	var combined *models.Frame
	switch p.Method {
	case Mean:
		combined, err = masked.Mean(work, mask)
	case Median:
		combined, err = masked.Median(work, mask)
	case WeightMean:
		if p.Weights == nil {
			log.Debug("No weights supplied, using unweighted mean")
		}
		combined, err = masked.WeightMean(work, p.Weights, mask)
	}
	if err != nil {
		return nil, err
	}

	// Step 8: Fully rejected pixels
	for _, v := range combined.Data {
		if v == mask {
			stats.FullyRejected++
		}
	}
	if stats.FullyRejected > 0 {
		log.Info("Replacing completely masked pixels", "pixels", stats.FullyRejected, "replace", p.Policy.Replace.String())
	}
	combined, err = masked.Replace(combined, fallback, mask)
	if err != nil {
		return nil, err
	}

	// Step 9: Forced saturation
	if p.Satpix == SatpixForce {
		for i, sat := range forced {
			if sat {
				combined.Data[i] = p.Detector.Saturation
				stats.ForcedSaturated++
			}
		}
		log.Info("Applied saturated pixels to combined image", "pixels", stats.ForcedSaturated)
	}

	log.Info("Frames combined successfully", "frames", stack.Frames, "rejected", stats.Rejected(),
		"fully_rejected", stats.FullyRejected)
	return &Result{Frame: combined, Stats: stats}, nil
}

// fallback evaluates the replacement rule over the input stack
func (c *Combiner) fallback(stack *models.Stack, p Params) (*models.Frame, error) {
	mask := p.MaskValue
	switch p.Policy.Replace {
	case ReplaceMin:
		return masked.MinMax(stack, masked.Min, mask)
	case ReplaceMax:
		return masked.MinMax(stack, masked.Max, mask)
	case ReplaceMean:
		return masked.Mean(stack, mask)
	case ReplaceMedian:
		return masked.Median(stack, mask)
	case ReplaceWeightMean:
		return masked.WeightMean(stack, p.Weights, mask)
	case ReplaceMaxNonSat:
		return masked.MaxNonSat(stack, p.Detector.Ceiling())
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownReplace, p.Policy.Replace)
}

// robustStats returns the masked median and robust sigma of every pixel
func robustStats(s *models.Stack, mask float64) (med, sigma *models.Frame, err error) {
	med, err = masked.Median(s, mask)
	if err != nil {
		return nil, nil, err
	}
	sigma, err = masked.RobustSigma(s, med, mask)
	if err != nil {
		return nil, nil, err
	}
	return med, sigma, nil
}

// offset returns med + k*sigma pixel by pixel
func offset(med, sigma *models.Frame, k float64) *models.Frame {
	out := models.NewFrame(med.Width, med.Height)
	for i := range out.Data {
		out.Data[i] = med.Data[i] + k*sigma.Data[i]
	}
	return out
}

func frameLabel(frameType string) string {
	if frameType == "" {
		return "<None>"
	}
	return frameType
}
