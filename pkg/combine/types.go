package combine

import (
	"fmt"
	"strings"
)

// Method is the statistic used to collapse the frame axis
type Method int

const (
	Mean Method = iota
	Median
	WeightMean
)

var methodNames = map[Method]string{
	Mean:       "mean",
	Median:     "median",
	WeightMean: "weightmean",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod converts a method name into a Method
func ParseMethod(name string) (Method, error) {
	for m, n := range methodNames {
		if strings.EqualFold(name, n) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownMethod, name)
}

// SatpixMode selects how observations above the saturation ceiling are treated
type SatpixMode int

const (
	// SatpixReject masks saturated observations before any statistic
	SatpixReject SatpixMode = iota
	// SatpixForce sets the output to the saturation value wherever any frame saturates
	SatpixForce
	// SatpixNothing leaves saturated observations alone
	SatpixNothing
)

var satpixNames = map[SatpixMode]string{
	SatpixReject:  "reject",
	SatpixForce:   "force",
	SatpixNothing: "nothing",
}

func (m SatpixMode) String() string {
	if name, ok := satpixNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SatpixMode(%d)", int(m))
}

// ParseSatpixMode converts a mode name into a SatpixMode
func ParseSatpixMode(name string) (SatpixMode, error) {
	for m, n := range satpixNames {
		if strings.EqualFold(name, n) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownMode, name)
}

// ReplaceRule is the statistic substituted at pixels where every frame was rejected
type ReplaceRule int

const (
	ReplaceMedian ReplaceRule = iota
	ReplaceMin
	ReplaceMax
	ReplaceMean
	ReplaceWeightMean
	ReplaceMaxNonSat
)

var replaceNames = map[ReplaceRule]string{
	ReplaceMedian:     "median",
	ReplaceMin:        "min",
	ReplaceMax:        "max",
	ReplaceMean:       "mean",
	ReplaceWeightMean: "weightmean",
	ReplaceMaxNonSat:  "maxnonsat",
}

func (r ReplaceRule) String() string {
	if name, ok := replaceNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ReplaceRule(%d)", int(r))
}

// ParseReplaceRule converts a rule name into a ReplaceRule
func ParseReplaceRule(name string) (ReplaceRule, error) {
	for r, n := range replaceNames {
		if strings.EqualFold(name, n) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownReplace, name)
}

// WeightMode selects how per-frame weights for the weighted mean are derived
type WeightMode int

const (
	WeightNone WeightMode = iota
	WeightExptime
	WeightCounts
)

var weightNames = map[WeightMode]string{
	WeightNone:    "none",
	WeightExptime: "exptime",
	WeightCounts:  "counts",
}

func (w WeightMode) String() string {
	if name, ok := weightNames[w]; ok {
		return name
	}
	return fmt.Sprintf("WeightMode(%d)", int(w))
}

// ParseWeightMode converts a weighting name into a WeightMode.
// The empty string selects WeightNone.
func ParseWeightMode(name string) (WeightMode, error) {
	if name == "" {
		return WeightNone, nil
	}
	for w, n := range weightNames {
		if strings.EqualFold(name, n) {
			return w, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weighting %q", ErrConfiguration, name)
}

// Frame types recognised in diagnostics
var knownFrameTypes = map[string]bool{
	"bias":      true,
	"dark":      true,
	"arc":       true,
	"tilt":      true,
	"pixelflat": true,
	"illumflat": true,
	"trace":     true,
	"science":   true,
	"standard":  true,
}

// Detector holds the saturation parameters of the detector that produced a stack
type Detector struct {
	// Saturation is the detector saturation level in counts
	Saturation float64

	// Nonlinear is the fraction of Saturation above which the response is
	// no longer linear
	Nonlinear float64
}

// Ceiling returns the effective saturation ceiling, Saturation*Nonlinear
func (d Detector) Ceiling() float64 {
	return d.Saturation * d.Nonlinear
}

// Policy describes which observations are rejected before combination
type Policy struct {
	// Cosmics is the cosmic ray threshold in robust sigmas; <= 0 disables it
	Cosmics float64

	// Replace is used at pixels where every observation was rejected
	Replace ReplaceRule

	// Low and High are the number of lowest and highest observations
	// rejected per pixel
	Low, High int

	// LevelLow and LevelHigh are the deviant-pixel thresholds in robust
	// sigmas below and above the median; 0 disables a side
	LevelLow, LevelHigh float64
}

// DefaultPolicy returns a policy that only replaces fully rejected pixels
// with the median and performs no rejection
func DefaultPolicy() Policy {
	return Policy{
		Cosmics: -1,
		Replace: ReplaceMedian,
	}
}

// String prints the policy in a compact form for log output
func (p Policy) String() string {
	return fmt.Sprintf("cosmics %.2f replace %s lowhigh [%d %d] level [%.2f %.2f]",
		p.Cosmics, p.Replace, p.Low, p.High, p.LevelLow, p.LevelHigh)
}
