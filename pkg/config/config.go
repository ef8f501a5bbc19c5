// Package config provides configuration loading and management for specstack.
// It handles loading configuration from YAML files, environment overrides
// and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"specstack/pkg/combine"
	"specstack/pkg/detector"
	"specstack/pkg/masked"
)

// EnvPrefix is the prefix of every environment override, e.g.
// SPECSTACK_COMBINE_METHOD=median
const EnvPrefix = "SPECSTACK"

// Group is one combination job: a set of input frames and the output file
type Group struct {
	// Name identifies the group in logs and metrics
	Name string `yaml:"name" validate:"required"`

	// FrameType overrides combine.frameType for this group
	FrameType string `yaml:"frameType"`

	// Inputs lists files or glob patterns
	Inputs []string `yaml:"inputs" validate:"required,min=1,dive,required"`

	// Output is the path of the combined FITS file
	Output string `yaml:"output" validate:"required"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores limits how many groups and files are processed in parallel
		NumCores int `yaml:"numCores" validate:"min=1"`
	} `yaml:"processing"`

	// Combination parameters
	Combine struct {
		// Method is mean, median or weightmean
		Method string `yaml:"method" validate:"oneof=mean median weightmean"`

		// Satpix is reject, force or nothing
		Satpix string `yaml:"satpix" validate:"oneof=reject force nothing"`

		// MaskValue marks rejected observations; it must exceed the saturation ceiling
		MaskValue float64 `yaml:"maskValue" validate:"gt=0"`

		// Weight is none, exptime or counts
		Weight string `yaml:"weight" validate:"omitempty,oneof=none exptime counts"`

		// FrameType labels the frames in log output
		FrameType string `yaml:"frameType"`
	} `yaml:"combine"`

	// Rejection parameters
	Reject struct {
		// Cosmics is the cosmic ray threshold in robust sigmas; <= 0 disables it
		Cosmics float64 `yaml:"cosmics"`

		// Replace is used at pixels where every frame was rejected
		Replace string `yaml:"replace" validate:"oneof=median min max mean weightmean maxnonsat"`

		// LowHigh is the number of lowest and highest observations rejected per pixel
		LowHigh []int `yaml:"lowhigh" validate:"len=2,dive,min=0"`

		// Level is the deviant pixel threshold below and above the median, in robust sigmas
		Level []float64 `yaml:"level" validate:"len=2,dive,min=0"`
	} `yaml:"reject"`

	// Detector parameters
	Detector struct {
		// Spectrograph names an entry of the detector registry
		Spectrograph string `yaml:"spectrograph"`

		// Det is the 1-based detector index
		Det int `yaml:"det" validate:"min=1"`

		// RegistryFile is an optional YAML file with extra spectrographs
		RegistryFile string `yaml:"registryFile,omitempty"`

		// Saturation and Nonlinear override the registry values when set
		Saturation *float64 `yaml:"saturation,omitempty" validate:"omitempty,gt=0"`
		Nonlinear  *float64 `yaml:"nonlinear,omitempty" validate:"omitempty,gt=0,lte=1"`
	} `yaml:"detector"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat" validate:"oneof=text json"`

		// MetricsFile receives Prometheus metrics in text format when set
		MetricsFile string `yaml:"metricsFile,omitempty"`

		// PreviewDir receives a PNG preview of every combined frame when set
		PreviewDir string `yaml:"previewDir,omitempty"`
	} `yaml:"output"`

	// Groups lists the combination jobs run when no inputs are given on the command line
	Groups []Group `yaml:"groups" ignored:"true" validate:"dive"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default combination parameters
	cfg.Combine.Method = "weightmean"
	cfg.Combine.Satpix = "reject"
	cfg.Combine.MaskValue = masked.DefaultMaskValue
	cfg.Combine.Weight = "none"

	// Set default rejection parameters
	cfg.Reject.Cosmics = 20.0
	cfg.Reject.Replace = "maxnonsat"
	cfg.Reject.LowHigh = []int{0, 0}
	cfg.Reject.Level = []float64{3.0, 3.0}

	// Set default detector parameters
	cfg.Detector.Spectrograph = detector.MagellanLDSS3().Name
	cfg.Detector.Det = 1

	// Set default output parameters
	cfg.Output.Verbose = false
	cfg.Output.LogFormat = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file, then applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		// Check if config file exists
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from SPECSTACK_* environment variables
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to load config from env: %w", err)
	}
	return nil
}

// Validate checks field ranges and enumerations
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", combine.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", combine.ErrConfiguration, err)
	}
	return nil
}

// ResolveDetector looks up the configured detector in reg, loading the
// registry file first if one is configured, and applies the overrides.
// It returns nil when no spectrograph is configured and no overrides are set.
func (c *Config) ResolveDetector(reg *detector.Registry) (*combine.Detector, error) {
	d := c.Detector
	if d.RegistryFile != "" {
		if err := reg.LoadFile(d.RegistryFile); err != nil {
			return nil, err
		}
	}

	var det combine.Detector
	if d.Spectrograph != "" {
		p, err := reg.Lookup(d.Spectrograph, d.Det)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", combine.ErrMissingDetector, err)
		}
		det = combine.Detector{Saturation: p.Saturation, Nonlinear: p.Nonlinear}
	} else if d.Saturation == nil && d.Nonlinear == nil {
		return nil, nil
	}

	if d.Saturation != nil {
		det.Saturation = *d.Saturation
	}
	if d.Nonlinear != nil {
		det.Nonlinear = *d.Nonlinear
	}
	return &det, nil
}

// CombineParams converts the combination settings into combine.Params.
// det may be nil when no detector is needed.
func (c *Config) CombineParams(det *combine.Detector) (combine.Params, error) {
	p := combine.DefaultParams()

	var err error
	if p.Method, err = combine.ParseMethod(c.Combine.Method); err != nil {
		return p, err
	}
	if p.Satpix, err = combine.ParseSatpixMode(c.Combine.Satpix); err != nil {
		return p, err
	}
	if p.Policy.Replace, err = combine.ParseReplaceRule(c.Reject.Replace); err != nil {
		return p, err
	}
	if len(c.Reject.LowHigh) != 2 || len(c.Reject.Level) != 2 {
		return p, fmt.Errorf("%w: lowhigh and level need two values each", combine.ErrInvalidPolicy)
	}

	p.Policy.Cosmics = c.Reject.Cosmics
	p.Policy.Low, p.Policy.High = c.Reject.LowHigh[0], c.Reject.LowHigh[1]
	p.Policy.LevelLow, p.Policy.LevelHigh = c.Reject.Level[0], c.Reject.Level[1]
	p.MaskValue = c.Combine.MaskValue
	p.Detector = det
	p.DetIndex = c.Detector.Det
	p.FrameType = c.Combine.FrameType
	return p, nil
}

// WeightMode returns the parsed combine.weight setting
func (c *Config) WeightMode() (combine.WeightMode, error) {
	return combine.ParseWeightMode(c.Combine.Weight)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	cfg.Groups = []Group{
		{Name: "bias", FrameType: "bias", Inputs: []string{"raw/bias*.fits"}, Output: "calib/MasterBias.fits"},
		{Name: "arc", FrameType: "arc", Inputs: []string{"raw/arc*.fits"}, Output: "calib/MasterArc.fits"},
	}
	return SaveConfig(cfg, configPath)
}
