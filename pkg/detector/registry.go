// Package detector provides the per-detector parameters of the supported
// spectrographs, keyed by spectrograph name and 1-based detector index.
package detector

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownSpectrograph is returned for names missing from the registry
	ErrUnknownSpectrograph = errors.New("unknown spectrograph")

	// ErrUnknownDetector is returned for detector indices out of range
	ErrUnknownDetector = errors.New("unknown detector")
)

// Params describes one detector of a spectrograph
type Params struct {
	// Saturation is the saturation level in counts
	Saturation float64 `yaml:"saturation"`

	// Nonlinear is the fraction of Saturation where the response stops being linear
	Nonlinear float64 `yaml:"nonlinear"`

	// DarkCurrent is in electrons per pixel per hour
	DarkCurrent float64 `yaml:"darkcurr"`

	// PlateScale is in arcsec per unbinned pixel
	PlateScale float64 `yaml:"platescale"`

	// NumAmplifiers is the number of readout amplifiers
	NumAmplifiers int `yaml:"numamplifiers"`

	// Gain and ReadNoise hold one entry per amplifier
	Gain      []float64 `yaml:"gain"`
	ReadNoise []float64 `yaml:"ronoise"`
}

// Ceiling returns Saturation*Nonlinear, the highest count treated as valid
func (p Params) Ceiling() float64 {
	return p.Saturation * p.Nonlinear
}

func (p Params) validate() error {
	if p.Saturation <= 0 {
		return fmt.Errorf("saturation must be positive, got %g", p.Saturation)
	}
	if p.Nonlinear <= 0 || p.Nonlinear > 1 {
		return fmt.Errorf("nonlinear must be in (0, 1], got %g", p.Nonlinear)
	}
	if p.NumAmplifiers > 0 {
		if len(p.Gain) != 0 && len(p.Gain) != p.NumAmplifiers {
			return fmt.Errorf("%d gain values for %d amplifiers", len(p.Gain), p.NumAmplifiers)
		}
		if len(p.ReadNoise) != 0 && len(p.ReadNoise) != p.NumAmplifiers {
			return fmt.Errorf("%d read noise values for %d amplifiers", len(p.ReadNoise), p.NumAmplifiers)
		}
	}
	return nil
}

// Spectrograph groups the detectors of one instrument
type Spectrograph struct {
	Name      string   `yaml:"name"`
	Telescope string   `yaml:"telescope"`
	Camera    string   `yaml:"camera"`
	Detectors []Params `yaml:"detectors"`
}

// MagellanLDSS3 is the built-in definition of the LDSS3 spectrograph
func MagellanLDSS3() Spectrograph {
	return Spectrograph{
		Name:      "magellan_ldss3",
		Telescope: "Magellan",
		Camera:    "LDSS3",
		Detectors: []Params{{
			Saturation:    205000,
			Nonlinear:     0.85,
			DarkCurrent:   25.0,
			PlateScale:    0.189,
			NumAmplifiers: 2,
			Gain:          []float64{1.5, 1.8},
			ReadNoise:     []float64{6.0, 6.5},
		}},
	}
}

// Registry resolves detector parameters. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spectrograph
}

// NewRegistry returns a registry holding the built-in spectrographs
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spectrograph)}
	if err := r.Register(MagellanLDSS3()); err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces a spectrograph definition
func (r *Registry) Register(s Spectrograph) error {
	name := strings.ToLower(strings.TrimSpace(s.Name))
	if name == "" {
		return errors.New("spectrograph name is required")
	}
	if len(s.Detectors) == 0 {
		return fmt.Errorf("spectrograph %s has no detectors", name)
	}
	for i, d := range s.Detectors {
		if err := d.validate(); err != nil {
			return fmt.Errorf("spectrograph %s detector %d: %w", name, i+1, err)
		}
	}

	s.Name = name
	r.mu.Lock()
	r.specs[name] = s
	r.mu.Unlock()
	return nil
}

// Lookup returns the parameters of detector det (1-based) of a spectrograph
func (r *Registry) Lookup(spectrograph string, det int) (Params, error) {
	name := strings.ToLower(strings.TrimSpace(spectrograph))

	r.mu.RLock()
	s, ok := r.specs[name]
	r.mu.RUnlock()

	if !ok {
		return Params{}, fmt.Errorf("%w %q", ErrUnknownSpectrograph, spectrograph)
	}
	if det < 1 || det > len(s.Detectors) {
		return Params{}, fmt.Errorf("%w %d for %s (has %d)", ErrUnknownDetector, det, name, len(s.Detectors))
	}
	return s.Detectors[det-1], nil
}

// Names lists the registered spectrographs in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registryFile is the on-disk layout read by LoadFile
type registryFile struct {
	Spectrographs []Spectrograph `yaml:"spectrographs"`
}

// LoadFile registers every spectrograph listed in a YAML file
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading detector file: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("error parsing detector file: %w", err)
	}

	for _, s := range f.Spectrographs {
		if err := r.Register(s); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
