package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records combination activity in a private Prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	groups   *prometheus.CounterVec
	frames   prometheus.Counter
	rejected *prometheus.CounterVec
	replaced prometheus.Counter
	duration prometheus.Histogram
}

// NewMetrics creates and registers the pipeline metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		groups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specstack",
			Name:      "groups_total",
			Help:      "Combination groups processed, by outcome.",
		}, []string{"status"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "specstack",
			Name:      "frames_combined_total",
			Help:      "Input frames combined.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specstack",
			Name:      "rejected_observations_total",
			Help:      "Pixel observations rejected, by rejection stage.",
		}, []string{"stage"}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "specstack",
			Name:      "replaced_pixels_total",
			Help:      "Output pixels where every observation was rejected.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "specstack",
			Name:      "group_duration_seconds",
			Help:      "Time to load, combine and write one group.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	m.registry.MustRegister(m.groups, m.frames, m.rejected, m.replaced, m.duration)
	return m
}

// Registry exposes the underlying registry, e.g. for an HTTP handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// observe records a successful group
func (m *Metrics) observe(res *Result) {
	m.groups.WithLabelValues("ok").Inc()
	m.frames.Add(float64(res.Stats.NumFrames))
	m.rejected.WithLabelValues("saturated").Add(float64(res.Stats.SaturatedRejected))
	m.rejected.WithLabelValues("cosmic").Add(float64(res.Stats.CosmicRejected))
	m.rejected.WithLabelValues("lowhigh").Add(float64(res.Stats.LowHighRejected))
	m.rejected.WithLabelValues("level").Add(float64(res.Stats.LevelRejected))
	m.replaced.Add(float64(res.Stats.FullyRejected))
	m.duration.Observe(res.Duration.Seconds())
}

// failed records a group that returned an error
func (m *Metrics) failed() {
	m.groups.WithLabelValues("error").Inc()
}

// WriteToFile writes the metrics in the Prometheus text format, suitable
// for the node exporter textfile collector
func (m *Metrics) WriteToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
