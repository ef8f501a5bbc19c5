package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"specstack/pkg/config"
	"specstack/pkg/detector"
	"specstack/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "specstack.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	spectrograph := flag.String("spectrograph", "", "Spectrograph name in the detector registry (e.g. magellan_ldss3)")
	det := flag.Int("det", 0, "Detector number, starting at 1")
	frameType := flag.String("frametype", "", "Frame type label (bias, arc, pixelflat, science, ...)")
	method := flag.String("method", "", "Combination method: mean, median or weightmean")
	satpix := flag.String("satpix", "", "Saturated pixel treatment: reject, force or nothing")
	weight := flag.String("weight", "", "Frame weighting: none, exptime or counts")
	outputPath := flag.String("output", "combined.fits", "Output FITS file when input files are given as arguments")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	previewDir := flag.String("preview-dir", "", "Directory to save PNG previews of the combined frames")
	metricsFile := flag.String("metrics", "", "File to write Prometheus metrics to")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [input files or globs...]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintln(flag.CommandLine.Output(), "Combines raw frames into one frame. Without inputs, the groups of the configuration file are run.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Load configuration; command line flags take precedence
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setIfGiven(&cfg.Detector.Spectrograph, *spectrograph)
	setIfGiven(&cfg.Combine.FrameType, *frameType)
	setIfGiven(&cfg.Combine.Method, strings.ToLower(*method))
	setIfGiven(&cfg.Combine.Satpix, strings.ToLower(*satpix))
	setIfGiven(&cfg.Combine.Weight, strings.ToLower(*weight))
	setIfGiven(&cfg.Output.PreviewDir, *previewDir)
	setIfGiven(&cfg.Output.MetricsFile, *metricsFile)
	if *det > 0 {
		cfg.Detector.Det = *det
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *verbose {
		cfg.Output.Verbose = true
	}
	if flag.NArg() > 0 {
		cfg.Groups = []config.Group{{
			Name:      groupName(cfg.Combine.FrameType),
			FrameType: cfg.Combine.FrameType,
			Inputs:    flag.Args(),
			Output:    *outputPath,
		}}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if len(cfg.Groups) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	logger := newLogger(cfg.Output.LogFormat, cfg.Output.Verbose)
	slog.SetDefault(logger)

	// Resolve detector and combination parameters
	detParams, err := cfg.ResolveDetector(detector.NewRegistry())
	if err != nil {
		log.Fatalf("Failed to resolve detector: %v", err)
	}
	params, err := cfg.CombineParams(detParams)
	if err != nil {
		log.Fatalf("Invalid combination parameters: %v", err)
	}
	groups, err := pipeline.GroupsFromConfig(cfg, params)
	if err != nil {
		log.Fatalf("Invalid groups: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("SPECSTACK FRAME COMBINATION")
	fmt.Println("================================")
	fmt.Printf("Spectrograph: %s (detector %d)\n", cfg.Detector.Spectrograph, cfg.Detector.Det)
	fmt.Printf("Method: %s, satpix: %s, %s\n", params.Method, params.Satpix, params.Policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := pipeline.New(logger, pipeline.Options{
		Workers:    cfg.Processing.NumCores,
		PreviewDir: cfg.Output.PreviewDir,
	})

	startTime := time.Now()
	results, runErr := p.Run(ctx, groups)
	processingTime := time.Since(startTime)

	if cfg.Output.MetricsFile != "" {
		if err := p.Metrics().WriteToFile(cfg.Output.MetricsFile); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("Combination failed: %v", runErr)
	}

	fmt.Printf("\nCombination completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Run ID: %s\n\n", p.RunID())
	for _, res := range results {
		fmt.Printf("%s: %d frames -> %s\n", res.Group, res.Stats.NumFrames, res.Output)
		fmt.Printf("  rejected: saturated %d, cosmic %d, low/high %d, deviant %d\n",
			res.Stats.SaturatedRejected, res.Stats.CosmicRejected, res.Stats.LowHighRejected, res.Stats.LevelRejected)
		fmt.Printf("  replaced pixels: %d, forced saturated: %d\n", res.Stats.FullyRejected, res.Stats.ForcedSaturated)
		if res.Preview != "" {
			fmt.Printf("  preview: %s\n", res.Preview)
		}
	}
}

func setIfGiven(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func groupName(frameType string) string {
	if frameType == "" {
		return "combined"
	}
	return frameType
}

// newLogger builds a text or JSON slog handler on stderr
func newLogger(format string, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
