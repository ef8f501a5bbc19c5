// Package pipeline runs combination groups end to end: it expands the
// input patterns, loads the frames, combines them and writes the result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"specstack/pkg/combine"
	"specstack/pkg/config"
	"specstack/pkg/frameio"
	"specstack/pkg/preview"
)

// Group is one combination job
type Group struct {
	// Name identifies the group in logs and metrics
	Name string

	// Inputs lists files or glob patterns
	Inputs []string

	// Output is the path of the combined FITS file
	Output string

	// Params controls the combination; Params.Weights is filled in from Weight
	Params combine.Params

	// Weight selects how per-frame weights are derived
	Weight combine.WeightMode
}

// Result describes a completed group
type Result struct {
	Group    string
	Inputs   []string
	Output   string
	Preview  string
	Stats    combine.Stats
	Duration time.Duration
}

// Options configures a Pipeline
type Options struct {
	// Workers limits concurrent groups and concurrent file reads per group
	Workers int

	// PreviewDir receives a PNG preview per group when set
	PreviewDir string

	// Metrics records activity; nil creates a fresh set
	Metrics *Metrics
}

// Pipeline runs combination groups. Every output it writes carries the
// same run ID.
type Pipeline struct {
	combiner   *combine.Combiner
	logger     *slog.Logger
	metrics    *Metrics
	runID      string
	workers    int
	previewDir string
}

// New creates a pipeline logging to logger (nil uses slog.Default())
func New(logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	runID := uuid.NewString()
	logger = logger.With("run", runID)
	return &Pipeline{
		combiner:   combine.NewCombiner(logger),
		logger:     logger,
		metrics:    opts.Metrics,
		runID:      runID,
		workers:    opts.Workers,
		previewDir: opts.PreviewDir,
	}
}

// RunID returns the identifier stamped into every output header
func (p *Pipeline) RunID() string {
	return p.runID
}

// Metrics returns the metrics the pipeline records into
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Run processes the groups concurrently. Results are returned in group
// order. The first failing group cancels the others and its error is returned.
func (p *Pipeline) Run(ctx context.Context, groups []Group) ([]Result, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no groups to run", combine.ErrMissingInput)
	}

	results := make([]Result, len(groups))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, group := range groups {
		g.Go(func() error {
			res, err := p.RunGroup(ctx, group)
			if err != nil {
				return fmt.Errorf("group %s: %w", group.Name, err)
			}
			results[i] = *res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunGroup loads, combines and writes a single group
func (p *Pipeline) RunGroup(ctx context.Context, g Group) (*Result, error) {
	start := time.Now()
	log := p.logger.With("group", g.Name)

	res, err := p.runGroup(ctx, g, log)
	if err != nil {
		p.metrics.failed()
		log.Error("Group failed", "error", err)
		return nil, err
	}

	res.Duration = time.Since(start)
	p.metrics.observe(res)
	log.Info("Group complete", "output", res.Output, "frames", res.Stats.NumFrames,
		"rejected", res.Stats.Rejected(), "duration", res.Duration)
	return res, nil
}

func (p *Pipeline) runGroup(ctx context.Context, g Group, log *slog.Logger) (*Result, error) {
	// Step 1: Resolve inputs
	paths, err := frameio.ExpandInputs(g.Inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", combine.ErrMissingInput, err)
	}
	log.Info("Loading frames", "files", len(paths))

	// Step 2: Load the stack
	stack, exptimes, err := frameio.LoadStack(ctx, paths, p.workers)
	if err != nil {
		return nil, err
	}

	// Step 3: Frame weights
	params := g.Params
	if g.Weight != combine.WeightNone {
		params.Weights, err = combine.FrameWeights(g.Weight, stack, exptimes, params.MaskValue)
		if err != nil {
			return nil, err
		}
		log.Debug("Derived frame weights", "mode", g.Weight.String(), "weights", params.Weights)
	}

	// Step 4: Combine
	out, err := p.combiner.Combine(stack, params)
	if err != nil {
		return nil, err
	}

	// Step 5: Write the combined frame
	cards := p.headerCards(params, out.Stats, exptimes)
	if err := frameio.WriteFITS(g.Output, out.Frame, cards...); err != nil {
		return nil, err
	}

	res := &Result{
		Group:  g.Name,
		Inputs: paths,
		Output: g.Output,
		Stats:  out.Stats,
	}

	// Step 6: Optional preview
	if p.previewDir != "" {
		name := strings.TrimSuffix(filepath.Base(g.Output), filepath.Ext(g.Output)) + ".png"
		res.Preview = filepath.Join(p.previewDir, name)
		img := preview.Render(out.Frame, preview.DefaultLowPercentile, preview.DefaultHighPercentile, params.MaskValue)
		if err := preview.Save(img, res.Preview); err != nil {
			return nil, fmt.Errorf("failed to save preview: %w", err)
		}
	}

	return res, nil
}

// headerCards describes the combination in the output FITS header
func (p *Pipeline) headerCards(params combine.Params, stats combine.Stats, exptimes []float64) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "RUNID", Value: p.runID, Comment: "specstack run identifier"},
		{Name: "NCOMBINE", Value: stats.NumFrames, Comment: "number of frames combined"},
		{Name: "COMBMETH", Value: params.Method.String(), Comment: "combination method"},
		{Name: "SATPIX", Value: params.Satpix.String(), Comment: "saturated pixel treatment"},
		{Name: "REPLACE", Value: params.Policy.Replace.String(), Comment: "fully rejected pixel rule"},
		{Name: "NREJECT", Value: stats.Rejected(), Comment: "rejected pixel observations"},
		{Name: "NREPLACE", Value: stats.FullyRejected, Comment: "pixels with every frame rejected"},
	}
	if params.FrameType != "" {
		cards = append(cards, fitsio.Card{Name: "FRAMETYP", Value: params.FrameType})
	}

	var known []float64
	for _, t := range exptimes {
		if t > 0 {
			known = append(known, t)
		}
	}
	if len(known) == len(exptimes) && len(known) > 0 {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: stat.Mean(known, nil), Comment: "mean exposure time [s]"})
	}
	return cards
}

// GroupsFromConfig builds the groups listed in cfg, each combining with
// params and overriding the frame type where the group sets one
func GroupsFromConfig(cfg *config.Config, params combine.Params) ([]Group, error) {
	weight, err := cfg.WeightMode()
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(cfg.Groups))
	for _, cg := range cfg.Groups {
		gp := params
		if cg.FrameType != "" {
			gp.FrameType = cg.FrameType
		}
		groups = append(groups, Group{
			Name:   cg.Name,
			Inputs: cg.Inputs,
			Output: cg.Output,
			Params: gp,
			Weight: weight,
		})
	}
	return groups, nil
}
