package frameio

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"specstack/internal/models"
)

// LoadStack reads every path concurrently, at most workers at a time, and
// assembles the frames into a stack in path order. It also returns the
// exposure time of each frame. All frames must share the same dimensions.
func LoadStack(ctx context.Context, paths []string, workers int) (*models.Stack, []float64, error) {
	if len(paths) == 0 {
		return nil, nil, ErrNoInputs
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	exposures := make([]*Exposure, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			exp, err := ReadExposure(path)
			if err != nil {
				return err
			}
			exposures[i] = exp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	frames := make([]*models.Frame, len(exposures))
	exptimes := make([]float64, len(exposures))
	for i, exp := range exposures {
		frames[i] = exp.Frame
		exptimes[i] = exp.Exptime
	}

	stack, err := models.StackFrames(frames)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stack %d frames: %w", len(frames), err)
	}
	return stack, exptimes, nil
}
