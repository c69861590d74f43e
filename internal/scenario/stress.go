package scenario

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// StressResult summarizes many independent runs.
type StressResult struct {
	Runs    int
	Failed  int
	Reports []*Report
}

// Stress plays the scenario runs times, each on its own kernel, with at
// most parallel runs at once (unbounded when parallel <= 0). A run that
// cannot complete cancels the rest and is returned as the error; a run
// that completes but fails its Check is counted in Failed.
func Stress(ctx context.Context, cfg Config, runs, parallel int, deps Deps) (*StressResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}

	reports := make([]*Report, runs)
	for i := range runs {
		g.Go(func() error {
			rep, err := Run(ctx, cfg, deps)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &StressResult{Runs: runs, Reports: reports}
	for _, rep := range reports {
		if rep.Check() != nil {
			res.Failed++
		}
	}
	return res, nil
}
