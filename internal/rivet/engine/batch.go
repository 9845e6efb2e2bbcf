package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// BatchResult pairs one batch entry with its outcome.
type BatchResult struct {
	Options RunOptions
	Result  *Result
	Err     error
}

// RunBatch executes independent runs with at most parallelism in flight.
// Every run needs its own output directory. A failing run never cancels
// its siblings; results are returned in input order.
func (e *Engine) RunBatch(ctx context.Context, runs []RunOptions, parallelism int) ([]BatchResult, error) {
	seen := map[string]int{}
	for i, opts := range runs {
		dir := filepath.Clean(opts.OutputDir)
		if opts.OutputDir == "" {
			return nil, fmt.Errorf("batch entry %d: output dir is required", i)
		}
		if j, ok := seen[dir]; ok {
			return nil, fmt.Errorf("batch entries %d and %d share output dir %s", j, i, dir)
		}
		seen[dir] = i
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]BatchResult, len(runs))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, opts := range runs {
		g.Go(func() error {
			res, err := e.Run(ctx, opts)
			results[i] = BatchResult{Options: opts, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
