package gauge

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"gatefit/internal/model"
)

// Suite names a set of weightings to optimize under. Different downstream
// report metrics prefer different gauges, so a fit usually carries several.
type Suite map[string]Weights

// StandardSuite mirrors the usual report gauges: gate-dominated, SPAM-
// dominated, and an even split.
func StandardSuite() Suite {
	return Suite{
		"std":      {Gate: 1, Spam: 1e-4},
		"spam":     {Gate: 1e-4, Spam: 1},
		"balanced": {Gate: 1, Spam: 1},
	}
}

// OptimizeSuite runs one gauge optimization per suite entry concurrently,
// each on a private copy of the model. Workers <= 0 means one per CPU. The
// first failure aborts the whole suite.
func OptimizeSuite(ctx context.Context, gs, target *model.GateSet, suite Suite, cfg Config, workers int) (map[string]*Result, error) {
	if len(suite) == 0 {
		return nil, fmt.Errorf("gauge suite is empty")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(suite) {
		workers = len(suite)
	}

	type job struct {
		name    string
		weights Weights
	}
	type outcome struct {
		name string
		res  *Result
		err  error
	}

	jobs := make(chan job, len(suite))
	outcomes := make(chan outcome, len(suite))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				c := cfg
				c.Weights = j.weights
				res, err := Optimize(ctx, gs.Copy(), target, c)
				outcomes <- outcome{name: j.name, res: res, err: err}
			}
		}()
	}
	for name, weights := range suite {
		jobs <- job{name: name, weights: weights}
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	results := make(map[string]*Result, len(suite))
	for o := range outcomes {
		if o.err != nil {
			return nil, fmt.Errorf("gauge suite %s: %w", o.name, o.err)
		}
		results[o.name] = o.res
	}
	return results, nil
}
