package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"gatefit/internal/circuit"
	"gatefit/internal/model"
	"gatefit/internal/sim"
)

// Simulate draws a dataset from a generating model. With shots > 0 each
// circuit receives that many multinomial samples from a seeded source; with
// shots == 0 the exact outcome probabilities are stored as frequencies
// (total 1), the infinite-statistics limit.
func Simulate(ctx context.Context, gs *model.GateSet, simulator sim.Simulator, circuits []circuit.Circuit, shots int, seed int64) (*DataSet, error) {
	if simulator == nil {
		return nil, fmt.Errorf("simulator is required")
	}
	if shots < 0 {
		return nil, fmt.Errorf("shots must be >= 0, got %d", shots)
	}

	batch, err := simulator.BatchProbs(ctx, gs, circuits)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	ds := New()
	for i, c := range circuits {
		probs := batch.Probs[i]
		counts := make(map[string]float64, len(probs))
		if shots == 0 {
			for k, outcome := range batch.Outcomes {
				counts[outcome] = probs[k]
			}
		} else {
			for _, k := range multinomial(rng, probs, shots) {
				counts[batch.Outcomes[k]]++
			}
			for _, outcome := range batch.Outcomes {
				if _, ok := counts[outcome]; !ok {
					counts[outcome] = 0
				}
			}
		}
		if err := ds.AddCounts(c, counts); err != nil {
			return nil, err
		}
	}
	ds.Freeze()
	return ds, nil
}

// multinomial draws n outcome indices by inverse-CDF sampling.
func multinomial(rng *rand.Rand, probs []float64, n int) []int {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		u := rng.Float64()
		acc := 0.0
		idx := len(probs) - 1
		for k, p := range probs {
			acc += p
			if u < acc {
				idx = k
				break
			}
		}
		out[i] = idx
	}
	return out
}
