package objective

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// OutlierScorer scores one circuit's residual block; scores above the
// caller's threshold mark the circuit as a statistical outlier. The exact
// criterion is deliberately pluggable.
type OutlierScorer func(key string, residuals []float64) float64

// ChiSquaredPerCell scores a circuit by its mean squared residual, the
// default outlier criterion.
func ChiSquaredPerCell(_ string, residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	return floats.Dot(residuals, residuals) / float64(len(residuals))
}

// RobustWeights derives per-circuit down-weights from a fitted model's
// evaluation. Circuits scoring above threshold receive weight
// threshold/score; the rest keep weight one. The result feeds a second
// optimization pass layered over the base objective.
func RobustWeights(eval *Evaluation, keys []string, scorer OutlierScorer, threshold float64) (map[string]float64, error) {
	if eval == nil {
		return nil, fmt.Errorf("evaluation is required")
	}
	if len(keys) != len(eval.RowOffsets) {
		return nil, fmt.Errorf("got %d circuit keys for %d residual blocks", len(keys), len(eval.RowOffsets))
	}
	if scorer == nil {
		scorer = ChiSquaredPerCell
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be > 0, got %g", threshold)
	}

	weights := make(map[string]float64, len(keys))
	for i, key := range keys {
		lo := eval.RowOffsets[i]
		hi := len(eval.Residuals)
		if i+1 < len(eval.RowOffsets) {
			hi = eval.RowOffsets[i+1]
		}
		score := scorer(key, eval.Residuals[lo:hi])
		if score > threshold {
			weights[key] = threshold / score
		} else {
			weights[key] = 1
		}
	}
	return weights, nil
}
