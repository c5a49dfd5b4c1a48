// Package gauge removes the unobservable degrees of freedom left by a fit.
// Gauge-equivalent models predict identical probabilities; picking the
// representative closest to the target makes per-gate error metrics
// meaningful.
package gauge

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"gatefit/internal/model"
)

// Weights balances gate against SPAM discrepancy in the objective. SPAM
// vectors carry large gauge freedom, so the standard suite keeps their weight
// small to stop them dominating the gate comparison.
type Weights struct {
	Gate float64 `json:"gate"`
	Spam float64 `json:"spam"`
}

func (w Weights) withDefaults() Weights {
	if w.Gate <= 0 {
		w.Gate = 1
	}
	if w.Spam <= 0 {
		w.Spam = 1e-4
	}
	return w
}

// Config drives one gauge optimization.
type Config struct {
	Weights Weights
	// MaxIterations bounds the inner optimizer. Defaults to 1000.
	MaxIterations int
	// Tol is the gradient convergence threshold. Defaults to 1e-8.
	Tol float64
	// ObjectiveTarget, when set, is minimized against instead of the target
	// passed to Optimize. The reported Distance is always measured against
	// the passed target.
	ObjectiveTarget *model.GateSet
}

func (c Config) withDefaults() Config {
	c.Weights = c.Weights.withDefaults()
	if c.MaxIterations <= 0 {
		c.MaxIterations = 1000
	}
	if c.Tol <= 0 {
		c.Tol = 1e-8
	}
	return c
}

// Result is one gauge-optimized model with its transform and distance.
type Result struct {
	Model *model.GateSet
	// S is the gauge transform that was applied.
	S *mat.Dense
	// Distance is the weighted Frobenius distance to the target after the
	// transform.
	Distance  float64
	Weights   Weights
	Evals     int
	Converged bool
}

// condPenaltyThreshold rejects transforms close to singular; the barrier
// keeps the optimizer inside the invertible region.
const condPenaltyThreshold = 1e8

// Optimize finds the gauge transform S minimizing the weighted Frobenius
// distance between the transformed model and the target. The search is over
// S = I + X with X the flattened optimization variable, started at X = 0;
// for trace-preserving models the first row of S is held at (1, 0, ..., 0)
// and X ranges over the remaining rows. Models containing operations that
// cannot absorb a gauge transform fail with NotGaugeTransformableError
// before any search begins.
func Optimize(ctx context.Context, gs, target *model.GateSet, cfg Config) (*Result, error) {
	if gs == nil || target == nil {
		return nil, fmt.Errorf("model and target are required")
	}
	cfg = cfg.withDefaults()
	dim := gs.Dim()
	if target.Dim() != dim {
		return nil, fmt.Errorf("model dimension %d does not match target %d", dim, target.Dim())
	}

	objTarget := target
	if cfg.ObjectiveTarget != nil {
		if cfg.ObjectiveTarget.Dim() != dim {
			return nil, fmt.Errorf("objective target dimension %d does not match model %d", cfg.ObjectiveTarget.Dim(), dim)
		}
		objTarget = cfg.ObjectiveTarget
	}

	// Pre-flight: applying the identity transform exercises the same
	// capability checks a real transform would, without changing anything.
	check := gs.Copy()
	if err := check.Transform(identity(dim)); err != nil {
		return nil, err
	}

	// Trace-preserving operations reject any transform that disturbs the
	// first row, so for those models the search stays inside the subgroup
	// that fixes it rather than bouncing off the penalty wall.
	rowTrial := identity(dim)
	rowTrial.Set(0, 1, 1e-4)
	pinFirstRow := gs.Copy().Transform(rowTrial) != nil

	nvars := dim * dim
	if pinFirstRow {
		nvars = (dim - 1) * dim
	}

	objective := func(x []float64) float64 {
		s := transformFromVars(dim, x, pinFirstRow)
		cond := mat.Cond(s, 1)
		if math.IsInf(cond, 0) || cond > condPenaltyThreshold {
			return 1e12 + cond
		}
		work := gs.Copy()
		if err := work.Transform(s); err != nil {
			return 1e12
		}
		d, err := work.FrobeniusDistance(objTarget, cfg.Weights.Gate, cfg.Weights.Spam)
		if err != nil {
			return 1e12
		}
		return d * d
	}

	problem := optimize.Problem{
		Func: objective,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, objective, x, nil)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   cfg.MaxIterations,
		GradientThreshold: cfg.Tol,
	}
	x0 := make([]float64, nvars)

	res, err := optimize.Minimize(problem, x0, settings, nil)
	if err != nil && res == nil {
		return nil, fmt.Errorf("gauge optimization: %w", err)
	}

	s := transformFromVars(dim, res.X, pinFirstRow)
	out := gs.Copy()
	if err := out.Transform(s); err != nil {
		return nil, fmt.Errorf("applying optimized gauge transform: %w", err)
	}
	dist, err := out.FrobeniusDistance(target, cfg.Weights.Gate, cfg.Weights.Spam)
	if err != nil {
		return nil, err
	}

	// Keep the original model when the search went nowhere useful.
	if d0, err0 := gs.FrobeniusDistance(target, cfg.Weights.Gate, cfg.Weights.Spam); err0 == nil && d0 <= dist {
		return &Result{
			Model:     gs.Copy(),
			S:         identity(dim),
			Distance:  d0,
			Weights:   cfg.Weights,
			Evals:     res.FuncEvaluations,
			Converged: res.Status == optimize.GradientThreshold || res.Status == optimize.FunctionConvergence,
		}, nil
	}

	return &Result{
		Model:     out,
		S:         s,
		Distance:  dist,
		Weights:   cfg.Weights,
		Evals:     res.FuncEvaluations,
		Converged: res.Status == optimize.GradientThreshold || res.Status == optimize.FunctionConvergence,
	}, nil
}

func transformFromVars(dim int, x []float64, pinFirstRow bool) *mat.Dense {
	s := identity(dim)
	row0 := 0
	if pinFirstRow {
		row0 = 1
	}
	k := 0
	for i := row0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			s.Set(i, j, s.At(i, j)+x[k])
			k++
		}
	}
	return s
}

func identity(dim int) *mat.Dense {
	s := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		s.Set(i, i, 1)
	}
	return s
}
