package objective

import (
	"context"
	"math"

	"gatefit/internal/circuit"
	"gatefit/internal/dataset"
	"gatefit/internal/model"
	"gatefit/internal/sim"
)

// PoissonLogL is the Poisson log-likelihood deficiency. Each cell contributes
// f(p) = N*p - n + n*ln(n/(N*p)), which is zero at the maximum-likelihood
// point n = N*p and positive elsewhere, so minimizing the residual
// sum-of-squares maximizes the likelihood. Below the probability floor the
// cell switches to a second-order Taylor extension around the floor, keeping
// the statistic and its gradient finite for any clamped probability.
type PoissonLogL struct {
	cfg Config
	sim sim.Simulator
}

func NewPoissonLogL(cfg Config, simulator sim.Simulator) *PoissonLogL {
	return &PoissonLogL{cfg: cfg.withDefaults(), sim: simulator}
}

func (l *PoissonLogL) Name() string { return "logl" }

func (l *PoissonLogL) Evaluate(ctx context.Context, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*Evaluation, error) {
	return evaluate(ctx, l, l.cfg, l.sim, gs, ds, circuits, false)
}

func (l *PoissonLogL) EvaluateWithJacobian(ctx context.Context, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*Evaluation, error) {
	return evaluate(ctx, l, l.cfg, l.sim, gs, ds, circuits, true)
}

func (l *PoissonLogL) cell(n, total, p, weight float64) rowStat {
	if total == 0 {
		return rowStat{}
	}
	floor := l.cfg.ProbFloor

	// f and f' of the deficiency term at probability q (q >= floor region).
	f := func(q float64) float64 {
		if n == 0 {
			return total * q
		}
		return total*q - n + n*math.Log(n/(total*q))
	}
	fp := func(q float64) float64 {
		if n == 0 {
			return total
		}
		return total - n/q
	}

	var deficiency, dDeficiency float64
	if p >= floor {
		deficiency = f(p)
		dDeficiency = fp(p)
	} else {
		// Taylor extension below the floor: matches value and slope at the
		// floor and curves with f''(floor) = n/floor^2.
		fpp := 0.0
		if n > 0 {
			fpp = n / (floor * floor)
		}
		d := p - floor
		deficiency = f(floor) + fp(floor)*d + 0.5*fpp*d*d
		dDeficiency = fp(floor) + fpp*d
	}
	if deficiency < 0 {
		// Floating error near the minimum.
		deficiency = 0
	}

	// residual = sqrt(2 * weight * deficiency), signed so chi-squared-like
	// comparisons keep their direction.
	resid := math.Sqrt(2 * weight * deficiency)
	if n > total*p {
		resid = -resid
	}
	var dresid float64
	if resid > 1e-10 || resid < -1e-10 {
		dresid = weight * dDeficiency / resid
	} else {
		// At the minimum the deficiency is locally quadratic; the residual's
		// slope tends to the chi-squared limit.
		q := p
		if q < floor {
			q = floor
		}
		dresid = math.Sqrt(weight * total / q)
	}
	return rowStat{resid: resid, dresid: dresid}
}
