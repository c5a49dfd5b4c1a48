package objective

import (
	"context"
	"math"

	"gatefit/internal/circuit"
	"gatefit/internal/dataset"
	"gatefit/internal/model"
	"gatefit/internal/sim"
)

// ChiSquared is the weighted chi-squared statistic. Its residual per
// (circuit, outcome) is (observed - N*p) / sqrt(N*p_clipped); the probability
// floor keeps the denominator away from zero.
type ChiSquared struct {
	cfg Config
	sim sim.Simulator
}

func NewChiSquared(cfg Config, simulator sim.Simulator) *ChiSquared {
	return &ChiSquared{cfg: cfg.withDefaults(), sim: simulator}
}

func (c *ChiSquared) Name() string { return "chi2" }

func (c *ChiSquared) Evaluate(ctx context.Context, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*Evaluation, error) {
	return evaluate(ctx, c, c.cfg, c.sim, gs, ds, circuits, false)
}

func (c *ChiSquared) EvaluateWithJacobian(ctx context.Context, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*Evaluation, error) {
	return evaluate(ctx, c, c.cfg, c.sim, gs, ds, circuits, true)
}

func (c *ChiSquared) cell(n, total, p, weight float64) rowStat {
	if total == 0 {
		return rowStat{}
	}
	clipped := p
	floored := false
	if clipped < c.cfg.ProbFloor {
		clipped = c.cfg.ProbFloor
		floored = true
	}
	sw := math.Sqrt(weight)
	s := math.Sqrt(total * clipped)
	resid := sw * (n - total*p) / s
	var dresid float64
	if floored {
		// Denominator is pinned at the floor; only the numerator moves.
		dresid = -sw * total / s
	} else {
		dresid = sw * (-total/s - (n-total*p)/(2*p*s))
	}
	return rowStat{resid: resid, dresid: dresid}
}
