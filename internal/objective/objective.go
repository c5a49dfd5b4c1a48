// Package objective converts observed counts and predicted probabilities
// into least-squares residual vectors whose sum of squares is the fit
// statistic: chi-squared, or a Poisson log-likelihood deficiency whose
// minimization maximizes the likelihood.
package objective

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/dataset"
	"gatefit/internal/model"
	"gatefit/internal/sim"
)

// Config is shared by both statistics.
type Config struct {
	// ProbFloor is the minimum probability used in denominators and
	// logarithms. Defaults to 1e-4.
	ProbFloor float64
	// Weights optionally down-weight circuits (robust data scaling); a
	// missing key means weight one.
	Weights map[string]float64
}

const defaultProbFloor = 1e-4

func (c Config) withDefaults() Config {
	if c.ProbFloor <= 0 {
		c.ProbFloor = defaultProbFloor
	}
	return c
}

func (c Config) weight(key string) float64 {
	if c.Weights == nil {
		return 1
	}
	if w, ok := c.Weights[key]; ok {
		return w
	}
	return 1
}

// Evaluation is one objective evaluation over a circuit set.
type Evaluation struct {
	// Value is the scalar fit statistic: the residuals' sum of squares.
	Value float64
	// Residuals run over (circuit, outcome) pairs in circuit order.
	Residuals []float64
	// RowOffsets is the first residual row of each circuit.
	RowOffsets []int
	// Jac is the residual Jacobian, nil unless requested.
	Jac *mat.Dense
	// NumConstraints counts independent observations: per circuit, one fewer
	// than its outcome count, since frequencies sum to one.
	NumConstraints int
}

// Objective turns model predictions and observed counts into residuals.
type Objective interface {
	Name() string
	Evaluate(ctx context.Context, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*Evaluation, error)
	EvaluateWithJacobian(ctx context.Context, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*Evaluation, error)
}

// rowStat is the residual and its derivative with respect to the predicted
// probability for one (circuit, outcome) cell.
type rowStat struct {
	resid  float64
	dresid float64
}

// statistic is the per-cell contract implemented by chi-squared and the
// Poisson deficiency.
type statistic interface {
	Name() string
	// cell maps (observed count, circuit total, predicted probability,
	// circuit weight) to a residual and its d/dp.
	cell(n, total, p, weight float64) rowStat
}

// evaluate drives a statistic over a simulator batch.
func evaluate(ctx context.Context, st statistic, cfg Config, simulator sim.Simulator, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit, withJac bool) (*Evaluation, error) {
	var batch *sim.Batch
	var err error
	if withJac {
		batch, err = simulator.BatchJacobian(ctx, gs, circuits)
	} else {
		batch, err = simulator.BatchProbs(ctx, gs, circuits)
	}
	if err != nil {
		return nil, err
	}

	nRows := batch.NumRows()
	eval := &Evaluation{
		Residuals:  make([]float64, nRows),
		RowOffsets: append([]int(nil), batch.RowOffsets...),
	}
	if withJac && batch.Jac != nil {
		_, cols := batch.Jac.Dims()
		eval.Jac = mat.NewDense(nRows, cols, nil)
	}

	for i, c := range circuits {
		row, ok := ds.Row(c)
		if !ok {
			return nil, &missingCircuitError{key: c.Key()}
		}
		weight := cfg.weight(c.Key())
		eval.NumConstraints += len(batch.Outcomes) - 1
		for k, outcome := range batch.Outcomes {
			r := batch.RowOffsets[i] + k
			cellStat := st.cell(row.Count(outcome), row.Total, batch.Probs[i][k], weight)
			eval.Residuals[r] = cellStat.resid
			eval.Value += cellStat.resid * cellStat.resid
			if eval.Jac != nil {
				// Chain rule: d r / d theta = (d r / d p) * (d p / d theta).
				src := batch.Jac.RawRowView(r)
				dst := eval.Jac.RawRowView(r)
				for j := range src {
					dst[j] = cellStat.dresid * src[j]
				}
			}
		}
	}
	return eval, nil
}

type missingCircuitError struct {
	key string
}

func (e *missingCircuitError) Error() string {
	return "dataset has no counts for circuit " + e.key
}
