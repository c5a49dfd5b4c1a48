package sim

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/model"
)

// MatrixSimulator composes the full-circuit superoperator from per-layer
// matrices, caching shared-prefix products across a batch via an evaluation
// tree. Favorable when many circuits overlap and the layer matrices are
// small.
type MatrixSimulator struct {
	opts Options
}

func NewMatrixSimulator(opts Options) *MatrixSimulator {
	return &MatrixSimulator{opts: opts.withDefaults()}
}

func (m *MatrixSimulator) Name() string { return "matrix" }

func (m *MatrixSimulator) Probs(gs *model.GateSet, c circuit.Circuit) ([]float64, error) {
	gates, err := resolveGates(gs, c)
	if err != nil {
		return nil, err
	}
	dim := gs.Dim()
	product := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		product.Set(i, i, 1)
	}
	tmp := mat.NewDense(dim, dim, nil)
	for _, g := range gates {
		tmp.Mul(g.Matrix(), product)
		product, tmp = tmp, product
	}
	probs, outcomes, err := probsFromProduct(gs, product)
	if err != nil {
		return nil, err
	}
	if err := validateAndClamp(probs, outcomes, c.Key(), m.opts); err != nil {
		return nil, err
	}
	return probs, nil
}

func (m *MatrixSimulator) BatchProbs(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit) (*Batch, error) {
	batch, _, err := prepareBatch(gs, circuits, false, m.opts.MemoryBudget)
	if err != nil {
		return nil, err
	}

	tree := buildEvalTree(circuits)
	requested := tree.memoryEstimate(gs.Dim()) + int64(len(circuits)*len(batch.Outcomes))*8
	if err := checkBudget(requested, m.opts.MemoryBudget); err != nil {
		return nil, err
	}
	if err := tree.computeProducts(gs); err != nil {
		return nil, err
	}

	nBlocks := m.opts.Workers * 2
	if nBlocks > len(circuits) {
		nBlocks = len(circuits)
	}
	if nBlocks < 1 {
		nBlocks = 1
	}
	blockSize := (len(circuits) + nBlocks - 1) / nBlocks
	var jobs []batchJob
	for lo := 0; lo < len(circuits); lo += blockSize {
		hi := lo + blockSize
		if hi > len(circuits) {
			hi = len(circuits)
		}
		jobs = append(jobs, batchJob{lo: lo, hi: hi, fillProbs: true})
	}

	err = runJobs(ctx, m.opts.Workers, jobs, func(j batchJob) error {
		for i := j.lo; i < j.hi; i++ {
			probs, outcomes, err := probsFromProduct(gs, tree.product(i))
			if err != nil {
				return err
			}
			if err := validateAndClamp(probs, outcomes, circuits[i].Key(), m.opts); err != nil {
				return err
			}
			copy(batch.Probs[i], probs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// BatchJacobian uses the state-propagation derivative path: the tree caches
// only forward prefix products, and derivatives need per-position split
// products anyway, so the vector method is both simpler and cheaper here.
func (m *MatrixSimulator) BatchJacobian(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit) (*Batch, error) {
	batch, lay, err := prepareBatch(gs, circuits, true, m.opts.MemoryBudget)
	if err != nil {
		return nil, err
	}
	jobs := buildJobs(gs, circuits, true, m.opts)
	if err := runJobs(ctx, m.opts.Workers, jobs, func(j batchJob) error {
		return evalJob(gs, lay, circuits, batch, j, m.opts)
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// NewSimulator selects a strategy by name.
func NewSimulator(strategy string, opts Options) (Simulator, error) {
	switch strategy {
	case "", "matrix":
		return NewMatrixSimulator(opts), nil
	case "map":
		return NewMapSimulator(opts), nil
	default:
		return nil, &unknownStrategyError{strategy: strategy}
	}
}

type unknownStrategyError struct {
	strategy string
}

func (e *unknownStrategyError) Error() string {
	return "unsupported simulation strategy: " + e.strategy
}
