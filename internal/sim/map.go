package sim

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/model"
)

// MapSimulator propagates a state vector through each layer in turn. No
// cross-circuit cache, so memory stays flat as circuit counts grow.
type MapSimulator struct {
	opts Options
}

func NewMapSimulator(opts Options) *MapSimulator {
	return &MapSimulator{opts: opts.withDefaults()}
}

func (m *MapSimulator) Name() string { return "map" }

func (m *MapSimulator) Probs(gs *model.GateSet, c circuit.Circuit) ([]float64, error) {
	probs, outcomes, err := rawProbs(gs, c)
	if err != nil {
		return nil, err
	}
	if err := validateAndClamp(probs, outcomes, c.Key(), m.opts); err != nil {
		return nil, err
	}
	return probs, nil
}

func (m *MapSimulator) BatchProbs(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit) (*Batch, error) {
	return m.batch(ctx, gs, circuits, false)
}

func (m *MapSimulator) BatchJacobian(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit) (*Batch, error) {
	return m.batch(ctx, gs, circuits, true)
}

func (m *MapSimulator) batch(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit, jacobian bool) (*Batch, error) {
	batch, lay, err := prepareBatch(gs, circuits, jacobian, m.opts.MemoryBudget)
	if err != nil {
		return nil, err
	}
	jobs := buildJobs(gs, circuits, jacobian, m.opts)
	if err := runJobs(ctx, m.opts.Workers, jobs, func(j batchJob) error {
		return evalJob(gs, lay, circuits, batch, j, m.opts)
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// ProbsHessian returns per-outcome Hessians via central finite differences of
// the analytic Jacobian. Used for error-bar estimation, not the fit itself,
// so the O(params) Jacobian evaluations are acceptable.
func (m *MapSimulator) ProbsHessian(gs *model.GateSet, c circuit.Circuit) ([]*mat.SymDense, error) {
	lay, err := buildLayout(gs)
	if err != nil {
		return nil, err
	}
	_, povm, err := gs.DefaultPOVM()
	if err != nil {
		return nil, err
	}
	nOut := len(povm.Outcomes)
	nP := lay.total
	const step = 1e-6

	work := gs.Copy()
	base := work.Params()
	jacAt := func(x []float64) (*mat.Dense, error) {
		if err := work.SetParams(x); err != nil {
			return nil, err
		}
		jac := mat.NewDense(nOut, nP, nil)
		if err := fillJacRows(work, lay, c, jac, 0, nil); err != nil {
			return nil, err
		}
		return jac, nil
	}

	hessians := make([]*mat.SymDense, nOut)
	for k := range hessians {
		hessians[k] = mat.NewSymDense(nP, nil)
	}
	x := append([]float64(nil), base...)
	for j := 0; j < nP; j++ {
		x[j] = base[j] + step
		plus, err := jacAt(x)
		if err != nil {
			return nil, err
		}
		x[j] = base[j] - step
		minus, err := jacAt(x)
		if err != nil {
			return nil, err
		}
		x[j] = base[j]
		for k := 0; k < nOut; k++ {
			for i := j; i < nP; i++ {
				d := (plus.At(k, i) - minus.At(k, i)) / (2 * step)
				hessians[k].SetSym(i, j, d)
			}
		}
	}
	return hessians, nil
}

// prepareBatch allocates the result containers and enforces the memory
// budget for what the batch will materialize.
func prepareBatch(gs *model.GateSet, circuits []circuit.Circuit, jacobian bool, budget int64) (*Batch, *layout, error) {
	lay, err := buildLayout(gs)
	if err != nil {
		return nil, nil, err
	}
	_, povm, err := gs.DefaultPOVM()
	if err != nil {
		return nil, nil, err
	}
	nOut := len(povm.Outcomes)
	rows := len(circuits) * nOut

	var requested int64 = int64(rows) * 8
	if jacobian {
		requested += int64(rows) * int64(lay.total) * 8
	}
	if err := checkBudget(requested, budget); err != nil {
		return nil, nil, err
	}

	batch := &Batch{
		Probs:      make([][]float64, len(circuits)),
		Outcomes:   append([]string(nil), povm.Outcomes...),
		RowOffsets: make([]int, len(circuits)),
	}
	for i := range circuits {
		batch.Probs[i] = make([]float64, nOut)
		batch.RowOffsets[i] = i * nOut
	}
	if jacobian && rows > 0 && lay.total > 0 {
		batch.Jac = mat.NewDense(rows, lay.total, nil)
	}
	return batch, lay, nil
}

// batchJob is one cell of the 2-D work grid: a block of circuits crossed with
// a block of model operations (parameter columns). include is nil for
// probability-only jobs and for the designated owner of the probability rows.
type batchJob struct {
	lo, hi    int
	include   map[string]struct{}
	fillProbs bool
}

// buildJobs partitions circuits into contiguous blocks and, for Jacobian
// evaluation, crosses them with operation groups so workers fill disjoint
// column blocks. More groups mean smaller per-worker working sets at the cost
// of recomputing the propagated states per group.
func buildJobs(gs *model.GateSet, circuits []circuit.Circuit, jacobian bool, opts Options) []batchJob {
	nBlocks := opts.Workers * 2
	if nBlocks > len(circuits) {
		nBlocks = len(circuits)
	}
	if nBlocks < 1 {
		nBlocks = 1
	}
	blockSize := (len(circuits) + nBlocks - 1) / nBlocks

	var groups []map[string]struct{}
	if jacobian {
		groups = opGroups(gs, opts)
	}

	var jobs []batchJob
	for lo := 0; lo < len(circuits); lo += blockSize {
		hi := lo + blockSize
		if hi > len(circuits) {
			hi = len(circuits)
		}
		if !jacobian {
			jobs = append(jobs, batchJob{lo: lo, hi: hi, fillProbs: true})
			continue
		}
		for gi, group := range groups {
			jobs = append(jobs, batchJob{lo: lo, hi: hi, include: group, fillProbs: gi == 0})
		}
	}
	return jobs
}

// opGroups splits the model's operations along the parameter axis. Under a
// memory budget the group count rises so each worker materializes fewer
// columns at a time.
func opGroups(gs *model.GateSet, opts Options) []map[string]struct{} {
	names := make([]string, 0)
	for _, label := range gs.PrepLabels() {
		names = append(names, "prep:"+label)
	}
	for _, label := range gs.POVMLabels() {
		povm, _ := gs.POVM(label)
		for _, outcome := range povm.Outcomes {
			names = append(names, "effect:"+label+":"+outcome)
		}
	}
	for _, label := range gs.GateLabels() {
		names = append(names, "gate:"+label)
	}

	groupCount := 1
	if opts.MemoryBudget > 0 && opts.Workers > 1 {
		groupCount = opts.Workers
	}
	if groupCount > len(names) {
		groupCount = len(names)
	}
	if groupCount < 1 {
		groupCount = 1
	}
	groups := make([]map[string]struct{}, groupCount)
	for i := range groups {
		groups[i] = make(map[string]struct{})
	}
	for i, name := range names {
		groups[i%groupCount][name] = struct{}{}
	}
	return groups
}

func evalJob(gs *model.GateSet, lay *layout, circuits []circuit.Circuit, batch *Batch, j batchJob, opts Options) error {
	for i := j.lo; i < j.hi; i++ {
		c := circuits[i]
		if j.fillProbs {
			probs, outcomes, err := rawProbs(gs, c)
			if err != nil {
				return err
			}
			if err := validateAndClamp(probs, outcomes, c.Key(), opts); err != nil {
				return err
			}
			copy(batch.Probs[i], probs)
		}
		if batch.Jac != nil && (j.include != nil || j.fillProbs) {
			if err := fillJacRows(gs, lay, c, batch.Jac, batch.RowOffsets[i], j.include); err != nil {
				return err
			}
		}
	}
	return nil
}

// runJobs drains the job list across a bounded worker pool. Workers share
// nothing but the frozen model and disjoint output regions, so the only
// synchronization is the final barrier.
func runJobs(ctx context.Context, workers int, jobs []batchJob, fn func(batchJob) error) error {
	if len(jobs) == 0 {
		return nil
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan batchJob)
	errCh := make(chan error, len(jobs))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobCh {
				if err := ctx.Err(); err != nil {
					errCh <- err
					continue
				}
				if err := fn(j); err != nil {
					errCh <- err
				}
			}
		}()
	}
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
