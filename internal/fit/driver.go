// Package fit estimates gate set parameters from count data: a closed-form
// linear-inversion seed, a damped least-squares core, and a staged driver
// that refits over nested circuit sets of increasing depth.
package fit

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"gatefit/internal/circuit"
	"gatefit/internal/dataset"
	"gatefit/internal/model"
	"gatefit/internal/objective"
	"gatefit/internal/sim"
)

// Seed strategies for the first stage.
const (
	SeedLGST   = "lgst"
	SeedTarget = "target"
	SeedModel  = "model"
)

// Config drives a full iterative fit.
type Config struct {
	// Target is the ideal model; it fixes the parameterization of the
	// estimate and anchors the linear-inversion seed.
	Target *model.GateSet
	// Schedule holds the nested per-stage circuit sets.
	Schedule circuit.Schedule
	// PrepFiducials and MeasFiducials are needed when Seed is "lgst"; both
	// lists must include the empty circuit.
	PrepFiducials []circuit.Circuit
	MeasFiducials []circuit.Circuit
	// Seed selects the stage-one starting point: "lgst" (default), "target",
	// or "model" (uses SeedModel).
	Seed      string
	SeedModel *model.GateSet
	// Simulator computes probabilities and Jacobians. Defaults to the matrix
	// strategy with default options.
	Simulator sim.Simulator
	// Objective configures probability floors and per-circuit weights.
	Objective objective.Config
	// LevMar configures the inner optimizer. The same settings apply to every
	// stage.
	LevMar LevMarConfig
	// SkipFinalStatRefinement disables the log-likelihood polish after the
	// last chi-squared stage.
	SkipFinalStatRefinement bool
	// RobustScaling enables an extra pass that down-weights outlier circuits
	// and refits the final stage.
	RobustScaling bool
	// OutlierScorer and OutlierThreshold configure robust scaling. Defaults:
	// mean squared residual per circuit, threshold 10.
	OutlierScorer    objective.OutlierScorer
	OutlierThreshold float64
	// Timeout bounds the whole run; zero means no limit.
	Timeout time.Duration
}

const defaultOutlierThreshold = 10

func (c Config) withDefaults() (Config, error) {
	if c.Target == nil {
		return c, fmt.Errorf("target model is required")
	}
	if len(c.Schedule.Stages) == 0 {
		return c, fmt.Errorf("schedule has no stages")
	}
	if c.Seed == "" {
		c.Seed = SeedLGST
	}
	switch c.Seed {
	case SeedLGST, SeedTarget:
	case SeedModel:
		if c.SeedModel == nil {
			return c, fmt.Errorf("seed mode %q requires a seed model", SeedModel)
		}
	default:
		return c, fmt.Errorf("unknown seed mode %q", c.Seed)
	}
	if c.Simulator == nil {
		// Fitting clamps rather than validates: trial steps and sampled
		// seeds routinely predict probabilities slightly outside [0, 1].
		s, err := sim.NewSimulator("matrix", sim.Options{ClampOnly: true})
		if err != nil {
			return c, err
		}
		c.Simulator = s
	}
	if c.OutlierScorer == nil {
		c.OutlierScorer = objective.ChiSquaredPerCell
	}
	if c.OutlierThreshold <= 0 {
		c.OutlierThreshold = defaultOutlierThreshold
	}
	return c, nil
}

// StageResult records one stage of the staged fit.
type StageResult struct {
	MaxLength      int     `json:"max_length"`
	NumCircuits    int     `json:"num_circuits"`
	Objective      string  `json:"objective"`
	StartValue     float64 `json:"start_value"`
	Value          float64 `json:"value"`
	Iterations     int     `json:"iterations"`
	Evals          int     `json:"evals"`
	Converged      bool    `json:"converged"`
	Stalled        bool    `json:"stalled"`
	TimedOut       bool    `json:"timed_out"`
	NumConstraints int     `json:"num_constraints"`
	JacobianRank   int     `json:"jacobian_rank"`
	Message        string  `json:"message,omitempty"`
	// Trace is the objective value after each accepted optimizer step.
	Trace []float64 `json:"trace,omitempty"`
}

// RunResult is the outcome of a full iterative fit.
type RunResult struct {
	// Model is the best estimate found.
	Model *model.GateSet `json:"-"`
	// StageModels holds a frozen copy of the estimate after each schedule
	// stage, in stage order. Refinement passes act on the final entry.
	StageModels []*model.GateSet `json:"-"`
	// Stages records per-stage diagnostics, including the final refinement
	// and robust-scaling passes when they run.
	Stages []StageResult `json:"stages"`
	// SeedFellBack is set when the linear-inversion seed failed and the
	// target model was used instead.
	SeedFellBack bool   `json:"seed_fell_back"`
	SeedMessage  string `json:"seed_message,omitempty"`
	// RefinementFellBack is set when the log-likelihood polish did not
	// improve on the chi-squared solution and was discarded.
	RefinementFellBack bool `json:"refinement_fell_back"`
	// NonMonotonic is set when some stage ended worse than it started on its
	// own circuit set. Each stage starts from the previous stage's result
	// evaluated on the enlarged set, so this is the cross-stage check.
	NonMonotonic bool `json:"non_monotonic"`
	// UnderDetermined is set when the final chi-squared stage left no
	// statistical degrees of freedom: fewer independent constraints than
	// independently fitted parameter directions.
	UnderDetermined bool `json:"under_determined"`
	// FinalValue is the fit statistic on the final circuit set with the
	// objective named by FinalObjective.
	FinalValue     float64 `json:"final_value"`
	FinalObjective string  `json:"final_objective"`
	// DegreesOfFreedom and PValue summarize goodness of fit under the
	// chi-squared statistic. DegreesOfFreedom counts constraints minus the
	// Jacobian rank at the solution, which discounts the gauge directions
	// the data cannot see. PValue is NaN when DegreesOfFreedom is not
	// positive.
	DegreesOfFreedom int     `json:"degrees_of_freedom"`
	PValue           float64 `json:"p_value"`
	// RobustWeights holds the per-circuit weights applied by the robust
	// scaling pass, when it ran and found outliers.
	RobustWeights map[string]float64 `json:"robust_weights,omitempty"`
	// Elapsed is the wall time of the whole run.
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Run performs the full staged fit: seed, one chi-squared stage per schedule
// entry, an optional log-likelihood refinement on the final stage, and an
// optional robust-scaling refit. A stage that fails outright keeps the model
// from the previous stage and the run continues; only setup problems abort.
func Run(ctx context.Context, ds *dataset.DataSet, cfg Config) (*RunResult, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	start := time.Now()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if cfg.LevMar.Deadline.IsZero() {
			cfg.LevMar.Deadline = start.Add(cfg.Timeout)
		}
	}

	result := &RunResult{FinalObjective: "chi2"}

	current, err := seedModel(ds, cfg, result)
	if err != nil {
		return nil, err
	}

	chi2 := objective.NewChiSquared(cfg.Objective, cfg.Simulator)
	completed := 0
	for _, stage := range cfg.Schedule.Stages {
		next, sr := runStage(ctx, cfg, chi2, current, ds, stage.Circuits)
		sr.MaxLength = stage.MaxLength
		result.Stages = append(result.Stages, sr)
		if sr.Message != "" && next == nil {
			// Evaluation failed mid-stage; keep the previous estimate.
			result.StageModels = append(result.StageModels, current.Copy())
			continue
		}
		if sr.Value > sr.StartValue {
			result.NonMonotonic = true
		}
		current = next
		completed++
		result.StageModels = append(result.StageModels, current.Copy())
		result.FinalValue = sr.Value
	}
	if completed == 0 {
		last := result.Stages[len(result.Stages)-1]
		return nil, fmt.Errorf("every stage failed, last: %s", last.Message)
	}

	final := cfg.Schedule.Stages[len(cfg.Schedule.Stages)-1]

	if !cfg.SkipFinalStatRefinement {
		current = refineFinalStat(ctx, cfg, current, ds, final, result)
	}

	if cfg.RobustScaling {
		current = robustRefit(ctx, cfg, chi2, current, ds, final, result)
	}

	if last := lastChiSquaredStage(result.Stages); last != nil {
		np := current.NumParams()
		// The residual Jacobian is always rank-deficient by the model's
		// gauge dimension, so the rank, not the raw parameter count, is the
		// number of directions the data actually pins down.
		fitted := np
		if last.JacobianRank > 0 {
			fitted = last.JacobianRank
		}
		result.DegreesOfFreedom = last.NumConstraints - fitted
		if result.DegreesOfFreedom <= 0 {
			result.UnderDetermined = true
			if last.Message == "" {
				udErr := &UnderDeterminedFitError{
					NumParams:      np,
					NumConstraints: last.NumConstraints,
					JacobianRank:   last.JacobianRank,
				}
				last.Message = udErr.Error()
			}
		}
		if result.DegreesOfFreedom > 0 {
			dist := distuv.ChiSquared{K: float64(result.DegreesOfFreedom)}
			result.PValue = dist.Survival(last.Value)
		} else {
			result.PValue = math.NaN()
		}
	}

	result.Model = current
	result.Elapsed = time.Since(start)
	return result, nil
}

func seedModel(ds *dataset.DataSet, cfg Config, result *RunResult) (*model.GateSet, error) {
	switch cfg.Seed {
	case SeedTarget:
		return cfg.Target.Copy(), nil
	case SeedModel:
		return cfg.SeedModel.Copy(), nil
	default:
		seed, err := LGST(ds, cfg.Target, cfg.PrepFiducials, cfg.MeasFiducials)
		if err != nil {
			result.SeedFellBack = true
			result.SeedMessage = err.Error()
			return cfg.Target.Copy(), nil
		}
		return seed, nil
	}
}

// runStage minimizes obj over one circuit set starting from gs. On evaluation
// failure it returns a nil model and puts the error in the stage record.
func runStage(ctx context.Context, cfg Config, obj objective.Objective, gs *model.GateSet, ds *dataset.DataSet, circuits []circuit.Circuit) (*model.GateSet, StageResult) {
	sr := StageResult{NumCircuits: len(circuits), Objective: obj.Name()}

	work := gs.Copy()
	evalFn := func(x []float64) (float64, []float64, *mat.Dense, error) {
		if err := work.SetParams(x); err != nil {
			return 0, nil, nil, err
		}
		ev, err := obj.EvaluateWithJacobian(ctx, work, ds, circuits)
		if err != nil {
			return 0, nil, nil, err
		}
		return ev.Value, ev.Residuals, ev.Jac, nil
	}

	x0 := gs.Params()
	lm, err := MinimizeLevMar(ctx, cfg.LevMar, evalFn, x0)
	if err != nil {
		sr.Message = err.Error()
		return nil, sr
	}
	sr.Iterations = lm.Iterations
	sr.Evals = lm.Evals
	sr.Converged = lm.Converged
	sr.Stalled = lm.Stalled
	sr.TimedOut = lm.TimedOut
	sr.Value = lm.Value
	sr.Trace = lm.Trace
	if lm.Stalled {
		stall := &OptimizerStallError{
			Damping: lm.Damping,
			Ceiling: cfg.LevMar.withDefaults().DampingCeiling,
			Value:   lm.Value,
		}
		sr.Message = stall.Error()
	}

	best := gs.Copy()
	if err := best.SetParams(lm.X); err != nil {
		sr.Message = err.Error()
		return nil, sr
	}

	// One more evaluation at the solution: the start value for monotonicity
	// bookkeeping and the Jacobian rank for under-determination checks.
	startEval, err := obj.Evaluate(ctx, gs, ds, circuits)
	if err != nil {
		sr.Message = err.Error()
		return nil, sr
	}
	sr.StartValue = startEval.Value

	finalEval, err := obj.EvaluateWithJacobian(ctx, best, ds, circuits)
	if err != nil {
		sr.Message = err.Error()
		return nil, sr
	}
	sr.NumConstraints = finalEval.NumConstraints
	if finalEval.Jac != nil {
		sr.JacobianRank = jacobianRank(finalEval.Jac)
	}
	return best, sr
}

// refineFinalStat polishes the chi-squared solution under the Poisson
// log-likelihood deficiency on the final circuit set. If the polish does not
// improve the deficiency the chi-squared solution is kept.
func refineFinalStat(ctx context.Context, cfg Config, current *model.GateSet, ds *dataset.DataSet, final circuit.Stage, result *RunResult) *model.GateSet {
	logl := objective.NewPoissonLogL(cfg.Objective, cfg.Simulator)

	baseline, err := logl.Evaluate(ctx, current, ds, final.Circuits)
	if err != nil {
		result.RefinementFellBack = true
		return current
	}

	refined, sr := runStage(ctx, cfg, logl, current, ds, final.Circuits)
	sr.MaxLength = final.MaxLength
	result.Stages = append(result.Stages, sr)
	if refined == nil || sr.Value >= baseline.Value {
		result.RefinementFellBack = true
		return current
	}
	result.FinalValue = sr.Value
	result.FinalObjective = logl.Name()
	return refined
}

// robustRefit down-weights circuits whose per-cell residuals exceed the
// outlier threshold and refits the final stage with those weights.
func robustRefit(ctx context.Context, cfg Config, chi2 objective.Objective, current *model.GateSet, ds *dataset.DataSet, final circuit.Stage, result *RunResult) *model.GateSet {
	eval, err := chi2.Evaluate(ctx, current, ds, final.Circuits)
	if err != nil {
		return current
	}
	keys := make([]string, len(final.Circuits))
	for i, c := range final.Circuits {
		keys[i] = c.Key()
	}
	weights, err := objective.RobustWeights(eval, keys, cfg.OutlierScorer, cfg.OutlierThreshold)
	if err != nil {
		return current
	}
	anyDown := false
	for _, w := range weights {
		if w < 1 {
			anyDown = true
			break
		}
	}
	if !anyDown {
		return current
	}

	weighted := cfg.Objective
	merged := make(map[string]float64, len(weights))
	for k, w := range cfg.Objective.Weights {
		merged[k] = w
	}
	for k, w := range weights {
		merged[k] = w
	}
	weighted.Weights = merged

	obj := objective.NewChiSquared(weighted, cfg.Simulator)
	refit, sr := runStage(ctx, cfg, obj, current, ds, final.Circuits)
	sr.MaxLength = final.MaxLength
	sr.Objective = "chi2-robust"
	result.Stages = append(result.Stages, sr)
	if refit == nil {
		return current
	}
	result.RobustWeights = weights
	result.FinalValue = sr.Value
	result.FinalObjective = "chi2"
	return refit
}

func lastChiSquaredStage(stages []StageResult) *StageResult {
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i].Objective == "chi2" || stages[i].Objective == "chi2-robust" {
			return &stages[i]
		}
	}
	return nil
}
