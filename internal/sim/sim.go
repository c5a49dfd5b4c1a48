// Package sim computes outcome probabilities and their derivatives for
// circuits under a candidate model. Two interchangeable strategies are
// provided: a layer-composition simulator that caches shared-prefix matrix
// products across a batch, and a state-propagation simulator that applies
// layers to a running state vector.
package sim

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/model"
)

// Options configure numeric tolerances and resource limits shared by both
// strategies.
type Options struct {
	// ProbTol is how far outside [0, 1] a probability may stray before the
	// model is declared invalid. Within tolerance, values are clamped.
	ProbTol float64
	// ClampOnly disables the out-of-tolerance error: probabilities are
	// clamped onto [0, 1] unconditionally. Optimizers evaluate trial points
	// and statistically noisy seeds whose predictions stray outside the
	// physical region; erroring there would abort the search instead of
	// letting the objective pull the model back in.
	ClampOnly bool
	// MemoryBudget caps the bytes a batch may materialize at once. Zero means
	// unlimited.
	MemoryBudget int64
	// Workers bounds evaluation parallelism. Zero or negative means one.
	Workers int
}

const defaultProbTol = 1e-6

func (o Options) withDefaults() Options {
	if o.ProbTol <= 0 {
		o.ProbTol = defaultProbTol
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Batch carries probabilities and, when requested, the Jacobian for a circuit
// list. Jacobian rows run over (circuit, outcome) pairs in circuit-list order,
// columns over the model's flat parameters.
type Batch struct {
	Probs      [][]float64
	Outcomes   []string
	Jac        *mat.Dense
	RowOffsets []int
}

// NumRows is the total (circuit, outcome) count.
func (b *Batch) NumRows() int {
	if len(b.RowOffsets) == 0 {
		return 0
	}
	return b.RowOffsets[len(b.RowOffsets)-1] + len(b.Probs[len(b.Probs)-1])
}

// Simulator is one forward-simulation strategy.
type Simulator interface {
	Name() string
	// Probs returns the per-outcome probabilities of one circuit, clamped to
	// [0, 1] after tolerance validation.
	Probs(gs *model.GateSet, c circuit.Circuit) ([]float64, error)
	// BatchProbs evaluates many circuits, exploiting whatever reuse the
	// strategy supports. All circuits see the same frozen parameter vector.
	BatchProbs(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit) (*Batch, error)
	// BatchJacobian additionally fills the probability Jacobian.
	BatchJacobian(ctx context.Context, gs *model.GateSet, circuits []circuit.Circuit) (*Batch, error)
}

// HessianSimulator is implemented by strategies that can also produce second
// derivatives of each outcome probability.
type HessianSimulator interface {
	Simulator
	// ProbsHessian returns, per outcome, the NumParams x NumParams Hessian.
	ProbsHessian(gs *model.GateSet, c circuit.Circuit) ([]*mat.SymDense, error)
}

// ModelInvalidError reports a probability outside [0, 1] beyond tolerance.
// This is a modeling bug, not recoverable at the simulation layer.
type ModelInvalidError struct {
	Circuit string
	Outcome string
	Prob    float64
}

func (e *ModelInvalidError) Error() string {
	return fmt.Sprintf("circuit %s outcome %s has invalid probability %g", e.Circuit, e.Outcome, e.Prob)
}

// ResourceExceededError reports a batch whose working set exceeds the memory
// budget. Callers can retry with a coarser block size or a cheaper strategy.
type ResourceExceededError struct {
	Requested int64
	Budget    int64
}

func (e *ResourceExceededError) Error() string {
	return fmt.Sprintf("batch needs %s, budget is %s",
		humanize.IBytes(uint64(e.Requested)), humanize.IBytes(uint64(e.Budget)))
}

func checkBudget(requested, budget int64) error {
	if budget > 0 && requested > budget {
		return &ResourceExceededError{Requested: requested, Budget: budget}
	}
	return nil
}

// validateAndClamp checks every probability against the tolerance and clamps
// in-tolerance excursions onto [0, 1]. With ClampOnly set, excursions of any
// size are clamped without error. Sums are not renormalized; a valid model's
// outcomes already sum to one.
func validateAndClamp(probs []float64, outcomes []string, key string, o Options) error {
	for i, p := range probs {
		if !o.ClampOnly && (p < -o.ProbTol || p > 1+o.ProbTol) {
			return &ModelInvalidError{Circuit: key, Outcome: outcomes[i], Prob: p}
		}
		if p < 0 {
			probs[i] = 0
		} else if p > 1 {
			probs[i] = 1
		}
	}
	return nil
}
