package fit

import "fmt"

// OptimizerStallError reports a damping parameter that climbed past its
// ceiling without improving the objective. The stage keeps its best-found
// result; the error is recorded as a diagnostic, not raised as a failure.
type OptimizerStallError struct {
	Damping float64
	Ceiling float64
	Value   float64
}

func (e *OptimizerStallError) Error() string {
	return fmt.Sprintf("optimizer stalled: damping %g exceeds ceiling %g at objective %g", e.Damping, e.Ceiling, e.Value)
}

// UnderDeterminedFitError reports a stage with more free model parameters
// than independent count constraints (or a rank-deficient Jacobian). The fit
// proceeds with a caution flag; this error documents the condition.
type UnderDeterminedFitError struct {
	NumParams      int
	NumConstraints int
	JacobianRank   int
}

func (e *UnderDeterminedFitError) Error() string {
	return fmt.Sprintf("under-determined fit: %d free params, %d independent constraints, jacobian rank %d",
		e.NumParams, e.NumConstraints, e.JacobianRank)
}
