package model

import "fmt"

// NotGaugeTransformableError marks an operation whose parameterization cannot
// absorb a gauge transformation. It is fatal for the gauge-optimization
// request that triggered it, but does not invalidate the model itself.
type NotGaugeTransformableError struct {
	Label string
	Kind  string
}

func (e *NotGaugeTransformableError) Error() string {
	return fmt.Sprintf("%s %s does not support gauge transformation", e.Kind, e.Label)
}
