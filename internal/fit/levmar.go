package fit

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// EvalFn evaluates the objective at a parameter vector: scalar value
// (residual sum of squares), the residual vector, and the residual Jacobian.
type EvalFn func(x []float64) (value float64, resid []float64, jac *mat.Dense, err error)

// LevMarConfig tunes the damped Gauss-Newton loop.
type LevMarConfig struct {
	// Tol is the relative-reduction convergence tolerance; both the actual
	// and the model-predicted reduction must fall below it. Default 1e-6.
	Tol float64
	// MaxIterations bounds accepted outer iterations. Default 100.
	MaxIterations int
	// InitialDamping seeds the Levenberg-Marquardt lambda. Default 1e-3.
	InitialDamping float64
	// DampingUp scales lambda after a rejected step. Default 10.
	DampingUp float64
	// DampingDown scales lambda after an accepted step. Default 0.3.
	DampingDown float64
	// DampingCeiling marks a stall when lambda exceeds it. Default 1e12.
	DampingCeiling float64
	// MaxRetries bounds rejected steps per iteration. Default 24.
	MaxRetries int
	// Deadline, when non-zero, is checked between outer iterations; expiry
	// returns the best solution found so far.
	Deadline time.Time
}

func (c LevMarConfig) withDefaults() LevMarConfig {
	if c.Tol <= 0 {
		c.Tol = 1e-6
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.InitialDamping <= 0 {
		c.InitialDamping = 1e-3
	}
	if c.DampingUp <= 1 {
		c.DampingUp = 10
	}
	if c.DampingDown <= 0 || c.DampingDown >= 1 {
		c.DampingDown = 0.3
	}
	if c.DampingCeiling <= 0 {
		c.DampingCeiling = 1e12
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 24
	}
	return c
}

// LevMarResult is the terminal state of one minimization.
type LevMarResult struct {
	X          []float64
	Value      float64
	Iterations int
	Evals      int
	Converged  bool
	Stalled    bool
	TimedOut   bool
	// Damping is the lambda in effect when the loop terminated.
	Damping float64
	// Trace holds the objective value after each accepted step.
	Trace []float64
}

// MinimizeLevMar runs a damped Gauss-Newton (Levenberg-Marquardt) loop.
// Accepted steps never increase the objective. Stalls and deadline expiry
// terminate with the best-found solution rather than an error; only
// evaluation failures and context cancellation are errors.
func MinimizeLevMar(ctx context.Context, cfg LevMarConfig, eval EvalFn, x0 []float64) (LevMarResult, error) {
	cfg = cfg.withDefaults()
	if eval == nil {
		return LevMarResult{}, fmt.Errorf("eval function is required")
	}
	if len(x0) == 0 {
		return LevMarResult{}, fmt.Errorf("empty parameter vector")
	}

	x := append([]float64(nil), x0...)
	value, resid, jac, err := eval(x)
	if err != nil {
		return LevMarResult{}, err
	}
	result := LevMarResult{X: x, Value: value, Evals: 1}

	n := len(x)
	lambda := cfg.InitialDamping
	grad := make([]float64, n)
	var hess mat.SymDense

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return LevMarResult{}, err
		}
		if !cfg.Deadline.IsZero() && time.Now().After(cfg.Deadline) {
			result.TimedOut = true
			result.Damping = lambda
			return result, nil
		}

		normalEquations(jac, resid, grad, &hess)

		accepted := false
		for retry := 0; retry <= cfg.MaxRetries; retry++ {
			step, solveErr := solveDamped(&hess, grad, lambda)
			if solveErr != nil {
				lambda *= cfg.DampingUp
				if lambda > cfg.DampingCeiling {
					result.Stalled = true
					result.Damping = lambda
					return result, nil
				}
				continue
			}

			xNew := make([]float64, n)
			floats.AddTo(xNew, x, step)
			newValue, newResid, newJac, evalErr := eval(xNew)
			result.Evals++
			if evalErr != nil {
				return LevMarResult{}, evalErr
			}

			if newValue < value {
				predicted := predictedReduction(&hess, grad, step)
				actual := value - newValue

				x = xNew
				value, resid, jac = newValue, newResid, newJac
				result.X, result.Value = x, value
				result.Trace = append(result.Trace, value)
				lambda *= cfg.DampingDown
				if lambda < 1e-12 {
					lambda = 1e-12
				}
				accepted = true

				scale := value
				if scale < 1 {
					scale = 1
				}
				if actual < cfg.Tol*scale && predicted < cfg.Tol*scale {
					result.Converged = true
					result.Iterations = iter + 1
					result.Damping = lambda
					return result, nil
				}
				break
			}

			lambda *= cfg.DampingUp
			if lambda > cfg.DampingCeiling {
				result.Stalled = true
				result.Iterations = iter + 1
				result.Damping = lambda
				return result, nil
			}
		}
		result.Iterations = iter + 1
		if !accepted {
			result.Stalled = true
			result.Damping = lambda
			return result, nil
		}
	}
	result.Damping = lambda
	return result, nil
}

// normalEquations fills grad = J^T r and hess = J^T J.
func normalEquations(jac *mat.Dense, resid []float64, grad []float64, hess *mat.SymDense) {
	rows, cols := jac.Dims()
	r := mat.NewVecDense(rows, resid)
	g := mat.NewVecDense(cols, grad)
	g.MulVec(jac.T(), r)
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	if hess.IsEmpty() {
		hess.ReuseAsSym(cols)
	}
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			hess.SetSym(i, j, jtj.At(i, j))
		}
	}
}

// solveDamped solves (H + lambda*diag(H)) step = -grad with a Cholesky
// factorization, falling back to a dense LU solve when the damped matrix is
// not positive definite.
func solveDamped(hess *mat.SymDense, grad []float64, lambda float64) ([]float64, error) {
	n := len(grad)
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(hess)
	for i := 0; i < n; i++ {
		d := hess.At(i, i)
		if d <= 0 {
			d = 1e-12
		}
		damped.SetSym(i, i, hess.At(i, i)+lambda*d)
	}

	rhs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, -grad[i])
	}

	step := mat.NewVecDense(n, nil)
	var chol mat.Cholesky
	if chol.Factorize(damped) {
		if err := chol.SolveVecTo(step, rhs); err == nil {
			return step.RawVector().Data, nil
		}
	}
	var lu mat.LU
	lu.Factorize(damped)
	if err := lu.SolveVecTo(step, false, rhs); err != nil {
		return nil, fmt.Errorf("normal equations are singular: %w", err)
	}
	return step.RawVector().Data, nil
}

// predictedReduction is the quadratic model's expected decrease for a step:
// -(2 g^T s + s^T H s).
func predictedReduction(hess *mat.SymDense, grad, step []float64) float64 {
	n := len(grad)
	g := mat.NewVecDense(n, grad)
	s := mat.NewVecDense(n, step)
	var hs mat.VecDense
	hs.MulVec(hess, s)
	return -(2*mat.Dot(g, s) + mat.Dot(s, &hs))
}

// jacobianRank is the numerical rank of the residual Jacobian, used to flag
// under-determined stages.
func jacobianRank(jac *mat.Dense) int {
	var svd mat.SVD
	if !svd.Factorize(jac, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	cutoff := values[0] * 1e-9
	rank := 0
	for _, v := range values {
		if v > cutoff {
			rank++
		}
	}
	return rank
}
