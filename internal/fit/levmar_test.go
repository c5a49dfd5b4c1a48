package fit

import (
	"context"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

func TestMinimizeLevMarLinearLeastSquares(t *testing.T) {
	// resid = A x - b with A full rank; the minimum is the exact solution of
	// the square system here, so the residual vanishes.
	a := mat.NewDense(2, 2, []float64{2, 0, 0, 3})
	b := []float64{4, 9}
	eval := func(x []float64) (float64, []float64, *mat.Dense, error) {
		resid := make([]float64, 2)
		for i := 0; i < 2; i++ {
			resid[i] = a.At(i, 0)*x[0] + a.At(i, 1)*x[1] - b[i]
		}
		value := resid[0]*resid[0] + resid[1]*resid[1]
		return value, resid, mat.DenseCopyOf(a), nil
	}

	res, err := MinimizeLevMar(context.Background(), LevMarConfig{}, eval, []float64{0, 0})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence: %+v", res)
	}
	if math.Abs(res.X[0]-2) > 1e-4 || math.Abs(res.X[1]-3) > 1e-4 {
		t.Fatalf("solution: %v", res.X)
	}
}

func TestMinimizeLevMarRosenbrock(t *testing.T) {
	eval := func(x []float64) (float64, []float64, *mat.Dense, error) {
		resid := []float64{10 * (x[1] - x[0]*x[0]), 1 - x[0]}
		jac := mat.NewDense(2, 2, []float64{
			-20 * x[0], 10,
			-1, 0,
		})
		value := resid[0]*resid[0] + resid[1]*resid[1]
		return value, resid, jac, nil
	}

	res, err := MinimizeLevMar(context.Background(), LevMarConfig{MaxIterations: 200}, eval, []float64{-1.2, 1})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}
	if math.Abs(res.X[0]-1) > 1e-3 || math.Abs(res.X[1]-1) > 1e-3 {
		t.Fatalf("solution: %v value %g", res.X, res.Value)
	}
}

func TestMinimizeLevMarMonotonicAcceptance(t *testing.T) {
	eval := func(x []float64) (float64, []float64, *mat.Dense, error) {
		resid := []float64{x[0] - 5, 2 * (x[1] + 3)}
		jac := mat.NewDense(2, 2, []float64{1, 0, 0, 2})
		value := resid[0]*resid[0] + resid[1]*resid[1]
		return value, resid, jac, nil
	}

	res, err := MinimizeLevMar(context.Background(), LevMarConfig{}, eval, []float64{0, 0})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}
	initial, _, _, _ := eval([]float64{0, 0})
	if res.Value > initial {
		t.Fatalf("final value %g exceeds initial %g", res.Value, initial)
	}
	if !res.Converged {
		t.Fatalf("expected convergence: %+v", res)
	}
}

func TestMinimizeLevMarStallsOnFlatObjective(t *testing.T) {
	// Constant residuals with a lying Jacobian: no step can decrease the
	// objective, so damping climbs to the ceiling and the loop reports a
	// stall instead of spinning.
	eval := func(x []float64) (float64, []float64, *mat.Dense, error) {
		return 1, []float64{1}, mat.NewDense(1, 1, []float64{1}), nil
	}

	res, err := MinimizeLevMar(context.Background(), LevMarConfig{}, eval, []float64{0})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}
	if !res.Stalled {
		t.Fatalf("expected stall: %+v", res)
	}
	if res.Value != 1 {
		t.Fatalf("stall should keep best value: %g", res.Value)
	}
}

func TestMinimizeLevMarDeadline(t *testing.T) {
	eval := func(x []float64) (float64, []float64, *mat.Dense, error) {
		return x[0] * x[0], []float64{x[0]}, mat.NewDense(1, 1, []float64{1}), nil
	}

	cfg := LevMarConfig{Deadline: time.Now().Add(-time.Second)}
	res, err := MinimizeLevMar(context.Background(), cfg, eval, []float64{7})
	if err != nil {
		t.Fatalf("minimize: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout: %+v", res)
	}
	if res.X[0] != 7 {
		t.Fatalf("timeout should return start point: %v", res.X)
	}
}

func TestMinimizeLevMarContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eval := func(x []float64) (float64, []float64, *mat.Dense, error) {
		return x[0] * x[0], []float64{x[0]}, mat.NewDense(1, 1, []float64{1}), nil
	}
	if _, err := MinimizeLevMar(ctx, LevMarConfig{}, eval, []float64{1}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestJacobianRank(t *testing.T) {
	full := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	if r := jacobianRank(full); r != 2 {
		t.Fatalf("full-rank matrix: rank %d", r)
	}
	deficient := mat.NewDense(3, 2, []float64{1, 2, 2, 4, 3, 6})
	if r := jacobianRank(deficient); r != 1 {
		t.Fatalf("rank-deficient matrix: rank %d", r)
	}
}
