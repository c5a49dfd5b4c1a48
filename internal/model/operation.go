package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Gate is one parameterized superoperator acting on the vectorized
// density-operator space. Implementations are the closed set of
// parameterization variants; custom behaviors add variants implementing the
// same interface rather than subclassing.
type Gate interface {
	// NumParams is the length of the gate's slice of the model parameter
	// vector.
	NumParams() int
	// Params writes the gate's current parameters into dst, which must have
	// length NumParams.
	Params(dst []float64)
	// SetParams replaces the gate's parameters.
	SetParams(p []float64) error
	// Matrix is the dense superoperator for the current parameters. The
	// returned matrix is owned by the gate and must not be modified.
	Matrix() *mat.Dense
	// Deriv is the (dim*dim) x NumParams Jacobian of the row-major flattened
	// matrix with respect to the gate's parameters.
	Deriv() *mat.Dense
	// Copy returns an independent deep copy.
	Copy() Gate
}

// SPAMVec is a parameterized state-preparation or measurement-effect vector.
type SPAMVec interface {
	NumParams() int
	Params(dst []float64)
	SetParams(p []float64) error
	// Vector is owned by the operation and must not be modified.
	Vector() *mat.VecDense
	// Deriv is the dim x NumParams Jacobian of the vector entries.
	Deriv() *mat.Dense
	Copy() SPAMVec
}

// gaugeTransformableGate is the capability a gate needs before the containing
// model can be gauge-transformed: absorb Sinv * G * S in place.
type gaugeTransformableGate interface {
	applyGauge(s, sinv *mat.Dense) error
}

// gaugeTransformableVec absorbs a transformed vector in place. Preps receive
// Sinv * v; effects receive S^T * e.
type gaugeTransformableVec interface {
	setVector(v *mat.VecDense) error
}

// FullGate parameterizes every matrix element independently.
type FullGate struct {
	m *mat.Dense
}

func NewFullGate(m *mat.Dense) *FullGate {
	r, c := m.Dims()
	if r != c {
		panic(fmt.Sprintf("gate matrix must be square, got %dx%d", r, c))
	}
	return &FullGate{m: mat.DenseCopyOf(m)}
}

func (g *FullGate) NumParams() int {
	r, c := g.m.Dims()
	return r * c
}

func (g *FullGate) Params(dst []float64) {
	copy(dst, g.m.RawMatrix().Data)
}

func (g *FullGate) SetParams(p []float64) error {
	raw := g.m.RawMatrix()
	if len(p) != len(raw.Data) {
		return fmt.Errorf("full gate expects %d params, got %d", len(raw.Data), len(p))
	}
	copy(raw.Data, p)
	return nil
}

func (g *FullGate) Matrix() *mat.Dense { return g.m }

func (g *FullGate) Deriv() *mat.Dense {
	n := g.NumParams()
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

func (g *FullGate) Copy() Gate {
	return &FullGate{m: mat.DenseCopyOf(g.m)}
}

func (g *FullGate) applyGauge(s, sinv *mat.Dense) error {
	var tmp mat.Dense
	tmp.Mul(sinv, g.m)
	g.m.Mul(&tmp, s)
	return nil
}

// TPGate is a trace-preserving gate: its first row is frozen to (1, 0, ..., 0)
// and only the remaining rows are parameters.
type TPGate struct {
	m *mat.Dense
}

func NewTPGate(m *mat.Dense) (*TPGate, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("gate matrix must be square, got %dx%d", r, c)
	}
	if err := checkTPRow(m); err != nil {
		return nil, err
	}
	return &TPGate{m: mat.DenseCopyOf(m)}, nil
}

func checkTPRow(m *mat.Dense) error {
	_, c := m.Dims()
	const tol = 1e-9
	for j := 0; j < c; j++ {
		want := 0.0
		if j == 0 {
			want = 1.0
		}
		if diff := m.At(0, j) - want; diff > tol || diff < -tol {
			return fmt.Errorf("matrix first row is not (1, 0, ...): entry %d is %g", j, m.At(0, j))
		}
	}
	return nil
}

func (g *TPGate) NumParams() int {
	r, c := g.m.Dims()
	return (r - 1) * c
}

func (g *TPGate) Params(dst []float64) {
	_, c := g.m.Dims()
	copy(dst, g.m.RawMatrix().Data[c:])
}

func (g *TPGate) SetParams(p []float64) error {
	if len(p) != g.NumParams() {
		return fmt.Errorf("tp gate expects %d params, got %d", g.NumParams(), len(p))
	}
	_, c := g.m.Dims()
	copy(g.m.RawMatrix().Data[c:], p)
	return nil
}

func (g *TPGate) Matrix() *mat.Dense { return g.m }

func (g *TPGate) Deriv() *mat.Dense {
	r, c := g.m.Dims()
	d := mat.NewDense(r*c, (r-1)*c, nil)
	for i := 0; i < (r-1)*c; i++ {
		d.Set(c+i, i, 1)
	}
	return d
}

func (g *TPGate) Copy() Gate {
	return &TPGate{m: mat.DenseCopyOf(g.m)}
}

func (g *TPGate) applyGauge(s, sinv *mat.Dense) error {
	var tmp, out mat.Dense
	tmp.Mul(sinv, g.m)
	out.Mul(&tmp, s)
	if err := checkTPRow(&out); err != nil {
		return fmt.Errorf("gauge transform does not preserve trace: %w", err)
	}
	g.m.Copy(&out)
	return nil
}

// StaticGate carries no parameters and is never touched by the optimizer.
// It also cannot absorb a gauge transform.
type StaticGate struct {
	m *mat.Dense
}

func NewStaticGate(m *mat.Dense) *StaticGate {
	return &StaticGate{m: mat.DenseCopyOf(m)}
}

func (g *StaticGate) NumParams() int       { return 0 }
func (g *StaticGate) Params(dst []float64) {}
func (g *StaticGate) SetParams(p []float64) error {
	if len(p) != 0 {
		return fmt.Errorf("static gate has no params, got %d", len(p))
	}
	return nil
}
func (g *StaticGate) Matrix() *mat.Dense { return g.m }

// Deriv is nil for zero-parameter gates; callers skip them.
func (g *StaticGate) Deriv() *mat.Dense { return nil }
func (g *StaticGate) Copy() Gate {
	return &StaticGate{m: mat.DenseCopyOf(g.m)}
}

// FullState parameterizes every vector entry.
type FullState struct {
	v *mat.VecDense
}

func NewFullState(v *mat.VecDense) *FullState {
	return &FullState{v: mat.VecDenseCopyOf(v)}
}

func (s *FullState) NumParams() int       { return s.v.Len() }
func (s *FullState) Params(dst []float64) { copy(dst, s.v.RawVector().Data) }

func (s *FullState) SetParams(p []float64) error {
	if len(p) != s.v.Len() {
		return fmt.Errorf("full state expects %d params, got %d", s.v.Len(), len(p))
	}
	copy(s.v.RawVector().Data, p)
	return nil
}

func (s *FullState) Vector() *mat.VecDense { return s.v }

func (s *FullState) Deriv() *mat.Dense {
	n := s.v.Len()
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

func (s *FullState) Copy() SPAMVec {
	return &FullState{v: mat.VecDenseCopyOf(s.v)}
}

func (s *FullState) setVector(v *mat.VecDense) error {
	if v.Len() != s.v.Len() {
		return fmt.Errorf("vector length mismatch: got %d want %d", v.Len(), s.v.Len())
	}
	s.v.CopyVec(v)
	return nil
}

// TPState freezes the first entry (the trace component) and parameterizes the
// rest.
type TPState struct {
	v *mat.VecDense
}

func NewTPState(v *mat.VecDense) *TPState {
	return &TPState{v: mat.VecDenseCopyOf(v)}
}

func (s *TPState) NumParams() int       { return s.v.Len() - 1 }
func (s *TPState) Params(dst []float64) { copy(dst, s.v.RawVector().Data[1:]) }

func (s *TPState) SetParams(p []float64) error {
	if len(p) != s.v.Len()-1 {
		return fmt.Errorf("tp state expects %d params, got %d", s.v.Len()-1, len(p))
	}
	copy(s.v.RawVector().Data[1:], p)
	return nil
}

func (s *TPState) Vector() *mat.VecDense { return s.v }

func (s *TPState) Deriv() *mat.Dense {
	n := s.v.Len()
	d := mat.NewDense(n, n-1, nil)
	for i := 0; i < n-1; i++ {
		d.Set(i+1, i, 1)
	}
	return d
}

func (s *TPState) Copy() SPAMVec {
	return &TPState{v: mat.VecDenseCopyOf(s.v)}
}

func (s *TPState) setVector(v *mat.VecDense) error {
	if v.Len() != s.v.Len() {
		return fmt.Errorf("vector length mismatch: got %d want %d", v.Len(), s.v.Len())
	}
	const tol = 1e-9
	if diff := v.AtVec(0) - s.v.AtVec(0); diff > tol || diff < -tol {
		return fmt.Errorf("gauge transform moves frozen trace component: %g -> %g", s.v.AtVec(0), v.AtVec(0))
	}
	s.v.CopyVec(v)
	return nil
}

// StaticState carries no parameters and cannot absorb a gauge transform.
type StaticState struct {
	v *mat.VecDense
}

func NewStaticState(v *mat.VecDense) *StaticState {
	return &StaticState{v: mat.VecDenseCopyOf(v)}
}

func (s *StaticState) NumParams() int       { return 0 }
func (s *StaticState) Params(dst []float64) {}
func (s *StaticState) SetParams(p []float64) error {
	if len(p) != 0 {
		return fmt.Errorf("static state has no params, got %d", len(p))
	}
	return nil
}
func (s *StaticState) Vector() *mat.VecDense { return s.v }

// Deriv is nil for zero-parameter vectors; callers skip them.
func (s *StaticState) Deriv() *mat.Dense { return nil }
func (s *StaticState) Copy() SPAMVec {
	return &StaticState{v: mat.VecDenseCopyOf(s.v)}
}
