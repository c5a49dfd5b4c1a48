package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Standard operation labels for the single-qubit model.
const (
	LabelIdle  = "Gi"
	LabelXHalf = "Gx"
	LabelYHalf = "Gy"
	LabelRho0  = "rho0"
	LabelMeas  = "Mdefault"
)

// Pauli transfer matrices for the standard single-qubit gates, in the
// normalized Pauli basis {I, X, Y, Z}/sqrt(2).

func idlePTM() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// xHalfPTM is a pi/2 rotation about X: Y -> Z, Z -> -Y.
func xHalfPTM() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 0, -1,
		0, 0, 1, 0,
	})
}

// yHalfPTM is a pi/2 rotation about Y: Z -> X, X -> -Z.
func yHalfPTM() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 0, 0, 1,
		0, 0, 1, 0,
		0, -1, 0, 0,
	})
}

// rho0Vec is |0><0| expressed in the normalized Pauli basis.
func rho0Vec() *mat.VecDense {
	s := 1 / math.Sqrt2
	return mat.NewVecDense(4, []float64{s, 0, 0, s})
}

func effect0Vec() *mat.VecDense {
	s := 1 / math.Sqrt2
	return mat.NewVecDense(4, []float64{s, 0, 0, s})
}

func effect1Vec() *mat.VecDense {
	s := 1 / math.Sqrt2
	return mat.NewVecDense(4, []float64{s, 0, 0, -s})
}

// Parameterization selects the variant used for every operation in a
// constructed standard model.
type Parameterization string

const (
	ParamFull   Parameterization = "full"
	ParamTP     Parameterization = "TP"
	ParamStatic Parameterization = "static"
)

// StandardQubit builds the {Gi, Gx, Gy} single-qubit model with rho0 and the
// computational-basis POVM, using the requested parameterization for every
// operation.
func StandardQubit(p Parameterization) (*GateSet, error) {
	gs, err := NewGateSet(4)
	if err != nil {
		return nil, err
	}

	newGate := func(m *mat.Dense) (Gate, error) {
		switch p {
		case ParamFull:
			return NewFullGate(m), nil
		case ParamTP:
			return NewTPGate(m)
		case ParamStatic:
			return NewStaticGate(m), nil
		default:
			return nil, fmt.Errorf("unsupported parameterization: %s", p)
		}
	}
	newPrep := func(v *mat.VecDense) (SPAMVec, error) {
		switch p {
		case ParamFull:
			return NewFullState(v), nil
		case ParamTP:
			return NewTPState(v), nil
		case ParamStatic:
			return NewStaticState(v), nil
		default:
			return nil, fmt.Errorf("unsupported parameterization: %s", p)
		}
	}
	// Trace preservation pins the prep's trace component but says nothing
	// about effects, which stay fully parameterized in a TP model.
	newEffect := func(v *mat.VecDense) (SPAMVec, error) {
		switch p {
		case ParamFull, ParamTP:
			return NewFullState(v), nil
		case ParamStatic:
			return NewStaticState(v), nil
		default:
			return nil, fmt.Errorf("unsupported parameterization: %s", p)
		}
	}

	prep, err := newPrep(rho0Vec())
	if err != nil {
		return nil, err
	}
	if err := gs.AddPrep(LabelRho0, prep); err != nil {
		return nil, err
	}

	e0, err := newEffect(effect0Vec())
	if err != nil {
		return nil, err
	}
	e1, err := newEffect(effect1Vec())
	if err != nil {
		return nil, err
	}
	povm := &POVM{
		Outcomes: []string{"0", "1"},
		Effects:  map[string]SPAMVec{"0": e0, "1": e1},
	}
	if err := gs.AddPOVM(LabelMeas, povm); err != nil {
		return nil, err
	}

	for _, item := range []struct {
		label string
		m     *mat.Dense
	}{
		{LabelIdle, idlePTM()},
		{LabelXHalf, xHalfPTM()},
		{LabelYHalf, yHalfPTM()},
	} {
		g, err := newGate(item.m)
		if err != nil {
			return nil, err
		}
		if err := gs.AddGate(item.label, g); err != nil {
			return nil, err
		}
	}
	return gs, nil
}

// Depolarized returns a copy of gs with every gate followed by a depolarizing
// channel of the given strength: the non-identity components of the PTM are
// scaled by (1 - strength).
func (gs *GateSet) Depolarized(strength float64) (*GateSet, error) {
	if strength < 0 || strength > 1 {
		return nil, fmt.Errorf("depolarization strength must be in [0, 1], got %g", strength)
	}
	out := gs.Copy()
	depol := mat.NewDense(gs.dim, gs.dim, nil)
	depol.Set(0, 0, 1)
	for i := 1; i < gs.dim; i++ {
		depol.Set(i, i, 1-strength)
	}
	for _, label := range out.gateLabels {
		gate := out.gates[label]
		var noisy mat.Dense
		noisy.Mul(depol, gate.Matrix())
		n := gate.NumParams()
		if n == 0 {
			out.gates[label] = NewStaticGate(&noisy)
			continue
		}
		// Route through the parameter mapping so the variant keeps whatever
		// structure it enforces.
		params := make([]float64, n)
		switch g := gate.(type) {
		case *FullGate:
			copy(params, noisy.RawMatrix().Data)
			if err := g.SetParams(params); err != nil {
				return nil, err
			}
		case *TPGate:
			copy(params, noisy.RawMatrix().Data[gs.dim:])
			if err := g.SetParams(params); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("cannot depolarize gate %s of unsupported variant", label)
		}
	}
	return out, nil
}
