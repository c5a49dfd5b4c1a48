package sim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/model"
)

// span locates one operation's slice of the flat parameter vector.
type span struct {
	off int
	n   int
}

// layout caches the flat-parameter offsets of every operation so Jacobian
// columns can be filled without repeated lookups.
type layout struct {
	total   int
	preps   map[string]span
	effects map[string]span // keyed povm + ":" + outcome
	gates   map[string]span
}

func buildLayout(gs *model.GateSet) (*layout, error) {
	l := &layout{
		total:   gs.NumParams(),
		preps:   make(map[string]span),
		effects: make(map[string]span),
		gates:   make(map[string]span),
	}
	for _, label := range gs.PrepLabels() {
		off, n, err := gs.ParamOffset("prep", label, "")
		if err != nil {
			return nil, err
		}
		l.preps[label] = span{off: off, n: n}
	}
	for _, label := range gs.POVMLabels() {
		povm, _ := gs.POVM(label)
		for _, outcome := range povm.Outcomes {
			off, n, err := gs.ParamOffset("effect", label, outcome)
			if err != nil {
				return nil, err
			}
			l.effects[label+":"+outcome] = span{off: off, n: n}
		}
	}
	for _, label := range gs.GateLabels() {
		off, n, err := gs.ParamOffset("gate", label, "")
		if err != nil {
			return nil, err
		}
		l.gates[label] = span{off: off, n: n}
	}
	return l, nil
}

func resolveGates(gs *model.GateSet, c circuit.Circuit) ([]model.Gate, error) {
	gates := make([]model.Gate, c.Len())
	for i := 0; i < c.Len(); i++ {
		g, ok := gs.Gate(c.At(i))
		if !ok {
			return nil, fmt.Errorf("circuit %s uses unknown operation %s", c.Key(), c.At(i))
		}
		gates[i] = g
	}
	return gates, nil
}

// forwardStates returns s_0 .. s_L where s_0 is the preparation and s_j is the
// state after layer j.
func forwardStates(prep *mat.VecDense, gates []model.Gate) []*mat.VecDense {
	states := make([]*mat.VecDense, len(gates)+1)
	states[0] = mat.VecDenseCopyOf(prep)
	for j, g := range gates {
		s := mat.NewVecDense(prep.Len(), nil)
		s.MulVec(g.Matrix(), states[j])
		states[j+1] = s
	}
	return states
}

// backwardEffects returns w_0 .. w_L for one effect, where w_L is the effect
// itself and w_j is the effect propagated backward through layers L..j+1.
func backwardEffects(effect *mat.VecDense, gates []model.Gate) []*mat.VecDense {
	n := len(gates)
	ws := make([]*mat.VecDense, n+1)
	ws[n] = mat.VecDenseCopyOf(effect)
	for j := n - 1; j >= 0; j-- {
		w := mat.NewVecDense(effect.Len(), nil)
		w.MulVec(gates[j].Matrix().T(), ws[j+1])
		ws[j] = w
	}
	return ws
}

// rawProbs computes un-clamped outcome probabilities for one circuit using
// state propagation.
func rawProbs(gs *model.GateSet, c circuit.Circuit) ([]float64, []string, error) {
	_, prep, err := gs.DefaultPrep()
	if err != nil {
		return nil, nil, err
	}
	_, povm, err := gs.DefaultPOVM()
	if err != nil {
		return nil, nil, err
	}
	gates, err := resolveGates(gs, c)
	if err != nil {
		return nil, nil, err
	}

	state := mat.VecDenseCopyOf(prep.Vector())
	tmp := mat.NewVecDense(state.Len(), nil)
	for _, g := range gates {
		tmp.MulVec(g.Matrix(), state)
		state, tmp = tmp, state
	}

	probs := make([]float64, len(povm.Outcomes))
	for i, outcome := range povm.Outcomes {
		probs[i] = mat.Dot(povm.Effects[outcome].Vector(), state)
	}
	return probs, append([]string(nil), povm.Outcomes...), nil
}

// probsFromProduct contracts a full-circuit superoperator with the default
// preparation and every effect.
func probsFromProduct(gs *model.GateSet, product *mat.Dense) ([]float64, []string, error) {
	_, prep, err := gs.DefaultPrep()
	if err != nil {
		return nil, nil, err
	}
	_, povm, err := gs.DefaultPOVM()
	if err != nil {
		return nil, nil, err
	}
	state := mat.NewVecDense(gs.Dim(), nil)
	state.MulVec(product, prep.Vector())
	probs := make([]float64, len(povm.Outcomes))
	for i, outcome := range povm.Outcomes {
		probs[i] = mat.Dot(povm.Effects[outcome].Vector(), state)
	}
	return probs, append([]string(nil), povm.Outcomes...), nil
}

// fillJacRows writes d p(outcome) / d theta for one circuit into rows of jac
// starting at rowOff, restricted to the operations named in include (nil means
// all). Rows not covered by include stay untouched, which lets a 2-D worker
// grid fill disjoint column blocks of the same matrix without locks.
func fillJacRows(gs *model.GateSet, lay *layout, c circuit.Circuit, jac *mat.Dense, rowOff int, include map[string]struct{}) error {
	prepLabel, prep, err := gs.DefaultPrep()
	if err != nil {
		return err
	}
	povmLabel, povm, err := gs.DefaultPOVM()
	if err != nil {
		return err
	}
	gates, err := resolveGates(gs, c)
	if err != nil {
		return err
	}
	dim := gs.Dim()
	states := forwardStates(prep.Vector(), gates)
	final := states[len(states)-1]

	included := func(name string) bool {
		if include == nil {
			return true
		}
		_, ok := include[name]
		return ok
	}

	for k, outcome := range povm.Outcomes {
		row := jac.RawRowView(rowOff + k)
		effect := povm.Effects[outcome]
		ws := backwardEffects(effect.Vector(), gates)

		if sp := lay.preps[prepLabel]; sp.n > 0 && included("prep:"+prepLabel) {
			fillChunk(row[sp.off:sp.off+sp.n], ws[0], prep.Deriv())
		}
		effectKey := povmLabel + ":" + outcome
		if sp := lay.effects[effectKey]; sp.n > 0 && included("effect:"+effectKey) {
			fillChunk(row[sp.off:sp.off+sp.n], final, effect.Deriv())
		}

		// Accumulate d p / d vec(G) per distinct gate label, then chain
		// through each gate's own parameter map.
		perGate := make(map[string][]float64)
		for j := range gates {
			label := c.At(j)
			if lay.gates[label].n == 0 || !included("gate:"+label) {
				continue
			}
			acc := perGate[label]
			if acc == nil {
				acc = make([]float64, dim*dim)
				perGate[label] = acc
			}
			w := ws[j+1].RawVector().Data
			s := states[j].RawVector().Data
			for a := 0; a < dim; a++ {
				wa := w[a]
				if wa == 0 {
					continue
				}
				base := a * dim
				for b := 0; b < dim; b++ {
					acc[base+b] += wa * s[b]
				}
			}
		}
		for label, acc := range perGate {
			sp := lay.gates[label]
			g, _ := gs.Gate(label)
			fillChunkFlat(row[sp.off:sp.off+sp.n], acc, g.Deriv())
		}
	}
	return nil
}

// fillChunk writes v^T * deriv into dst.
func fillChunk(dst []float64, v *mat.VecDense, deriv *mat.Dense) {
	raw := deriv.RawMatrix()
	vd := v.RawVector().Data
	for j := 0; j < raw.Cols; j++ {
		sum := 0.0
		for i := 0; i < raw.Rows; i++ {
			sum += vd[i] * raw.Data[i*raw.Stride+j]
		}
		dst[j] = sum
	}
}

// fillChunkFlat writes flat^T * deriv into dst, where flat is a row-major
// flattened d p / d vec(G).
func fillChunkFlat(dst []float64, flat []float64, deriv *mat.Dense) {
	raw := deriv.RawMatrix()
	for j := 0; j < raw.Cols; j++ {
		sum := 0.0
		for i := 0; i < raw.Rows; i++ {
			sum += flat[i] * raw.Data[i*raw.Stride+j]
		}
		dst[j] = sum
	}
}
