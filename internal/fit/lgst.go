package fit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/dataset"
	"gatefit/internal/model"
)

// LGST computes the closed-form linear-inversion estimate used to seed the
// iterative driver. Observed fiducial-pair frequencies form the matrix
// A[(i,k), j] = freq(prepFid_j · measFid_i, outcome k); anchoring its
// decomposition to the target model's effective effects puts the estimate in
// a gauge near the target, so it can be written back into the target's
// parameterization.
func LGST(ds *dataset.DataSet, target *model.GateSet, prepFids, measFids []circuit.Circuit) (*model.GateSet, error) {
	if ds == nil || target == nil {
		return nil, fmt.Errorf("dataset and target model are required")
	}
	dim := target.Dim()
	_, povm, err := target.DefaultPOVM()
	if err != nil {
		return nil, err
	}
	nOut := len(povm.Outcomes)

	emptyPrep, emptyMeas := -1, -1
	for j, f := range prepFids {
		if f.Len() == 0 {
			emptyPrep = j
		}
	}
	for i, f := range measFids {
		if f.Len() == 0 {
			emptyMeas = i
		}
	}
	if emptyPrep < 0 || emptyMeas < 0 {
		return nil, fmt.Errorf("fiducial lists must include the empty circuit for SPAM estimation")
	}
	nRows := len(measFids) * nOut
	if nRows < dim || len(prepFids) < dim {
		return nil, fmt.Errorf("need at least %d fiducials per side, got %d prep and %d meas rows", dim, len(prepFids), nRows)
	}

	freqAt := func(c circuit.Circuit, outcome string) (float64, error) {
		row, ok := ds.Row(c)
		if !ok {
			return 0, fmt.Errorf("dataset has no counts for LGST circuit %s", c.Key())
		}
		if row.Total == 0 {
			return 0, fmt.Errorf("LGST circuit %s has zero total count", c.Key())
		}
		return row.Count(outcome) / row.Total, nil
	}
	fillFreqMatrix := func(mid circuit.Circuit) (*mat.Dense, error) {
		out := mat.NewDense(nRows, len(prepFids), nil)
		for j, prep := range prepFids {
			for i, meas := range measFids {
				c := prep.Append(mid).Append(meas)
				for k, outcome := range povm.Outcomes {
					f, err := freqAt(c, outcome)
					if err != nil {
						return nil, err
					}
					out.Set(i*nOut+k, j, f)
				}
			}
		}
		return out, nil
	}

	a, err := fillFreqMatrix(circuit.New())
	if err != nil {
		return nil, err
	}

	// Target effective effects: each measurement fiducial propagated backward
	// onto every outcome effect.
	bt := mat.NewDense(nRows, dim, nil)
	for i, meas := range measFids {
		for k, outcome := range povm.Outcomes {
			w := mat.VecDenseCopyOf(povm.Effects[outcome].Vector())
			for l := meas.Len() - 1; l >= 0; l-- {
				g, ok := target.Gate(meas.At(l))
				if !ok {
					return nil, fmt.Errorf("measurement fiducial uses unknown operation %s", meas.At(l))
				}
				next := mat.NewVecDense(dim, nil)
				next.MulVec(g.Matrix().T(), w)
				w = next
			}
			for d := 0; d < dim; d++ {
				bt.Set(i*nOut+k, d, w.AtVec(d))
			}
		}
	}

	btPinv, rank, err := pinv(bt)
	if err != nil {
		return nil, err
	}
	if rank < dim {
		return nil, fmt.Errorf("measurement fiducials span only %d of %d dimensions", rank, dim)
	}

	// Effective preparations estimated from data, in the target frame.
	var cHat mat.Dense
	cHat.Mul(btPinv, a)
	cPinv, rank, err := pinv(&cHat)
	if err != nil {
		return nil, err
	}
	if rank < dim {
		return nil, fmt.Errorf("preparation fiducials span only %d of %d dimensions", rank, dim)
	}

	seed := target.Copy()

	for _, label := range target.GateLabels() {
		ag, err := fillFreqMatrix(circuit.New(label))
		if err != nil {
			return nil, err
		}
		var tmp, gHat mat.Dense
		tmp.Mul(btPinv, ag)
		gHat.Mul(&tmp, cPinv)
		gate, _ := seed.Gate(label)
		if err := setGateFromMatrix(gate, &gHat); err != nil {
			return nil, fmt.Errorf("LGST gate %s: %w", label, err)
		}
	}

	prepLabel, prepVec, err := seed.DefaultPrep()
	if err != nil {
		return nil, err
	}
	rhoHat := mat.NewVecDense(dim, nil)
	for d := 0; d < dim; d++ {
		rhoHat.SetVec(d, cHat.At(d, emptyPrep))
	}
	if err := setVecFromVector(prepVec, rhoHat); err != nil {
		return nil, fmt.Errorf("LGST prep %s: %w", prepLabel, err)
	}

	povmLabel, seedPOVM, err := seed.DefaultPOVM()
	if err != nil {
		return nil, err
	}
	for k, outcome := range seedPOVM.Outcomes {
		eHat := mat.NewVecDense(dim, nil)
		for d := 0; d < dim; d++ {
			sum := 0.0
			for j := 0; j < len(prepFids); j++ {
				sum += a.At(emptyMeas*nOut+k, j) * cPinv.At(j, d)
			}
			eHat.SetVec(d, sum)
		}
		if err := setVecFromVector(seedPOVM.Effects[outcome], eHat); err != nil {
			return nil, fmt.Errorf("LGST effect %s:%s: %w", povmLabel, outcome, err)
		}
	}
	return seed, nil
}

// setGateFromMatrix writes an estimated matrix into a gate through its own
// parameter map, so each variant keeps the structure it enforces (a TP gate
// keeps its frozen first row, a static gate is left at its target value).
func setGateFromMatrix(gate model.Gate, m *mat.Dense) error {
	switch g := gate.(type) {
	case *model.FullGate:
		return g.SetParams(append([]float64(nil), m.RawMatrix().Data...))
	case *model.TPGate:
		_, c := m.Dims()
		return g.SetParams(append([]float64(nil), m.RawMatrix().Data[c:]...))
	case *model.StaticGate:
		return nil
	default:
		return fmt.Errorf("gate variant %T cannot absorb a linear-inversion estimate", gate)
	}
}

func setVecFromVector(vec model.SPAMVec, v *mat.VecDense) error {
	switch s := vec.(type) {
	case *model.FullState:
		return s.SetParams(append([]float64(nil), v.RawVector().Data...))
	case *model.TPState:
		return s.SetParams(append([]float64(nil), v.RawVector().Data[1:]...))
	case *model.StaticState:
		return nil
	default:
		return fmt.Errorf("spam variant %T cannot absorb a linear-inversion estimate", vec)
	}
}

// pinv is the Moore-Penrose pseudo-inverse via SVD, returning the numerical
// rank alongside.
func pinv(a *mat.Dense) (*mat.Dense, int, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, 0, fmt.Errorf("SVD failed")
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return nil, 0, fmt.Errorf("empty matrix")
	}
	cutoff := values[0] * 1e-8
	rank := 0
	for _, v := range values {
		if v > cutoff {
			rank++
		}
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r, c := a.Dims()
	k := len(values)
	sInv := mat.NewDense(k, k, nil)
	for i, s := range values {
		if s > cutoff {
			sInv.Set(i, i, 1/s)
		}
	}
	out := mat.NewDense(c, r, nil)
	var tmp mat.Dense
	tmp.Mul(&v, sInv)
	out.Mul(&tmp, u.T())
	return out, rank, nil
}
