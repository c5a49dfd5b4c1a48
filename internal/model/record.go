package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Serializable snapshot of a GateSet. Matrices are row-major flattened.

type GateSetRecord struct {
	Dim   int             `json:"dim"`
	Preps []SPAMVecRecord `json:"preps"`
	POVMs []POVMRecord    `json:"povms"`
	Gates []GateRecord    `json:"gates"`
}

type GateRecord struct {
	Label  string    `json:"label"`
	Type   string    `json:"type"`
	Matrix []float64 `json:"matrix"`
}

type SPAMVecRecord struct {
	Label  string    `json:"label"`
	Type   string    `json:"type"`
	Vector []float64 `json:"vector"`
}

type POVMRecord struct {
	Label    string          `json:"label"`
	Outcomes []string        `json:"outcomes"`
	Effects  []SPAMVecRecord `json:"effects"`
}

const (
	typeFull   = "full"
	typeTP     = "tp"
	typeStatic = "static"
)

func gateType(g Gate) (string, error) {
	switch g.(type) {
	case *FullGate:
		return typeFull, nil
	case *TPGate:
		return typeTP, nil
	case *StaticGate:
		return typeStatic, nil
	default:
		return "", fmt.Errorf("gate variant %T has no record form", g)
	}
}

func vecType(v SPAMVec) (string, error) {
	switch v.(type) {
	case *FullState:
		return typeFull, nil
	case *TPState:
		return typeTP, nil
	case *StaticState:
		return typeStatic, nil
	default:
		return "", fmt.Errorf("spam variant %T has no record form", v)
	}
}

// Record freezes the model into its serializable form.
func (gs *GateSet) Record() (GateSetRecord, error) {
	rec := GateSetRecord{Dim: gs.dim}
	for _, label := range gs.prepLabels {
		prep := gs.preps[label]
		t, err := vecType(prep)
		if err != nil {
			return GateSetRecord{}, fmt.Errorf("prep %s: %w", label, err)
		}
		rec.Preps = append(rec.Preps, SPAMVecRecord{
			Label:  label,
			Type:   t,
			Vector: append([]float64(nil), prep.Vector().RawVector().Data...),
		})
	}
	for _, label := range gs.povmLabels {
		povm := gs.povms[label]
		pr := POVMRecord{Label: label, Outcomes: append([]string(nil), povm.Outcomes...)}
		for _, outcome := range povm.Outcomes {
			effect := povm.Effects[outcome]
			t, err := vecType(effect)
			if err != nil {
				return GateSetRecord{}, fmt.Errorf("effect %s:%s: %w", label, outcome, err)
			}
			pr.Effects = append(pr.Effects, SPAMVecRecord{
				Label:  outcome,
				Type:   t,
				Vector: append([]float64(nil), effect.Vector().RawVector().Data...),
			})
		}
		rec.POVMs = append(rec.POVMs, pr)
	}
	for _, label := range gs.gateLabels {
		gate := gs.gates[label]
		t, err := gateType(gate)
		if err != nil {
			return GateSetRecord{}, fmt.Errorf("gate %s: %w", label, err)
		}
		rec.Gates = append(rec.Gates, GateRecord{
			Label:  label,
			Type:   t,
			Matrix: append([]float64(nil), gate.Matrix().RawMatrix().Data...),
		})
	}
	return rec, nil
}

// FromRecord rebuilds a GateSet from its serialized form.
func FromRecord(rec GateSetRecord) (*GateSet, error) {
	gs, err := NewGateSet(rec.Dim)
	if err != nil {
		return nil, err
	}
	for _, pr := range rec.Preps {
		vec, err := vecFromRecord(pr, rec.Dim)
		if err != nil {
			return nil, fmt.Errorf("prep %s: %w", pr.Label, err)
		}
		if err := gs.AddPrep(pr.Label, vec); err != nil {
			return nil, err
		}
	}
	for _, pov := range rec.POVMs {
		if len(pov.Effects) != len(pov.Outcomes) {
			return nil, fmt.Errorf("povm %s has %d effects for %d outcomes", pov.Label, len(pov.Effects), len(pov.Outcomes))
		}
		povm := &POVM{
			Outcomes: append([]string(nil), pov.Outcomes...),
			Effects:  make(map[string]SPAMVec, len(pov.Effects)),
		}
		for _, er := range pov.Effects {
			vec, err := vecFromRecord(er, rec.Dim)
			if err != nil {
				return nil, fmt.Errorf("effect %s:%s: %w", pov.Label, er.Label, err)
			}
			povm.Effects[er.Label] = vec
		}
		if err := gs.AddPOVM(pov.Label, povm); err != nil {
			return nil, err
		}
	}
	for _, gr := range rec.Gates {
		if len(gr.Matrix) != rec.Dim*rec.Dim {
			return nil, fmt.Errorf("gate %s matrix has %d entries, want %d", gr.Label, len(gr.Matrix), rec.Dim*rec.Dim)
		}
		m := mat.NewDense(rec.Dim, rec.Dim, append([]float64(nil), gr.Matrix...))
		var gate Gate
		switch gr.Type {
		case typeFull:
			gate = NewFullGate(m)
		case typeTP:
			tp, err := NewTPGate(m)
			if err != nil {
				return nil, fmt.Errorf("gate %s: %w", gr.Label, err)
			}
			gate = tp
		case typeStatic:
			gate = NewStaticGate(m)
		default:
			return nil, fmt.Errorf("gate %s has unknown type %s", gr.Label, gr.Type)
		}
		if err := gs.AddGate(gr.Label, gate); err != nil {
			return nil, err
		}
	}
	return gs, nil
}

func vecFromRecord(r SPAMVecRecord, dim int) (SPAMVec, error) {
	if len(r.Vector) != dim {
		return nil, fmt.Errorf("vector has %d entries, want %d", len(r.Vector), dim)
	}
	v := mat.NewVecDense(dim, append([]float64(nil), r.Vector...))
	switch r.Type {
	case typeFull:
		return NewFullState(v), nil
	case typeTP:
		return NewTPState(v), nil
	case typeStatic:
		return NewStaticState(v), nil
	default:
		return nil, fmt.Errorf("unknown spam type %s", r.Type)
	}
}
