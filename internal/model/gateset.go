package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// POVM is an ordered set of measurement outcomes and their effect vectors.
type POVM struct {
	Outcomes []string
	Effects  map[string]SPAMVec
}

func (p *POVM) Copy() *POVM {
	out := &POVM{
		Outcomes: append([]string(nil), p.Outcomes...),
		Effects:  make(map[string]SPAMVec, len(p.Effects)),
	}
	for k, v := range p.Effects {
		out.Effects[k] = v.Copy()
	}
	return out
}

// GateSet maps operation labels to parameterized operations and exposes a
// single flat parameter vector over all of them. Parameter layout is fixed by
// insertion order: preps, then POVM effects, then gates.
type GateSet struct {
	dim int

	prepLabels []string
	preps      map[string]SPAMVec

	povmLabels []string
	povms      map[string]*POVM

	gateLabels []string
	gates      map[string]Gate
}

// NewGateSet creates an empty model over a vectorized state space of the
// given dimension (d*d for a d-dimensional system).
func NewGateSet(dim int) (*GateSet, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be > 0, got %d", dim)
	}
	return &GateSet{
		dim:   dim,
		preps: make(map[string]SPAMVec),
		povms: make(map[string]*POVM),
		gates: make(map[string]Gate),
	}, nil
}

func (gs *GateSet) Dim() int { return gs.dim }

func (gs *GateSet) AddPrep(label string, prep SPAMVec) error {
	if label == "" {
		return fmt.Errorf("prep label is required")
	}
	if _, exists := gs.preps[label]; exists {
		return fmt.Errorf("duplicate prep label: %s", label)
	}
	if prep.Vector().Len() != gs.dim {
		return fmt.Errorf("prep %s has dimension %d, model is %d", label, prep.Vector().Len(), gs.dim)
	}
	gs.prepLabels = append(gs.prepLabels, label)
	gs.preps[label] = prep
	return nil
}

func (gs *GateSet) AddPOVM(label string, povm *POVM) error {
	if label == "" {
		return fmt.Errorf("povm label is required")
	}
	if _, exists := gs.povms[label]; exists {
		return fmt.Errorf("duplicate povm label: %s", label)
	}
	if len(povm.Outcomes) == 0 {
		return fmt.Errorf("povm %s has no outcomes", label)
	}
	for _, outcome := range povm.Outcomes {
		effect, ok := povm.Effects[outcome]
		if !ok {
			return fmt.Errorf("povm %s is missing effect for outcome %s", label, outcome)
		}
		if effect.Vector().Len() != gs.dim {
			return fmt.Errorf("povm %s effect %s has dimension %d, model is %d", label, outcome, effect.Vector().Len(), gs.dim)
		}
	}
	gs.povmLabels = append(gs.povmLabels, label)
	gs.povms[label] = povm
	return nil
}

func (gs *GateSet) AddGate(label string, gate Gate) error {
	if label == "" {
		return fmt.Errorf("gate label is required")
	}
	if _, exists := gs.gates[label]; exists {
		return fmt.Errorf("duplicate gate label: %s", label)
	}
	r, c := gate.Matrix().Dims()
	if r != gs.dim || c != gs.dim {
		return fmt.Errorf("gate %s is %dx%d, model is %d", label, r, c, gs.dim)
	}
	gs.gateLabels = append(gs.gateLabels, label)
	gs.gates[label] = gate
	return nil
}

func (gs *GateSet) PrepLabels() []string { return append([]string(nil), gs.prepLabels...) }
func (gs *GateSet) POVMLabels() []string { return append([]string(nil), gs.povmLabels...) }
func (gs *GateSet) GateLabels() []string { return append([]string(nil), gs.gateLabels...) }

func (gs *GateSet) Prep(label string) (SPAMVec, bool) {
	p, ok := gs.preps[label]
	return p, ok
}

func (gs *GateSet) POVM(label string) (*POVM, bool) {
	p, ok := gs.povms[label]
	return p, ok
}

func (gs *GateSet) Gate(label string) (Gate, bool) {
	g, ok := gs.gates[label]
	return g, ok
}

// DefaultPrep is the first registered preparation; circuits that do not name
// one use it.
func (gs *GateSet) DefaultPrep() (string, SPAMVec, error) {
	if len(gs.prepLabels) == 0 {
		return "", nil, fmt.Errorf("model has no preparations")
	}
	label := gs.prepLabels[0]
	return label, gs.preps[label], nil
}

// DefaultPOVM is the first registered POVM.
func (gs *GateSet) DefaultPOVM() (string, *POVM, error) {
	if len(gs.povmLabels) == 0 {
		return "", nil, fmt.Errorf("model has no povms")
	}
	label := gs.povmLabels[0]
	return label, gs.povms[label], nil
}

// operations yields every parameterized operation in flat-vector order.
func (gs *GateSet) operations() []paramSlot {
	slots := make([]paramSlot, 0, len(gs.prepLabels)+len(gs.povmLabels)+len(gs.gateLabels))
	for _, label := range gs.prepLabels {
		slots = append(slots, paramSlot{kind: slotPrep, label: label, vec: gs.preps[label]})
	}
	for _, label := range gs.povmLabels {
		povm := gs.povms[label]
		for _, outcome := range povm.Outcomes {
			slots = append(slots, paramSlot{kind: slotEffect, label: label, outcome: outcome, vec: povm.Effects[outcome]})
		}
	}
	for _, label := range gs.gateLabels {
		slots = append(slots, paramSlot{kind: slotGate, label: label, gate: gs.gates[label]})
	}
	return slots
}

type slotKind int

const (
	slotPrep slotKind = iota
	slotEffect
	slotGate
)

type paramSlot struct {
	kind    slotKind
	label   string
	outcome string
	gate    Gate
	vec     SPAMVec
}

func (s paramSlot) numParams() int {
	if s.kind == slotGate {
		return s.gate.NumParams()
	}
	return s.vec.NumParams()
}

// NumParams is the total free parameter count: the sum over every operation's
// own count (operations share no parameters).
func (gs *GateSet) NumParams() int {
	total := 0
	for _, slot := range gs.operations() {
		total += slot.numParams()
	}
	return total
}

// Params returns a copy of the flat parameter vector.
func (gs *GateSet) Params() []float64 {
	out := make([]float64, gs.NumParams())
	offset := 0
	for _, slot := range gs.operations() {
		n := slot.numParams()
		if n == 0 {
			continue
		}
		if slot.kind == slotGate {
			slot.gate.Params(out[offset : offset+n])
		} else {
			slot.vec.Params(out[offset : offset+n])
		}
		offset += n
	}
	return out
}

// SetParams distributes a flat parameter vector to every operation in place.
func (gs *GateSet) SetParams(p []float64) error {
	if len(p) != gs.NumParams() {
		return fmt.Errorf("expected %d params, got %d", gs.NumParams(), len(p))
	}
	offset := 0
	for _, slot := range gs.operations() {
		n := slot.numParams()
		if n == 0 {
			continue
		}
		var err error
		if slot.kind == slotGate {
			err = slot.gate.SetParams(p[offset : offset+n])
		} else {
			err = slot.vec.SetParams(p[offset : offset+n])
		}
		if err != nil {
			return fmt.Errorf("set params for %s: %w", slot.label, err)
		}
		offset += n
	}
	return nil
}

// ParamOffset returns the flat-vector offset and parameter count of the named
// gate, used by Jacobian assembly.
func (gs *GateSet) ParamOffset(kind string, label, outcome string) (offset, count int, err error) {
	pos := 0
	for _, slot := range gs.operations() {
		n := slot.numParams()
		match := false
		switch slot.kind {
		case slotPrep:
			match = kind == "prep" && slot.label == label
		case slotEffect:
			match = kind == "effect" && slot.label == label && slot.outcome == outcome
		case slotGate:
			match = kind == "gate" && slot.label == label
		}
		if match {
			return pos, n, nil
		}
		pos += n
	}
	return 0, 0, fmt.Errorf("no %s operation %s in model", kind, label)
}

// Copy returns an independent deep copy; frozen stage results are copies.
func (gs *GateSet) Copy() *GateSet {
	out := &GateSet{
		dim:        gs.dim,
		prepLabels: append([]string(nil), gs.prepLabels...),
		preps:      make(map[string]SPAMVec, len(gs.preps)),
		povmLabels: append([]string(nil), gs.povmLabels...),
		povms:      make(map[string]*POVM, len(gs.povms)),
		gateLabels: append([]string(nil), gs.gateLabels...),
		gates:      make(map[string]Gate, len(gs.gates)),
	}
	for label, prep := range gs.preps {
		out.preps[label] = prep.Copy()
	}
	for label, povm := range gs.povms {
		out.povms[label] = povm.Copy()
	}
	for label, gate := range gs.gates {
		out.gates[label] = gate.Copy()
	}
	return out
}

// Transform applies a gauge transformation in place: every gate becomes
// Sinv*G*S, preparations become Sinv*rho, and effects become S^T*e. Predicted
// probabilities are unchanged. Operations that cannot absorb the transform
// make the whole call fail with NotGaugeTransformableError before anything is
// modified.
func (gs *GateSet) Transform(s *mat.Dense) error {
	r, c := s.Dims()
	if r != gs.dim || c != gs.dim {
		return fmt.Errorf("transform is %dx%d, model is %d", r, c, gs.dim)
	}
	var sinv mat.Dense
	if err := sinv.Inverse(s); err != nil {
		return fmt.Errorf("gauge transform is not invertible: %w", err)
	}

	for _, label := range gs.gateLabels {
		if _, ok := gs.gates[label].(gaugeTransformableGate); !ok {
			return &NotGaugeTransformableError{Label: label, Kind: "gate"}
		}
	}
	for _, label := range gs.prepLabels {
		if _, ok := gs.preps[label].(gaugeTransformableVec); !ok {
			return &NotGaugeTransformableError{Label: label, Kind: "prep"}
		}
	}
	for _, label := range gs.povmLabels {
		povm := gs.povms[label]
		for _, outcome := range povm.Outcomes {
			if _, ok := povm.Effects[outcome].(gaugeTransformableVec); !ok {
				return &NotGaugeTransformableError{Label: label + ":" + outcome, Kind: "effect"}
			}
		}
	}

	for _, label := range gs.gateLabels {
		if err := gs.gates[label].(gaugeTransformableGate).applyGauge(s, &sinv); err != nil {
			return fmt.Errorf("gauge transform gate %s: %w", label, err)
		}
	}
	for _, label := range gs.prepLabels {
		prep := gs.preps[label]
		var v mat.VecDense
		v.MulVec(&sinv, prep.Vector())
		if err := prep.(gaugeTransformableVec).setVector(&v); err != nil {
			return fmt.Errorf("gauge transform prep %s: %w", label, err)
		}
	}
	for _, label := range gs.povmLabels {
		povm := gs.povms[label]
		for _, outcome := range povm.Outcomes {
			effect := povm.Effects[outcome]
			var v mat.VecDense
			v.MulVec(s.T(), effect.Vector())
			if err := effect.(gaugeTransformableVec).setVector(&v); err != nil {
				return fmt.Errorf("gauge transform effect %s:%s: %w", label, outcome, err)
			}
		}
	}
	return nil
}

// FrobeniusDistance is the square root of the summed squared element-wise
// differences over all operations, with separate weights for gate versus SPAM
// objects. Both models must share labels and dimensions.
func (gs *GateSet) FrobeniusDistance(other *GateSet, gateWeight, spamWeight float64) (float64, error) {
	sq, err := gs.frobeniusSquared(other, gateWeight, spamWeight)
	if err != nil {
		return 0, err
	}
	return sqrtNonNeg(sq), nil
}

func (gs *GateSet) frobeniusSquared(other *GateSet, gateWeight, spamWeight float64) (float64, error) {
	if other.dim != gs.dim {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", gs.dim, other.dim)
	}
	total := 0.0
	for _, label := range gs.gateLabels {
		o, ok := other.gates[label]
		if !ok {
			return 0, fmt.Errorf("other model is missing gate %s", label)
		}
		var diff mat.Dense
		diff.Sub(gs.gates[label].Matrix(), o.Matrix())
		n := mat.Norm(&diff, 2)
		total += gateWeight * n * n
	}
	for _, label := range gs.prepLabels {
		o, ok := other.preps[label]
		if !ok {
			return 0, fmt.Errorf("other model is missing prep %s", label)
		}
		var diff mat.VecDense
		diff.SubVec(gs.preps[label].Vector(), o.Vector())
		n := mat.Norm(&diff, 2)
		total += spamWeight * n * n
	}
	for _, label := range gs.povmLabels {
		opovm, ok := other.povms[label]
		if !ok {
			return 0, fmt.Errorf("other model is missing povm %s", label)
		}
		povm := gs.povms[label]
		for _, outcome := range povm.Outcomes {
			oeffect, ok := opovm.Effects[outcome]
			if !ok {
				return 0, fmt.Errorf("other model is missing effect %s:%s", label, outcome)
			}
			var diff mat.VecDense
			diff.SubVec(povm.Effects[outcome].Vector(), oeffect.Vector())
			n := mat.Norm(&diff, 2)
			total += spamWeight * n * n
		}
	}
	return total, nil
}

func sqrtNonNeg(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}
