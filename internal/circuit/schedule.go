package circuit

import "fmt"

// Stage is one entry in the fitting schedule: every circuit to fit against at
// a given maximum germ-power length.
type Stage struct {
	MaxLength int
	Circuits  []Circuit
}

// Schedule is an ordered list of circuit sets of increasing maximum length.
// Each stage's set is a superset of the previous stage's set.
type Schedule struct {
	Stages []Stage
}

// BuildSchedule constructs the standard nested circuit sets
// prepFiducial + germ^k + measFiducial, where germ^k is the longest power of
// the germ that fits within each stage's maximum length. Stage sets
// accumulate, so later stages contain every earlier circuit.
func BuildSchedule(prepFiducials, measFiducials, germs []Circuit, lengths []int) (Schedule, error) {
	if len(prepFiducials) == 0 {
		return Schedule{}, fmt.Errorf("preparation fiducials are required")
	}
	if len(measFiducials) == 0 {
		return Schedule{}, fmt.Errorf("measurement fiducials are required")
	}
	if len(germs) == 0 {
		return Schedule{}, fmt.Errorf("germs are required")
	}
	if len(lengths) == 0 {
		return Schedule{}, fmt.Errorf("lengths are required")
	}
	for i, length := range lengths {
		if length <= 0 {
			return Schedule{}, fmt.Errorf("length must be > 0 at index %d", i)
		}
		if i > 0 && length <= lengths[i-1] {
			return Schedule{}, fmt.Errorf("lengths must be strictly increasing at index %d", i)
		}
	}
	for i, germ := range germs {
		if germ.Len() == 0 {
			return Schedule{}, fmt.Errorf("germ must be non-empty at index %d", i)
		}
	}

	seen := make(map[string]struct{})
	accumulated := make([]Circuit, 0)
	add := func(c Circuit) {
		key := c.Key()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		accumulated = append(accumulated, c)
	}

	// Fiducial pairs alone (germ power zero) anchor SPAM and seed LGST.
	for _, prep := range prepFiducials {
		for _, meas := range measFiducials {
			add(prep.Append(meas))
		}
	}

	stages := make([]Stage, 0, len(lengths))
	for _, length := range lengths {
		for _, germ := range germs {
			power := length / germ.Len()
			if power < 1 {
				power = 1
			}
			repeated := Repeat(germ, power)
			for _, prep := range prepFiducials {
				for _, meas := range measFiducials {
					add(prep.Append(repeated).Append(meas))
				}
			}
		}
		stages = append(stages, Stage{
			MaxLength: length,
			Circuits:  append([]Circuit(nil), accumulated...),
		})
	}

	s := Schedule{Stages: stages}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Validate checks the nested-superset invariant between consecutive stages.
func (s Schedule) Validate() error {
	if len(s.Stages) == 0 {
		return fmt.Errorf("schedule has no stages")
	}
	prev := make(map[string]struct{})
	prevLength := 0
	for i, stage := range s.Stages {
		if len(stage.Circuits) == 0 {
			return fmt.Errorf("stage %d has no circuits", i)
		}
		if i > 0 && stage.MaxLength <= prevLength {
			return fmt.Errorf("stage %d max length %d does not exceed previous %d", i, stage.MaxLength, prevLength)
		}
		current := make(map[string]struct{}, len(stage.Circuits))
		for _, c := range stage.Circuits {
			current[c.Key()] = struct{}{}
		}
		for key := range prev {
			if _, ok := current[key]; !ok {
				return fmt.Errorf("stage %d is missing circuit %s from stage %d", i, key, i-1)
			}
		}
		prev = current
		prevLength = stage.MaxLength
	}
	return nil
}

// AllCircuits returns the final (largest) stage's circuit set.
func (s Schedule) AllCircuits() []Circuit {
	if len(s.Stages) == 0 {
		return nil
	}
	last := s.Stages[len(s.Stages)-1]
	return append([]Circuit(nil), last.Circuits...)
}
