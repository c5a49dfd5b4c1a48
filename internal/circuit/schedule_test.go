package circuit

import "testing"

func standardInputs() (preps, meas, germs []Circuit, lengths []int) {
	fids := []Circuit{New(), New("Gx"), New("Gy")}
	germs = []Circuit{New("Gx"), New("Gy"), New("Gx", "Gy")}
	return fids, fids, germs, []int{1, 2, 4}
}

func TestBuildScheduleNesting(t *testing.T) {
	preps, meas, germs, lengths := standardInputs()
	sched, err := BuildSchedule(preps, meas, germs, lengths)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(sched.Stages) != len(lengths) {
		t.Fatalf("stage count: %d", len(sched.Stages))
	}
	for i := 1; i < len(sched.Stages); i++ {
		if len(sched.Stages[i].Circuits) < len(sched.Stages[i-1].Circuits) {
			t.Fatalf("stage %d smaller than stage %d", i, i-1)
		}
	}
	if err := sched.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBuildScheduleSupersets(t *testing.T) {
	preps, meas, germs, lengths := standardInputs()
	sched, err := BuildSchedule(preps, meas, germs, lengths)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 1; i < len(sched.Stages); i++ {
		prev := make(map[string]struct{}, len(sched.Stages[i-1].Circuits))
		for _, c := range sched.Stages[i-1].Circuits {
			prev[c.Key()] = struct{}{}
		}
		seen := make(map[string]struct{}, len(sched.Stages[i].Circuits))
		for _, c := range sched.Stages[i].Circuits {
			seen[c.Key()] = struct{}{}
		}
		for key := range prev {
			if _, ok := seen[key]; !ok {
				t.Fatalf("stage %d dropped circuit %s", i, key)
			}
		}
	}
}

func TestBuildScheduleDeduplicates(t *testing.T) {
	preps, meas, germs, lengths := standardInputs()
	sched, err := BuildSchedule(preps, meas, germs, lengths)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	all := sched.AllCircuits()
	seen := make(map[string]struct{}, len(all))
	for _, c := range all {
		if _, dup := seen[c.Key()]; dup {
			t.Fatalf("duplicate circuit %s", c.Key())
		}
		seen[c.Key()] = struct{}{}
	}
}

func TestBuildScheduleGermPower(t *testing.T) {
	fids := []Circuit{New()}
	germs := []Circuit{New("Gx", "Gy")}
	sched, err := BuildSchedule(fids, fids, germs, []int{4})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// A length-2 germ at max length 4 appears squared.
	want := New("Gx", "Gy", "Gx", "Gy").Key()
	found := false
	for _, c := range sched.Stages[0].Circuits {
		if c.Key() == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in stage circuits", want)
	}
}

func TestBuildScheduleRequiresInputs(t *testing.T) {
	fids := []Circuit{New()}
	if _, err := BuildSchedule(nil, fids, fids, []int{1}); err == nil {
		t.Fatal("expected error for missing prep fiducials")
	}
	if _, err := BuildSchedule(fids, fids, fids, nil); err == nil {
		t.Fatal("expected error for missing lengths")
	}
}
