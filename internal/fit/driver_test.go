package fit

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/gauge"
	"gatefit/internal/model"
	"gatefit/internal/objective"
)

func TestRunExactDataAtTruth(t *testing.T) {
	// Fitting exact data generated by the target itself starts at the global
	// minimum; every stage should converge immediately at value ~0.
	truth := depolarizedQubit(t, model.ParamTP, 0.05)
	sched := stdSchedule(t, 1, 2)
	ds := exactDataset(t, truth, sched.AllCircuits())

	res, err := Run(context.Background(), ds, Config{
		Target:   truth,
		Schedule: sched,
		Seed:     SeedTarget,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Model == nil {
		t.Fatal("nil model")
	}
	if res.FinalValue > 1e-6 {
		t.Fatalf("final value %g, want ~0", res.FinalValue)
	}
	if res.NonMonotonic {
		t.Fatal("unexpected non-monotonic flag")
	}
	if res.SeedFellBack {
		t.Fatal("target seed cannot fall back")
	}
	if len(res.Stages) < len(sched.Stages) {
		t.Fatalf("got %d stage records, want >= %d", len(res.Stages), len(sched.Stages))
	}
	for i, sr := range res.Stages[:len(sched.Stages)] {
		if sr.Objective != "chi2" {
			t.Fatalf("stage %d objective %q", i, sr.Objective)
		}
		if sr.NumCircuits == 0 || sr.NumConstraints == 0 {
			t.Fatalf("stage %d missing constraint counts: %+v", i, sr)
		}
		if sr.MaxLength != sched.Stages[i].MaxLength {
			t.Fatalf("stage %d max length %d, want %d", i, sr.MaxLength, sched.Stages[i].MaxLength)
		}
	}
	if res.DegreesOfFreedom <= 0 {
		t.Fatalf("degrees of freedom %d", res.DegreesOfFreedom)
	}
	if res.PValue < 0.99 {
		t.Fatalf("p-value %g for a perfect fit", res.PValue)
	}
	if res.Elapsed <= 0 {
		t.Fatal("elapsed not recorded")
	}
	if len(res.StageModels) != len(sched.Stages) {
		t.Fatalf("got %d stage models, want %d", len(res.StageModels), len(sched.Stages))
	}
}

func TestRunStageTracesDecrease(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamTP, 0.1)
	target := depolarizedQubit(t, model.ParamTP, 0)
	sched := stdSchedule(t, 1, 2)
	ds := sampledDataset(t, truth, sched.AllCircuits(), 2000, 5)

	res, err := Run(context.Background(), ds, Config{
		Target:   target,
		Schedule: sched,
		Seed:     SeedTarget,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, sr := range res.Stages {
		for k := 1; k < len(sr.Trace); k++ {
			if sr.Trace[k] > sr.Trace[k-1] {
				t.Fatalf("stage %d trace rises at step %d: %v", i, k, sr.Trace[k-1:k+1])
			}
		}
	}
}

func TestRunLGSTSeedFitsSampledData(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamTP, 0.1)
	target := depolarizedQubit(t, model.ParamTP, 0)
	sched := stdSchedule(t, 1, 2)
	ds := sampledDataset(t, truth, sched.AllCircuits(), 5000, 17)

	res, err := Run(context.Background(), ds, Config{
		Target:        target,
		Schedule:      sched,
		PrepFiducials: stdFiducials(),
		MeasFiducials: stdFiducials(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SeedFellBack {
		t.Fatalf("seed fell back: %s", res.SeedMessage)
	}
	if res.Model == nil {
		t.Fatal("nil model")
	}
	if math.IsNaN(res.FinalValue) || math.IsInf(res.FinalValue, 0) {
		t.Fatalf("final value %g", res.FinalValue)
	}
	if res.UnderDetermined {
		t.Fatal("fit should be well determined")
	}
	if res.DegreesOfFreedom <= 0 {
		t.Fatalf("degrees of freedom %d", res.DegreesOfFreedom)
	}
	if res.PValue < 0 || res.PValue > 1 {
		t.Fatalf("p-value %g", res.PValue)
	}

	// The estimate must describe the data better than the ideal target does.
	chi2 := objective.NewChiSquared(objective.Config{}, clampSim(t))
	fitted, err := chi2.Evaluate(context.Background(), res.Model, ds, sched.AllCircuits())
	if err != nil {
		t.Fatalf("evaluate fitted: %v", err)
	}
	ideal, err := chi2.Evaluate(context.Background(), target, ds, sched.AllCircuits())
	if err != nil {
		t.Fatalf("evaluate target: %v", err)
	}
	if fitted.Value >= ideal.Value {
		t.Fatalf("fit %g did not improve on target %g", fitted.Value, ideal.Value)
	}
}

func TestRunSeedFallsBackWithoutEmptyFiducial(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamTP, 0.05)
	sched := stdSchedule(t, 1)
	ds := exactDataset(t, truth, sched.AllCircuits())

	noEmpty := []circuit.Circuit{
		circuit.New("Gx"),
		circuit.New("Gy"),
		circuit.New("Gx", "Gx"),
		circuit.New("Gy", "Gy"),
	}
	res, err := Run(context.Background(), ds, Config{
		Target:        depolarizedQubit(t, model.ParamTP, 0),
		Schedule:      sched,
		PrepFiducials: noEmpty,
		MeasFiducials: noEmpty,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.SeedFellBack {
		t.Fatal("expected seed fallback")
	}
	if res.SeedMessage == "" {
		t.Fatal("fallback should carry the seed error")
	}
	if res.Model == nil {
		t.Fatal("nil model after fallback")
	}
}

func TestRunTimeout(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamTP, 0.05)
	sched := stdSchedule(t, 1)
	ds := exactDataset(t, truth, sched.AllCircuits())

	res, err := Run(context.Background(), ds, Config{
		Target:                  truth,
		Schedule:                sched,
		Seed:                    SeedTarget,
		SkipFinalStatRefinement: true,
		LevMar:                  LevMarConfig{Deadline: time.Now().Add(-time.Second)},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Stages[0].TimedOut {
		t.Fatalf("expected timed-out stage: %+v", res.Stages[0])
	}
	if res.Model == nil {
		t.Fatal("timeout should still return the best model")
	}
}

func TestRunFlagsUnderDeterminedFit(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamFull, 0.05)
	short := []circuit.Circuit{circuit.New(), circuit.New("Gx")}
	sched, err := circuit.BuildSchedule(short, short, []circuit.Circuit{circuit.New("Gx")}, []int{1})
	if err != nil {
		t.Fatalf("build schedule: %v", err)
	}
	ds := exactDataset(t, truth, sched.AllCircuits())

	res, err := Run(context.Background(), ds, Config{
		Target:                  truth,
		Schedule:                sched,
		Seed:                    SeedTarget,
		SkipFinalStatRefinement: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.UnderDetermined {
		t.Fatal("expected under-determined flag for a full model on a tiny circuit set")
	}
	if res.DegreesOfFreedom > 0 {
		t.Fatalf("degrees of freedom %d should not be positive", res.DegreesOfFreedom)
	}
	if !math.IsNaN(res.PValue) {
		t.Fatalf("p-value should be NaN, got %g", res.PValue)
	}
}

func TestRunRobustScalingRecordsStage(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamTP, 0.1)
	target := depolarizedQubit(t, model.ParamTP, 0)
	sched := stdSchedule(t, 1, 2)
	ds := sampledDataset(t, truth, sched.AllCircuits(), 2000, 99)

	res, err := Run(context.Background(), ds, Config{
		Target:           target,
		Schedule:         sched,
		PrepFiducials:    stdFiducials(),
		MeasFiducials:    stdFiducials(),
		RobustScaling:    true,
		OutlierThreshold: 1e-6, // force every circuit to look like an outlier
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var robust *StageResult
	for i := range res.Stages {
		if res.Stages[i].Objective == "chi2-robust" {
			robust = &res.Stages[i]
		}
	}
	if robust == nil {
		t.Fatal("expected a robust refit stage")
	}
	if len(res.RobustWeights) == 0 {
		t.Fatal("expected robust weights on the result")
	}
	anyDown := false
	for _, w := range res.RobustWeights {
		if w < 1 {
			anyDown = true
		}
		if w <= 0 || w > 1 {
			t.Fatalf("weight %g out of range", w)
		}
	}
	if !anyDown {
		t.Fatal("threshold should have down-weighted at least one circuit")
	}
}

func TestRunFailsWhenNoStageSucceeds(t *testing.T) {
	truth := depolarizedQubit(t, model.ParamTP, 0.05)
	sched := stdSchedule(t, 1)
	// The dataset covers none of the schedule's circuits, so every stage
	// evaluation fails and the run has no estimate to return.
	ds := exactDataset(t, truth, []circuit.Circuit{circuit.New("Gy", "Gy", "Gy", "Gy", "Gy")})

	_, err := Run(context.Background(), ds, Config{
		Target:   truth,
		Schedule: sched,
		Seed:     SeedTarget,
	})
	if err == nil {
		t.Fatal("expected an error when every stage fails")
	}
	if !strings.Contains(err.Error(), "every stage failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunGaugeOptimizedFitBeatsTarget(t *testing.T) {
	// Data sampled from a weakly depolarized model: the fitted estimate,
	// brought into the target's frame, must sit closer to the generator than
	// the unfit ideal target does.
	target := depolarizedQubit(t, model.ParamTP, 0)
	truth := depolarizedQubit(t, model.ParamTP, 0.01)
	sched := stdSchedule(t, 1, 2, 4, 8)
	ds := sampledDataset(t, truth, sched.AllCircuits(), 1000, 23)

	res, err := Run(context.Background(), ds, Config{
		Target:        target,
		Schedule:      sched,
		PrepFiducials: stdFiducials(),
		MeasFiducials: stdFiducials(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SeedFellBack {
		t.Fatalf("seed fell back: %s", res.SeedMessage)
	}

	gres, err := gauge.Optimize(context.Background(), res.Model, target, gauge.Config{})
	if err != nil {
		t.Fatalf("gauge optimize: %v", err)
	}
	fittedDist, err := gres.Model.FrobeniusDistance(truth, 1, 1e-4)
	if err != nil {
		t.Fatalf("fitted distance: %v", err)
	}
	targetDist, err := target.FrobeniusDistance(truth, 1, 1e-4)
	if err != nil {
		t.Fatalf("target distance: %v", err)
	}
	if fittedDist >= targetDist {
		t.Fatalf("fitted estimate at distance %g did not improve on the unfit target at %g", fittedDist, targetDist)
	}
}

func TestRunExactDataRecoversTarget(t *testing.T) {
	// Noiseless, infinite-statistics limit: the full pipeline, seeded by
	// linear inversion from the data alone, must land on the generator.
	target := depolarizedQubit(t, model.ParamTP, 0)
	sched := stdSchedule(t, 1, 2, 4, 8)
	ds := exactDataset(t, target, sched.AllCircuits())

	res, err := Run(context.Background(), ds, Config{
		Target:        target,
		Schedule:      sched,
		PrepFiducials: stdFiducials(),
		MeasFiducials: stdFiducials(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SeedFellBack {
		t.Fatalf("seed fell back: %s", res.SeedMessage)
	}
	dist, err := res.Model.FrobeniusDistance(target, 1, 1)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if dist > 1e-6 {
		t.Fatalf("recovered model is %g from the generator", dist)
	}
}

func TestRunOffFrameSeedGaugeRestoresTarget(t *testing.T) {
	// A seed that is gauge-equivalent to the generator already reproduces the
	// exact data, so the fit keeps its frame; gauge optimization is what
	// brings the estimate back to the target.
	target := depolarizedQubit(t, model.ParamTP, 0)
	seed := target.Copy()
	s := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0.02, 1, 0.03, 0,
		0, 0, 1, 0.02,
		0.01, 0, 0, 1,
	})
	if err := seed.Transform(s); err != nil {
		t.Fatalf("transform: %v", err)
	}
	sched := stdSchedule(t, 1, 2)
	ds := exactDataset(t, target, sched.AllCircuits())

	res, err := Run(context.Background(), ds, Config{
		Target:                  target,
		Schedule:                sched,
		Seed:                    SeedModel,
		SeedModel:               seed,
		SkipFinalStatRefinement: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalValue > 1e-9 {
		t.Fatalf("gauge-equivalent seed should fit exactly, got %g", res.FinalValue)
	}

	gres, err := gauge.Optimize(context.Background(), res.Model, target, gauge.Config{})
	if err != nil {
		t.Fatalf("gauge optimize: %v", err)
	}
	dist, err := gres.Model.FrobeniusDistance(target, 1, 1)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if dist > 1e-4 {
		t.Fatalf("gauge optimization left the estimate %g from the target", dist)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	sched := stdSchedule(t, 1)
	ds := exactDataset(t, depolarizedQubit(t, model.ParamTP, 0), sched.AllCircuits())

	if _, err := Run(context.Background(), ds, Config{Schedule: sched}); err == nil {
		t.Fatal("expected error for missing target")
	}
	target := depolarizedQubit(t, model.ParamTP, 0)
	if _, err := Run(context.Background(), ds, Config{Target: target}); err == nil {
		t.Fatal("expected error for empty schedule")
	}
	if _, err := Run(context.Background(), ds, Config{Target: target, Schedule: sched, Seed: "annealing"}); err == nil {
		t.Fatal("expected error for unknown seed mode")
	}
	if _, err := Run(context.Background(), ds, Config{Target: target, Schedule: sched, Seed: SeedModel}); err == nil {
		t.Fatal("expected error for model seed without a model")
	}
	if _, err := Run(context.Background(), nil, Config{Target: target, Schedule: sched}); err == nil {
		t.Fatal("expected error for nil dataset")
	}
}
