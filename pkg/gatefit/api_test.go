package gatefit

import (
	"context"
	"testing"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func stdRequestInputs() (fids, germs []string, lengths []int) {
	fids = []string{"{}", "Gx", "Gy", "Gx:Gx"}
	germs = []string{"Gi", "Gx", "Gy"}
	lengths = []int{1, 2}
	return fids, germs, lengths
}

func saveTestTargets(t *testing.T, c *Client, param string) {
	t.Helper()
	ctx := context.Background()
	if err := c.SaveTarget(ctx, TargetRequest{Name: "ideal", Parameterization: param}); err != nil {
		t.Fatalf("save ideal: %v", err)
	}
	if err := c.SaveTarget(ctx, TargetRequest{Name: "truth", Parameterization: param, Depolarization: 0.1}); err != nil {
		t.Fatalf("save truth: %v", err)
	}
}

func TestNewRejectsUnknownStore(t *testing.T) {
	if _, err := New(Options{StoreKind: "redis"}); err == nil {
		t.Fatal("expected error for unknown store kind")
	}
}

func TestSaveTargetValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	if err := c.SaveTarget(ctx, TargetRequest{}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if err := c.SaveTarget(ctx, TargetRequest{Name: "x", Parameterization: "diagonal"}); err == nil {
		t.Fatal("expected error for unknown parameterization")
	}
}

func TestSimulateRequiresTarget(t *testing.T) {
	c := newTestClient(t)
	fids, germs, lengths := stdRequestInputs()
	_, err := c.Simulate(context.Background(), SimulateRequest{
		PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths,
	})
	if err == nil {
		t.Fatal("expected error for missing target name")
	}
}

func TestSimulateAndFitEndToEnd(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveTestTargets(t, c, "TP")
	fids, germs, lengths := stdRequestInputs()

	simSummary, err := c.Simulate(ctx, SimulateRequest{
		DatasetID:     "ds-1",
		TargetName:    "truth",
		PrepFiducials: fids,
		MeasFiducials: fids,
		Germs:         germs,
		MaxLengths:    lengths,
		Shots:         2000,
		Seed:          5,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if simSummary.DatasetID != "ds-1" || simSummary.NumCircuits == 0 {
		t.Fatalf("summary %+v", simSummary)
	}

	fitSummary, err := c.Fit(ctx, FitRequest{
		DatasetID:     "ds-1",
		TargetName:    "ideal",
		PrepFiducials: fids,
		MeasFiducials: fids,
		Germs:         germs,
		MaxLengths:    lengths,
		SkipGauge:     true,
	})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if fitSummary.EstimateID == "" {
		t.Fatal("no estimate ID")
	}
	if fitSummary.DatasetID != "ds-1" {
		t.Fatalf("dataset id %q", fitSummary.DatasetID)
	}
	if fitSummary.Stages == 0 {
		t.Fatal("no stages recorded")
	}
	if fitSummary.SeedFellBack {
		t.Fatal("linear-inversion seed should have worked")
	}
	if fitSummary.DegreesOfFreedom <= 0 {
		t.Fatalf("degrees of freedom %d", fitSummary.DegreesOfFreedom)
	}
	if len(fitSummary.GaugeDistances) != 0 {
		t.Fatalf("gauge was skipped but distances present: %v", fitSummary.GaugeDistances)
	}

	items, err := c.Estimates(ctx, 0)
	if err != nil {
		t.Fatalf("estimates: %v", err)
	}
	if len(items) != 1 || items[0].ID != fitSummary.EstimateID {
		t.Fatalf("items %+v", items)
	}
	if items[0].CreatedAtUTC == "" || len(items[0].MaxLengths) != 2 {
		t.Fatalf("item %+v", items[0])
	}
}

func TestFitWithStandardGaugeSuite(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveTestTargets(t, c, "full")
	fids, germs, lengths := stdRequestInputs()

	if _, err := c.Simulate(ctx, SimulateRequest{
		DatasetID: "ds-g", TargetName: "truth",
		PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths,
		Shots: 2000, Seed: 9,
	}); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	summary, err := c.Fit(ctx, FitRequest{
		DatasetID: "ds-g", TargetName: "ideal",
		PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths,
		GaugeWorkers: 2,
	})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(summary.GaugeDistances) != 3 {
		t.Fatalf("gauge distances %v", summary.GaugeDistances)
	}
	for name, d := range summary.GaugeDistances {
		if d < 0 {
			t.Fatalf("suite %s distance %g", name, d)
		}
	}
}

func TestFitValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	fids, germs, lengths := stdRequestInputs()

	if _, err := c.Fit(ctx, FitRequest{TargetName: "ideal",
		PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths}); err == nil {
		t.Fatal("expected error for missing dataset ID")
	}
	if _, err := c.Fit(ctx, FitRequest{DatasetID: "ds",
		PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths}); err == nil {
		t.Fatal("expected error for missing target name")
	}
	if _, err := c.Fit(ctx, FitRequest{DatasetID: "ds", TargetName: "ideal",
		PrepFiducials: []string{"Gx::"}, MeasFiducials: fids, Germs: germs, MaxLengths: lengths}); err == nil {
		t.Fatal("expected error for unparsable fiducial")
	}
}

func TestEstimatesLimit(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveTestTargets(t, c, "TP")
	fids, germs, lengths := stdRequestInputs()

	for _, ds := range []string{"a", "b"} {
		if _, err := c.Simulate(ctx, SimulateRequest{
			DatasetID: ds, TargetName: "truth",
			PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths,
			Shots: 500, Seed: 1,
		}); err != nil {
			t.Fatalf("simulate %s: %v", ds, err)
		}
		if _, err := c.Fit(ctx, FitRequest{
			DatasetID: ds, TargetName: "ideal",
			PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths,
			SkipGauge: true,
		}); err != nil {
			t.Fatalf("fit %s: %v", ds, err)
		}
	}

	all, err := c.Estimates(ctx, 0)
	if err != nil {
		t.Fatalf("estimates: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d estimates", len(all))
	}
	one, err := c.Estimates(ctx, 1)
	if err != nil {
		t.Fatalf("estimates: %v", err)
	}
	if len(one) != 1 || one[0].ID != all[1].ID {
		t.Fatalf("limited list %+v", one)
	}
}

func TestResetDropsState(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveTestTargets(t, c, "TP")

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	fids, germs, lengths := stdRequestInputs()
	if _, err := c.Simulate(ctx, SimulateRequest{
		TargetName:    "truth",
		PrepFiducials: fids, MeasFiducials: fids, Germs: germs, MaxLengths: lengths,
	}); err == nil {
		t.Fatal("reset should have dropped stored targets")
	}
}
