package storage

import (
	"context"
	"testing"

	"gatefit/internal/dataset"
	"gatefit/internal/estimate"
	"gatefit/internal/fit"
	"gatefit/internal/model"
)

func testDatasetRecord(id string) dataset.Record {
	return dataset.Record{
		ID: id,
		Rows: []dataset.RowRecord{
			{Key: "{}", Counts: map[string]float64{"0": 98, "1": 2}},
			{Key: "Gx", Counts: map[string]float64{"0": 51, "1": 49}},
		},
	}
}

func testEstimate(t *testing.T, id string) estimate.Estimate {
	t.Helper()
	target, err := model.StandardQubit(model.ParamTP)
	if err != nil {
		t.Fatalf("standard qubit: %v", err)
	}
	est, err := estimate.New("ds", []int{1}, target, &fit.RunResult{Model: target.Copy()}, nil,
		CurrentSchemaVersion, CurrentCodecVersion)
	if err != nil {
		t.Fatalf("new estimate: %v", err)
	}
	if id != "" {
		est.ID = id
	}
	return est
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveDataset(context.Background(), testDatasetRecord("ds")); err == nil {
		t.Fatal("expected error before Init")
	}
}

func TestMemoryStoreDatasetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	rec := testDatasetRecord("ds-1")
	if err := s.SaveDataset(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the saved record must not reach the store.
	rec.Rows[0].Counts["0"] = -1

	got, ok, err := s.GetDataset(ctx, "ds-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Rows[0].Counts["0"] != 98 {
		t.Fatalf("store aliases caller memory: %v", got.Rows[0].Counts)
	}

	if _, ok, err := s.GetDataset(ctx, "nope"); err != nil || ok {
		t.Fatalf("missing dataset: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreListDatasetsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, id := range []string{"c", "a", "b"} {
		if err := s.SaveDataset(ctx, testDatasetRecord(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := s.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("ids %v", ids)
	}
}

func TestMemoryStoreGateSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	target, err := model.StandardQubit(model.ParamTP)
	if err != nil {
		t.Fatalf("standard qubit: %v", err)
	}
	rec, err := target.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	entry := GateSetEntry{VersionedRecord: Stamp(), Name: "ideal", Model: rec}
	if err := s.SaveGateSet(ctx, entry); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.GetGateSet(ctx, "ideal")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	back, err := model.FromRecord(got.Model)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	dist, err := back.FrobeniusDistance(target, 1, 1)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if dist > 1e-12 {
		t.Fatalf("stored model differs by %g", dist)
	}
}

func TestMemoryStoreEstimateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	est := testEstimate(t, "est-1")
	if err := s.SaveEstimate(ctx, est); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.GetEstimate(ctx, "est-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.DatasetID != est.DatasetID {
		t.Fatalf("dataset id %q", got.DatasetID)
	}

	ids, err := s.ListEstimates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "est-1" {
		t.Fatalf("ids %v", ids)
	}
}

func TestMemoryStoreReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.SaveDataset(ctx, testDatasetRecord("ds")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	ids, err := s.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reset left datasets %v", ids)
	}
}
