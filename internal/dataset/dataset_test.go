package dataset

import (
	"math"
	"testing"

	"gatefit/internal/circuit"
)

func TestAddCountsDerivesTotal(t *testing.T) {
	ds := New()
	c := circuit.New("Gx")
	if err := ds.AddCounts(c, map[string]float64{"0": 40, "1": 60}); err != nil {
		t.Fatalf("add counts: %v", err)
	}
	row, ok := ds.Row(c)
	if !ok {
		t.Fatal("expected row")
	}
	if row.Total != 100 {
		t.Fatalf("total: %g", row.Total)
	}
	if row.Count("0") != 40 || row.Count("1") != 60 {
		t.Fatalf("counts: %v", row.Counts)
	}
	if row.Count("2") != 0 {
		t.Fatalf("missing outcome count: %g", row.Count("2"))
	}
}

func TestAddCountsRejectsNegative(t *testing.T) {
	ds := New()
	if err := ds.AddCounts(circuit.New("Gx"), map[string]float64{"0": -1}); err == nil {
		t.Fatal("expected error for negative count")
	}
}

func TestAddCountsRejectsDuplicateCircuit(t *testing.T) {
	ds := New()
	c := circuit.New("Gx")
	if err := ds.AddCounts(c, map[string]float64{"0": 1}); err != nil {
		t.Fatalf("add counts: %v", err)
	}
	if err := ds.AddCounts(c, map[string]float64{"0": 2}); err == nil {
		t.Fatal("expected error for duplicate circuit")
	}
}

func TestFrozenDataSetRejectsWrites(t *testing.T) {
	ds := New()
	if err := ds.AddCounts(circuit.New("Gx"), map[string]float64{"0": 1}); err != nil {
		t.Fatalf("add counts: %v", err)
	}
	ds.Freeze()
	if !ds.Frozen() {
		t.Fatal("expected frozen")
	}
	if err := ds.AddCounts(circuit.New("Gy"), map[string]float64{"0": 1}); err == nil {
		t.Fatal("expected error after freeze")
	}
}

func TestOutcomesSorted(t *testing.T) {
	ds := New()
	if err := ds.AddCounts(circuit.New("Gx"), map[string]float64{"1": 2, "0": 3}); err != nil {
		t.Fatalf("add counts: %v", err)
	}
	row, _ := ds.Row(circuit.New("Gx"))
	if len(row.Outcomes) != 2 || row.Outcomes[0] != "0" || row.Outcomes[1] != "1" {
		t.Fatalf("outcomes: %v", row.Outcomes)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ds := New()
	if err := ds.AddCounts(circuit.New("Gx"), map[string]float64{"0": 40, "1": 60}); err != nil {
		t.Fatalf("add counts: %v", err)
	}
	if err := ds.AddCounts(circuit.New(), map[string]float64{"0": 99, "1": 1}); err != nil {
		t.Fatalf("add counts: %v", err)
	}
	ds.Freeze()

	rebuilt, err := FromRecord(ds.Record("ds-1"))
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if rebuilt.Len() != ds.Len() {
		t.Fatalf("row count: %d != %d", rebuilt.Len(), ds.Len())
	}
	if !rebuilt.Frozen() {
		t.Fatal("rebuilt dataset should be frozen")
	}
	row, ok := rebuilt.Row(circuit.New())
	if !ok {
		t.Fatal("missing empty-circuit row")
	}
	if math.Abs(row.Count("0")-99) > 0 {
		t.Fatalf("count after round trip: %g", row.Count("0"))
	}
}
