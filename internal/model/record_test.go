package model

import (
	"encoding/json"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	gs := mustStandard(t, ParamTP)
	params := gs.Params()
	for i := range params {
		params[i] += 0.02
	}
	if err := gs.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}

	rec, err := gs.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded GateSetRecord
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rebuilt, err := FromRecord(decoded)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	d, err := gs.FrobeniusDistance(rebuilt, 1, 1)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if d != 0 {
		t.Fatalf("round trip changed model: distance %g", d)
	}
	if rebuilt.NumParams() != gs.NumParams() {
		t.Fatalf("round trip changed parameterization: %d != %d", rebuilt.NumParams(), gs.NumParams())
	}
}

func TestRecordPreservesStaticVariant(t *testing.T) {
	gs := mustStandard(t, ParamStatic)
	rec, err := gs.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	rebuilt, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if rebuilt.NumParams() != 0 {
		t.Fatalf("static round trip has %d params", rebuilt.NumParams())
	}
}
