// Package estimate bundles everything a finished fit produces: the final
// model, its gauge-optimized variants, the target it was compared against,
// and the per-stage diagnostics. Bundles are what the store persists and what
// reports are generated from.
package estimate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatefit/internal/fit"
	"gatefit/internal/gauge"
	"gatefit/internal/model"
)

// VersionedRecord stamps persisted records so incompatible payloads are
// rejected at decode time instead of producing garbage models.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// GaugeVariant is one gauge-optimized copy of the final model.
type GaugeVariant struct {
	Model    model.GateSetRecord `json:"model"`
	Weights  gauge.Weights       `json:"weights"`
	Distance float64             `json:"distance"`
}

// Estimate is the persistable outcome of one fitting run.
type Estimate struct {
	VersionedRecord
	ID        string    `json:"id"`
	DatasetID string    `json:"dataset_id"`
	CreatedAt time.Time `json:"created_at"`

	// MaxLengths lists the schedule's per-stage maximum germ-power lengths.
	MaxLengths []int `json:"max_lengths"`

	Target model.GateSetRecord `json:"target"`
	Final  model.GateSetRecord `json:"final"`

	// StageModels holds the fitted model after each schedule stage, in stage
	// order. Refinement passes fold into Final.
	StageModels []model.GateSetRecord `json:"stage_models,omitempty"`

	// Fit carries the staged driver's diagnostics. The models inside it are
	// not serialized; Final above is authoritative.
	Fit fit.RunResult `json:"fit"`

	// Gauge maps suite names to gauge-optimized variants of Final.
	Gauge map[string]GaugeVariant `json:"gauge,omitempty"`
}

// New assembles an estimate from a finished run. Gauge results may be nil
// when gauge optimization was skipped.
func New(datasetID string, maxLengths []int, target *model.GateSet, fitResult *fit.RunResult, gaugeResults map[string]*gauge.Result, schemaVersion, codecVersion int) (Estimate, error) {
	if target == nil || fitResult == nil || fitResult.Model == nil {
		return Estimate{}, fmt.Errorf("target and fit result are required")
	}
	targetRec, err := target.Record()
	if err != nil {
		return Estimate{}, fmt.Errorf("recording target model: %w", err)
	}
	finalRec, err := fitResult.Model.Record()
	if err != nil {
		return Estimate{}, fmt.Errorf("recording fitted model: %w", err)
	}
	est := Estimate{
		VersionedRecord: VersionedRecord{
			SchemaVersion: schemaVersion,
			CodecVersion:  codecVersion,
		},
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		CreatedAt:  time.Now().UTC(),
		MaxLengths: append([]int(nil), maxLengths...),
		Target:     targetRec,
		Final:      finalRec,
		Fit:        *fitResult,
	}
	for i, gs := range fitResult.StageModels {
		rec, err := gs.Record()
		if err != nil {
			return Estimate{}, fmt.Errorf("recording stage %d model: %w", i, err)
		}
		est.StageModels = append(est.StageModels, rec)
	}
	if len(gaugeResults) > 0 {
		est.Gauge = make(map[string]GaugeVariant, len(gaugeResults))
		for name, res := range gaugeResults {
			rec, err := res.Model.Record()
			if err != nil {
				return Estimate{}, fmt.Errorf("recording gauge variant %s: %w", name, err)
			}
			est.Gauge[name] = GaugeVariant{
				Model:    rec,
				Weights:  res.Weights,
				Distance: res.Distance,
			}
		}
	}
	return est, nil
}

// FinalModel reconstructs the fitted model from its record.
func (e Estimate) FinalModel() (*model.GateSet, error) {
	return model.FromRecord(e.Final)
}

// GaugeModel reconstructs one gauge variant by suite name.
func (e Estimate) GaugeModel(suite string) (*model.GateSet, error) {
	variant, ok := e.Gauge[suite]
	if !ok {
		return nil, fmt.Errorf("estimate has no gauge variant %q", suite)
	}
	return model.FromRecord(variant.Model)
}
