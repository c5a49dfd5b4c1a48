// Package storage persists datasets, models, and finished estimates behind a
// backend-agnostic interface: an in-memory store for tests and short runs,
// and a sqlite store (build tag "sqlite") for anything that should survive
// the process.
package storage

import (
	"context"

	"gatefit/internal/dataset"
	"gatefit/internal/estimate"
	"gatefit/internal/model"
)

// GateSetEntry is a named model in versioned, serializable form.
type GateSetEntry struct {
	estimate.VersionedRecord
	Name  string              `json:"name"`
	Model model.GateSetRecord `json:"model"`
}

// Resetter is implemented by backends that can drop all stored state.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Store defines persistence operations for the fitting pipeline's entities.
type Store interface {
	Init(ctx context.Context) error
	SaveDataset(ctx context.Context, rec dataset.Record) error
	GetDataset(ctx context.Context, id string) (dataset.Record, bool, error)
	ListDatasets(ctx context.Context) ([]string, error)
	SaveGateSet(ctx context.Context, entry GateSetEntry) error
	GetGateSet(ctx context.Context, name string) (GateSetEntry, bool, error)
	SaveEstimate(ctx context.Context, est estimate.Estimate) error
	GetEstimate(ctx context.Context, id string) (estimate.Estimate, bool, error)
	ListEstimates(ctx context.Context) ([]string, error)
}
