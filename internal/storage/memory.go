package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gatefit/internal/dataset"
	"gatefit/internal/estimate"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	datasets    map[string]dataset.Record
	gatesets    map[string]GateSetEntry
	estimates   map[string]estimate.Estimate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.datasets = make(map[string]dataset.Record)
	s.gatesets = make(map[string]GateSetEntry)
	s.estimates = make(map[string]estimate.Estimate)
	return nil
}

func (s *MemoryStore) SaveDataset(_ context.Context, rec dataset.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(); err != nil {
		return err
	}
	s.datasets[rec.ID] = copyDatasetRecord(rec)
	return nil
}

func (s *MemoryStore) GetDataset(_ context.Context, id string) (dataset.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.datasets[id]
	if !ok {
		return dataset.Record{}, false, nil
	}
	return copyDatasetRecord(rec), true, nil
}

func (s *MemoryStore) ListDatasets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.datasets))
	for id := range s.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveGateSet(_ context.Context, entry GateSetEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(); err != nil {
		return err
	}
	s.gatesets[entry.Name] = entry
	return nil
}

func (s *MemoryStore) GetGateSet(_ context.Context, name string) (GateSetEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.gatesets[name]
	return entry, ok, nil
}

func (s *MemoryStore) SaveEstimate(_ context.Context, est estimate.Estimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(); err != nil {
		return err
	}
	s.estimates[est.ID] = est
	return nil
}

func (s *MemoryStore) GetEstimate(_ context.Context, id string) (estimate.Estimate, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	est, ok := s.estimates[id]
	return est, ok, nil
}

func (s *MemoryStore) ListEstimates(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.estimates))
	for id := range s.estimates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	return s.Init(ctx)
}

func (s *MemoryStore) ready() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

func copyDatasetRecord(rec dataset.Record) dataset.Record {
	out := dataset.Record{ID: rec.ID, Rows: make([]dataset.RowRecord, len(rec.Rows))}
	for i, row := range rec.Rows {
		counts := make(map[string]float64, len(row.Counts))
		for k, v := range row.Counts {
			counts[k] = v
		}
		out.Rows[i] = dataset.RowRecord{Key: row.Key, Counts: counts}
	}
	return out
}
