// Package gatefit is the public face of the fitting pipeline: a Client that
// owns a store-backed bench and exposes target registration, dataset
// simulation, fitting, and estimate retrieval with string-keyed inputs.
package gatefit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatefit/internal/circuit"
	"gatefit/internal/fit"
	"gatefit/internal/gauge"
	"gatefit/internal/model"
	"gatefit/internal/objective"
	"gatefit/internal/platform"
	"gatefit/internal/sim"
	"gatefit/internal/storage"
)

const defaultDBPath = "gatefit.db"

type Options struct {
	StoreKind string
	DBPath    string
}

type Client struct {
	store storage.Store
	bench *platform.Bench
}

// TargetRequest describes a standard single-qubit target model.
type TargetRequest struct {
	Name string
	// Parameterization: "full", "TP", or "static". Defaults to "TP".
	Parameterization string
	// Depolarization optionally weakens the gates before saving, for
	// building noisy truth models in simulation studies.
	Depolarization float64
}

// SimulateRequest samples a dataset from a stored model over the standard
// fiducial-germ circuit schedule.
type SimulateRequest struct {
	DatasetID     string
	TargetName    string
	PrepFiducials []string
	MeasFiducials []string
	Germs         []string
	MaxLengths    []int
	// Shots per circuit; zero stores exact probabilities.
	Shots int
	Seed  int64
}

type SimulateSummary struct {
	DatasetID   string
	NumCircuits int
}

// FitRequest runs the staged fit against a stored dataset.
type FitRequest struct {
	DatasetID     string
	TargetName    string
	PrepFiducials []string
	MeasFiducials []string
	Germs         []string
	MaxLengths    []int

	// Seed: "lgst" (default), "target".
	Seed string
	// SimStrategy: "matrix" (default) or "map".
	SimStrategy string
	Workers     int

	MaxIterations int
	Tol           float64
	Timeout       time.Duration

	RobustScaling bool
	// SkipGauge disables the standard gauge-optimization suite.
	SkipGauge    bool
	GaugeWorkers int
}

type FitSummary struct {
	EstimateID       string
	DatasetID        string
	FinalValue       float64
	FinalObjective   string
	DegreesOfFreedom int
	PValue           float64
	Stages           int
	SeedFellBack     bool
	NonMonotonic     bool
	UnderDetermined  bool
	// GaugeDistances maps suite names to the weighted Frobenius distance of
	// each gauge-optimized variant from the target.
	GaugeDistances map[string]float64
}

type EstimateItem struct {
	ID             string
	DatasetID      string
	CreatedAtUTC   string
	MaxLengths     []int
	FinalValue     float64
	FinalObjective string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store: store,
		bench: platform.NewBench(platform.Config{Store: store}),
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.bench.Init(ctx)
}

func (c *Client) Reset(ctx context.Context) error {
	return c.bench.Reset(ctx)
}

// SaveTarget builds and stores a standard single-qubit model.
func (c *Client) SaveTarget(ctx context.Context, req TargetRequest) error {
	if req.Name == "" {
		return errors.New("target name is required")
	}
	param := model.Parameterization(req.Parameterization)
	if param == "" {
		param = model.ParamTP
	}
	gs, err := model.StandardQubit(param)
	if err != nil {
		return err
	}
	if req.Depolarization > 0 {
		gs, err = gs.Depolarized(req.Depolarization)
		if err != nil {
			return err
		}
	}
	return c.bench.SaveTarget(ctx, req.Name, gs)
}

// Simulate samples counts over the standard schedule and stores them.
func (c *Client) Simulate(ctx context.Context, req SimulateRequest) (SimulateSummary, error) {
	if req.TargetName == "" {
		return SimulateSummary{}, errors.New("target name is required")
	}
	schedule, err := buildSchedule(req.PrepFiducials, req.MeasFiducials, req.Germs, req.MaxLengths)
	if err != nil {
		return SimulateSummary{}, err
	}
	circuits := schedule.AllCircuits()
	id, err := c.bench.SimulateDataset(ctx, req.DatasetID, req.TargetName, circuits, req.Shots, req.Seed)
	if err != nil {
		return SimulateSummary{}, err
	}
	return SimulateSummary{DatasetID: id, NumCircuits: len(circuits)}, nil
}

// Fit runs the staged fit and returns a summary of the stored estimate.
func (c *Client) Fit(ctx context.Context, req FitRequest) (FitSummary, error) {
	if req.DatasetID == "" {
		return FitSummary{}, errors.New("dataset ID is required")
	}
	if req.TargetName == "" {
		return FitSummary{}, errors.New("target name is required")
	}
	schedule, err := buildSchedule(req.PrepFiducials, req.MeasFiducials, req.Germs, req.MaxLengths)
	if err != nil {
		return FitSummary{}, err
	}
	prepFids, err := parseCircuits(req.PrepFiducials)
	if err != nil {
		return FitSummary{}, fmt.Errorf("preparation fiducials: %w", err)
	}
	measFids, err := parseCircuits(req.MeasFiducials)
	if err != nil {
		return FitSummary{}, fmt.Errorf("measurement fiducials: %w", err)
	}

	spec := platform.FitSpec{
		DatasetID:     req.DatasetID,
		TargetName:    req.TargetName,
		Schedule:      schedule,
		PrepFiducials: prepFids,
		MeasFiducials: measFids,
		Seed:          req.Seed,
		SimStrategy:   req.SimStrategy,
		SimOptions:    sim.Options{Workers: req.Workers},
		Fit: fit.Config{
			Objective: objective.Config{},
			LevMar: fit.LevMarConfig{
				Tol:           req.Tol,
				MaxIterations: req.MaxIterations,
			},
			Timeout: req.Timeout,
		},
		RobustScaling: req.RobustScaling,
		GaugeWorkers:  req.GaugeWorkers,
	}
	if !req.SkipGauge {
		spec.GaugeSuite = gauge.StandardSuite()
	}

	est, err := c.bench.RunFit(ctx, spec)
	if err != nil {
		return FitSummary{}, err
	}

	summary := FitSummary{
		EstimateID:       est.ID,
		DatasetID:        est.DatasetID,
		FinalValue:       est.Fit.FinalValue,
		FinalObjective:   est.Fit.FinalObjective,
		DegreesOfFreedom: est.Fit.DegreesOfFreedom,
		PValue:           est.Fit.PValue,
		Stages:           len(est.Fit.Stages),
		SeedFellBack:     est.Fit.SeedFellBack,
		NonMonotonic:     est.Fit.NonMonotonic,
		UnderDetermined:  est.Fit.UnderDetermined,
	}
	if len(est.Gauge) > 0 {
		summary.GaugeDistances = make(map[string]float64, len(est.Gauge))
		for name, variant := range est.Gauge {
			summary.GaugeDistances[name] = variant.Distance
		}
	}
	return summary, nil
}

// Estimates lists stored estimates, newest last; limit <= 0 lists all.
func (c *Client) Estimates(ctx context.Context, limit int) ([]EstimateItem, error) {
	ids, err := c.bench.Estimates(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]EstimateItem, 0, len(ids))
	for _, id := range ids {
		est, ok, err := c.bench.Estimate(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		items = append(items, EstimateItem{
			ID:             est.ID,
			DatasetID:      est.DatasetID,
			CreatedAtUTC:   est.CreatedAt.UTC().Format(time.RFC3339),
			MaxLengths:     est.MaxLengths,
			FinalValue:     est.Fit.FinalValue,
			FinalObjective: est.Fit.FinalObjective,
		})
	}
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func buildSchedule(prepFids, measFids, germs []string, lengths []int) (circuit.Schedule, error) {
	p, err := parseCircuits(prepFids)
	if err != nil {
		return circuit.Schedule{}, fmt.Errorf("preparation fiducials: %w", err)
	}
	m, err := parseCircuits(measFids)
	if err != nil {
		return circuit.Schedule{}, fmt.Errorf("measurement fiducials: %w", err)
	}
	g, err := parseCircuits(germs)
	if err != nil {
		return circuit.Schedule{}, fmt.Errorf("germs: %w", err)
	}
	return circuit.BuildSchedule(p, m, g, lengths)
}

func parseCircuits(keys []string) ([]circuit.Circuit, error) {
	out := make([]circuit.Circuit, 0, len(keys))
	for _, key := range keys {
		c, err := circuit.Parse(key)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
