// Package platform wires the fitting pipeline to persistence: it owns a
// store, registers targets and datasets, runs fits with gauge optimization,
// and keeps a registry of in-flight runs so they can be cancelled.
package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gatefit/internal/circuit"
	"gatefit/internal/dataset"
	"gatefit/internal/estimate"
	"gatefit/internal/fit"
	"gatefit/internal/gauge"
	"gatefit/internal/model"
	"gatefit/internal/sim"
	"gatefit/internal/storage"
)

type Config struct {
	Store storage.Store
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// FitSpec describes one fitting run end to end.
type FitSpec struct {
	// DatasetID names a stored dataset; Dataset may be given instead for
	// data that should not be persisted first.
	DatasetID string
	Dataset   *dataset.DataSet
	// TargetName names a stored model; Target may be given directly.
	TargetName string
	Target     *model.GateSet

	Schedule      circuit.Schedule
	PrepFiducials []circuit.Circuit
	MeasFiducials []circuit.Circuit

	// Seed is the driver seed mode; empty means linear inversion.
	Seed string

	// SimStrategy selects the forward simulator ("matrix" or "map").
	SimStrategy string
	SimOptions  sim.Options

	// Fit carries optimizer and objective settings; the bench fills in the
	// target, schedule, fiducials, and simulator from the fields above.
	Fit           fit.Config
	RobustScaling bool

	// GaugeSuite holds the weightings to gauge-optimize under after the fit;
	// nil skips gauge optimization, and GaugeWorkers bounds its concurrency.
	GaugeSuite   gauge.Suite
	GaugeConfig  gauge.Config
	GaugeWorkers int
}

// Bench coordinates fits against a single store.
type Bench struct {
	store storage.Store
	jobs  *Jobs

	mu             sync.RWMutex
	started        bool
	lastStopReason StopReason
	runs           map[string]context.CancelFunc
}

var (
	defaultBenchMu sync.Mutex
	defaultBench   *Bench
)

func NewBench(cfg Config) *Bench {
	return &Bench{
		store:          cfg.Store,
		jobs:           NewJobs(JobPolicy{}),
		runs:           make(map[string]context.CancelFunc),
		lastStopReason: StopReasonNormal,
	}
}

// StartDefault initializes a process-wide bench, reusing a live one.
func StartDefault(ctx context.Context, cfg Config) (*Bench, error) {
	defaultBenchMu.Lock()
	defer defaultBenchMu.Unlock()

	if defaultBench != nil && defaultBench.Started() {
		return defaultBench, nil
	}

	b := NewBench(cfg)
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	defaultBench = b
	return defaultBench, nil
}

func Default() (*Bench, bool) {
	defaultBenchMu.Lock()
	b := defaultBench
	defaultBenchMu.Unlock()

	if b == nil || !b.Started() {
		return nil, false
	}
	return b, true
}

func StopDefault(reason StopReason) error {
	defaultBenchMu.Lock()
	b := defaultBench
	defaultBenchMu.Unlock()
	if b == nil {
		return nil
	}
	if err := b.StopWithReason(reason); err != nil {
		return err
	}
	defaultBenchMu.Lock()
	if defaultBench == b {
		defaultBench = nil
	}
	defaultBenchMu.Unlock()
	return nil
}

func (b *Bench) Init(ctx context.Context) error {
	if b.store == nil {
		return fmt.Errorf("store is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if err := b.store.Init(ctx); err != nil {
		return err
	}
	b.started = true
	return nil
}

func (b *Bench) Started() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// Reset drops all persisted state and reinitializes.
func (b *Bench) Reset(ctx context.Context) error {
	_ = b.StopWithReason(StopReasonShutdown)
	if resetter, ok := b.store.(storage.Resetter); ok {
		if err := resetter.Reset(ctx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	return b.Init(ctx)
}

func (b *Bench) Stop() {
	_ = b.StopWithReason(StopReasonNormal)
}

func (b *Bench) Shutdown() {
	_ = b.StopWithReason(StopReasonShutdown)
}

// StopWithReason cancels every in-flight run and marks the bench stopped.
// The store stays open; Close releases it.
func (b *Bench) StopWithReason(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
	default:
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}

	b.jobs.StopAll()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.runs {
		cancel()
	}
	b.runs = make(map[string]context.CancelFunc)
	b.started = false
	b.lastStopReason = reason
	return nil
}

func (b *Bench) LastStopReason() StopReason {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastStopReason
}

func (b *Bench) Close() error {
	return storage.CloseIfSupported(b.store)
}

// SaveTarget persists a named model.
func (b *Bench) SaveTarget(ctx context.Context, name string, gs *model.GateSet) error {
	if err := b.ready(); err != nil {
		return err
	}
	rec, err := gs.Record()
	if err != nil {
		return err
	}
	return b.store.SaveGateSet(ctx, storage.GateSetEntry{
		VersionedRecord: storage.Stamp(),
		Name:            name,
		Model:           rec,
	})
}

// LoadTarget fetches a named model from the store.
func (b *Bench) LoadTarget(ctx context.Context, name string) (*model.GateSet, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	entry, ok, err := b.store.GetGateSet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no stored model named %q", name)
	}
	return model.FromRecord(entry.Model)
}

// ImportDataset persists a dataset under the given ID; an empty ID gets a
// generated one. Returns the ID used.
func (b *Bench) ImportDataset(ctx context.Context, id string, ds *dataset.DataSet) (string, error) {
	if err := b.ready(); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := b.store.SaveDataset(ctx, ds.Record(id)); err != nil {
		return "", err
	}
	return id, nil
}

// SimulateDataset samples counts from a stored model and persists them.
func (b *Bench) SimulateDataset(ctx context.Context, id, targetName string, circuits []circuit.Circuit, shots int, seed int64) (string, error) {
	gs, err := b.LoadTarget(ctx, targetName)
	if err != nil {
		return "", err
	}
	simulator, err := sim.NewSimulator("matrix", sim.Options{})
	if err != nil {
		return "", err
	}
	ds, err := dataset.Simulate(ctx, gs, simulator, circuits, shots, seed)
	if err != nil {
		return "", err
	}
	return b.ImportDataset(ctx, id, ds)
}

// LoadDataset fetches a stored dataset by ID.
func (b *Bench) LoadDataset(ctx context.Context, id string) (*dataset.DataSet, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	rec, ok, err := b.store.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no stored dataset %q", id)
	}
	return dataset.FromRecord(rec)
}

// RunFit executes a full fitting run: resolve inputs, fit, gauge-optimize,
// and persist the resulting estimate. The run is registered so StopWithReason
// can cancel it.
func (b *Bench) RunFit(ctx context.Context, spec FitSpec) (estimate.Estimate, error) {
	if err := b.ready(); err != nil {
		return estimate.Estimate{}, err
	}

	ds := spec.Dataset
	datasetID := spec.DatasetID
	if ds == nil {
		if datasetID == "" {
			return estimate.Estimate{}, fmt.Errorf("a dataset or dataset ID is required")
		}
		loaded, err := b.LoadDataset(ctx, datasetID)
		if err != nil {
			return estimate.Estimate{}, err
		}
		ds = loaded
	}

	target := spec.Target
	if target == nil {
		if spec.TargetName == "" {
			return estimate.Estimate{}, fmt.Errorf("a target model or target name is required")
		}
		loaded, err := b.LoadTarget(ctx, spec.TargetName)
		if err != nil {
			return estimate.Estimate{}, err
		}
		target = loaded
	}

	strategy := spec.SimStrategy
	if strategy == "" {
		strategy = "matrix"
	}
	simOpts := spec.SimOptions
	// Fitting clamps out-of-range trial predictions instead of failing;
	// strict validation stays on the simulation surfaces.
	simOpts.ClampOnly = true
	simulator, err := sim.NewSimulator(strategy, simOpts)
	if err != nil {
		return estimate.Estimate{}, err
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := b.registerRun(runID, cancel); err != nil {
		return estimate.Estimate{}, err
	}
	defer b.unregisterRun(runID)

	fitCfg := spec.Fit
	fitCfg.Target = target
	fitCfg.Schedule = spec.Schedule
	fitCfg.PrepFiducials = spec.PrepFiducials
	fitCfg.MeasFiducials = spec.MeasFiducials
	fitCfg.Simulator = simulator
	fitCfg.RobustScaling = spec.RobustScaling
	if spec.Seed != "" {
		fitCfg.Seed = spec.Seed
	}

	fitResult, err := fit.Run(runCtx, ds, fitCfg)
	if err != nil {
		return estimate.Estimate{}, fmt.Errorf("fit: %w", err)
	}

	var gaugeResults map[string]*gauge.Result
	if len(spec.GaugeSuite) > 0 {
		gaugeResults, err = gauge.OptimizeSuite(runCtx, fitResult.Model, target, spec.GaugeSuite, spec.GaugeConfig, spec.GaugeWorkers)
		if err != nil {
			return estimate.Estimate{}, fmt.Errorf("gauge optimization: %w", err)
		}
	}

	maxLengths := make([]int, len(spec.Schedule.Stages))
	for i, stage := range spec.Schedule.Stages {
		maxLengths[i] = stage.MaxLength
	}
	est, err := estimate.New(datasetID, maxLengths, target, fitResult, gaugeResults,
		storage.CurrentSchemaVersion, storage.CurrentCodecVersion)
	if err != nil {
		return estimate.Estimate{}, err
	}
	if err := b.store.SaveEstimate(ctx, est); err != nil {
		return estimate.Estimate{}, fmt.Errorf("persist estimate: %w", err)
	}
	return est, nil
}

// RunFitAsync launches RunFit in the background and returns a job ID. The
// job's Result holds the estimate ID once it completes; failed jobs are
// retried per the bench's job policy.
func (b *Bench) RunFitAsync(ctx context.Context, spec FitSpec) (string, error) {
	if err := b.ready(); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	err := b.jobs.Start(ctx, jobID, func(jobCtx context.Context) (string, error) {
		est, err := b.RunFit(jobCtx, spec)
		if err != nil {
			return "", err
		}
		return est.ID, nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// WaitFit blocks until a background fit finishes and returns its estimate.
func (b *Bench) WaitFit(ctx context.Context, jobID string) (estimate.Estimate, error) {
	estID, err := b.jobs.Wait(jobID)
	if err != nil {
		return estimate.Estimate{}, err
	}
	est, ok, err := b.Estimate(ctx, estID)
	if err != nil {
		return estimate.Estimate{}, err
	}
	if !ok {
		return estimate.Estimate{}, fmt.Errorf("estimate %s not found after job %s", estID, jobID)
	}
	return est, nil
}

// FitJobs reports the status of background fits.
func (b *Bench) FitJobs() []JobStatus {
	return b.jobs.Statuses()
}

// Estimates lists stored estimate IDs.
func (b *Bench) Estimates(ctx context.Context) ([]string, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	return b.store.ListEstimates(ctx)
}

// Estimate fetches one stored estimate.
func (b *Bench) Estimate(ctx context.Context, id string) (estimate.Estimate, bool, error) {
	if err := b.ready(); err != nil {
		return estimate.Estimate{}, false, err
	}
	return b.store.GetEstimate(ctx, id)
}

func (b *Bench) ready() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started {
		return fmt.Errorf("bench is not initialized")
	}
	return nil
}

func (b *Bench) registerRun(id string, cancel context.CancelFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return fmt.Errorf("bench is not initialized")
	}
	if _, exists := b.runs[id]; exists {
		return fmt.Errorf("run already registered: %s", id)
	}
	b.runs[id] = cancel
	return nil
}

func (b *Bench) unregisterRun(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, id)
}
