package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gatefit/internal/estimate"
	"gatefit/internal/platform"
	"gatefit/internal/storage"
	gateapi "gatefit/pkg/gatefit"
)

const exportsDir = "exports"

// Standard single-qubit fiducials and germs, as circuit keys.
var (
	defaultFiducials = "{},Gx,Gy,Gx:Gx"
	defaultGerms     = "Gi,Gx,Gy,Gx:Gy"
	defaultLengths   = "1,2,4,8"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "reset":
		return runReset(ctx, args[1:])
	case "target":
		return runTarget(ctx, args[1:])
	case "simulate":
		return runSimulate(ctx, args[1:])
	case "fit":
		return runFit(ctx, args[1:])
	case "estimates":
		return runEstimates(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func storeFlags(fs *flag.FlagSet) (*string, *string) {
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "gatefit.db", "sqlite database path")
	return storeKind, dbPath
}

func openClient(storeKind, dbPath string) (*gateapi.Client, error) {
	return gateapi.New(gateapi.Options{StoreKind: storeKind, DBPath: dbPath})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Reset(ctx); err != nil {
		return err
	}

	fmt.Printf("reset store=%s\n", *storeKind)
	return nil
}

func runTarget(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("target", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	name := fs.String("name", "target", "name to store the model under")
	param := fs.String("parameterization", "TP", "parameterization: full|TP|static")
	depol := fs.Float64("depolarization", 0, "depolarization strength applied to gates (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	if err := client.SaveTarget(ctx, gateapi.TargetRequest{
		Name:             *name,
		Parameterization: *param,
		Depolarization:   *depol,
	}); err != nil {
		return err
	}

	fmt.Printf("saved target=%s parameterization=%s\n", *name, *param)
	return nil
}

func runSimulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	target := fs.String("target", "target", "stored model to sample from")
	datasetID := fs.String("dataset-id", "", "dataset id (optional, generated when empty)")
	fiducials := fs.String("fiducials", defaultFiducials, "comma-separated fiducial circuit keys")
	germs := fs.String("germs", defaultGerms, "comma-separated germ circuit keys")
	lengths := fs.String("lengths", defaultLengths, "comma-separated maximum germ-power lengths")
	shots := fs.Int("shots", 1000, "shots per circuit (0 stores exact probabilities)")
	seed := fs.Int64("seed", 1, "rng seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	maxLengths, err := parseLengths(*lengths)
	if err != nil {
		return err
	}

	client, err := openClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	summary, err := client.Simulate(ctx, gateapi.SimulateRequest{
		DatasetID:     *datasetID,
		TargetName:    *target,
		PrepFiducials: splitKeys(*fiducials),
		MeasFiducials: splitKeys(*fiducials),
		Germs:         splitKeys(*germs),
		MaxLengths:    maxLengths,
		Shots:         *shots,
		Seed:          *seed,
	})
	if err != nil {
		return err
	}

	fmt.Printf("simulated dataset=%s circuits=%d shots=%d\n", summary.DatasetID, summary.NumCircuits, *shots)
	return nil
}

func runFit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	datasetID := fs.String("dataset-id", "", "dataset to fit")
	target := fs.String("target", "target", "stored target model")
	fiducials := fs.String("fiducials", defaultFiducials, "comma-separated fiducial circuit keys")
	germs := fs.String("germs", defaultGerms, "comma-separated germ circuit keys")
	lengths := fs.String("lengths", defaultLengths, "comma-separated maximum germ-power lengths")
	seedMode := fs.String("seed-mode", "lgst", "stage-one seed: lgst|target")
	strategy := fs.String("sim", "matrix", "forward simulation strategy: matrix|map")
	workers := fs.Int("workers", 0, "simulation worker count (0 uses all CPUs)")
	maxIterations := fs.Int("max-iterations", 0, "optimizer iteration cap per stage (0 uses default)")
	tol := fs.Float64("tol", 0, "optimizer convergence tolerance (0 uses default)")
	timeout := fs.Duration("timeout", 0, "whole-run time budget (0 disables)")
	robust := fs.Bool("robust", false, "enable robust data scaling refit")
	skipGauge := fs.Bool("skip-gauge", false, "skip gauge optimization")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *datasetID == "" {
		return usageError("fit requires -dataset-id")
	}

	maxLengths, err := parseLengths(*lengths)
	if err != nil {
		return err
	}

	client, err := openClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	summary, err := client.Fit(ctx, gateapi.FitRequest{
		DatasetID:     *datasetID,
		TargetName:    *target,
		PrepFiducials: splitKeys(*fiducials),
		MeasFiducials: splitKeys(*fiducials),
		Germs:         splitKeys(*germs),
		MaxLengths:    maxLengths,
		Seed:          *seedMode,
		SimStrategy:   *strategy,
		Workers:       *workers,
		MaxIterations: *maxIterations,
		Tol:           *tol,
		Timeout:       *timeout,
		RobustScaling: *robust,
		SkipGauge:     *skipGauge,
	})
	if err != nil {
		return err
	}

	fmt.Printf("estimate=%s %s=%.6g dof=%d p=%.4g stages=%d\n",
		summary.EstimateID, summary.FinalObjective, summary.FinalValue,
		summary.DegreesOfFreedom, summary.PValue, summary.Stages)
	if summary.SeedFellBack {
		fmt.Println("note: linear-inversion seed failed, started from target")
	}
	if summary.UnderDetermined {
		fmt.Println("note: fit is under-determined")
	}
	for name, dist := range summary.GaugeDistances {
		fmt.Printf("gauge %s distance=%.6g\n", name, dist)
	}
	return nil
}

func runEstimates(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("estimates", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	limit := fs.Int("limit", 0, "show only the most recent N estimates (0 shows all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	items, err := client.Estimates(ctx, *limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no estimates")
		return nil
	}
	for _, item := range items {
		fmt.Printf("%s dataset=%s created=%s lengths=%v %s=%.6g\n",
			item.ID, item.DatasetID, item.CreatedAtUTC, item.MaxLengths,
			item.FinalObjective, item.FinalValue)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	id := fs.String("id", "", "estimate id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return usageError("show requires -id")
	}

	est, err := loadEstimate(ctx, *storeKind, *dbPath, *id)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(est, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	id := fs.String("id", "", "estimate id")
	outDir := fs.String("out", exportsDir, "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return usageError("export requires -id")
	}

	est, err := loadEstimate(ctx, *storeKind, *dbPath, *id)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(est, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(*outDir, fmt.Sprintf("estimate-%s-%s.json", est.ID, time.Now().UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return err
	}
	fmt.Printf("exported %s\n", path)
	return nil
}

func loadEstimate(ctx context.Context, storeKind, dbPath, id string) (estimate.Estimate, error) {
	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return estimate.Estimate{}, err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	bench := platform.NewBench(platform.Config{Store: store})
	if err := bench.Init(ctx); err != nil {
		return estimate.Estimate{}, err
	}
	est, ok, err := bench.Estimate(ctx, id)
	if err != nil {
		return estimate.Estimate{}, err
	}
	if !ok {
		return estimate.Estimate{}, fmt.Errorf("no estimate with id %s", id)
	}
	return est, nil
}

func splitKeys(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLengths(s string) ([]int, error) {
	var out []int
	for _, p := range splitKeys(s) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid length %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: gatefitctl <init|reset|target|simulate|fit|estimates|show|export> [flags]", msg)
}
