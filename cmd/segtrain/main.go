package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seglab/segtrain/checkpoints"
	"github.com/seglab/segtrain/config"
	"github.com/seglab/segtrain/data"
	"github.com/seglab/segtrain/dist"
	"github.com/seglab/segtrain/engine"
	"github.com/seglab/segtrain/evaluation"
	"github.com/seglab/segtrain/metrics"
	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/solver"
)

// syntheticDatasetSize is the per-dataset sample count of the built-in
// synthetic datasets backing named train/test sets.
const syntheticDatasetSize = 256

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	evalOnly := flag.Bool("eval-only", false, "skip training and run evaluation only")
	resume := flag.Bool("resume", false, "resume from the last checkpoint in the output directory")
	output := flag.String("output", "", "output directory override")
	worldSize := flag.Int("world-size", 0, "number of cooperating processes override")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *output != "" {
		cfg.OutputDir = *output
	}
	if *worldSize > 0 {
		cfg.WorldSize = *worldSize
	}
	if *resume {
		cfg.Resume = true
	}
	if err := cfg.Validate(); err != nil {
		fatal(fmt.Errorf("invalid configuration: %v", err))
	}

	contexts, err := dist.Bootstrap(cfg.WorldSize)
	if err != nil {
		fatal(err)
	}

	// One goroutine per rank over a shared in-process group. A rank that fails
	// before reaching a collective leaves its peers blocked at that collective:
	// a crashed peer stalls the whole step, and recovery is an external restart
	// from the last checkpoint, not a partial continuation.
	errs := make([]error, len(contexts))
	var wg sync.WaitGroup
	for rank, ctx := range contexts {
		wg.Add(1)
		go func(rank int, ctx *dist.Context) {
			defer wg.Done()
			errs[rank] = runRank(ctx, cfg, *evalOnly)
		}(rank, ctx)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			fatal(fmt.Errorf("rank %d failed: %v", rank, err))
		}
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "segtrain: %v\n", err)
	os.Exit(1)
}

// runRank executes one process's share of the run: the full training loop, or
// an evaluation-only pass when requested.
func runRank(ctx *dist.Context, cfg config.Config, evalOnly bool) error {
	model.SetRandomSeed(cfg.Seed)
	net, err := model.BuildPreset(cfg.ModelName)
	if err != nil {
		return err
	}

	trainable := model.ApplyFinetunePolicy(net.Root(), cfg.FinetunePrefixes)
	if ctx.IsMain() {
		ctx.Logger().Printf("model %s: %d trainable parameter tensors", cfg.ModelName, trainable)
		ctx.Logger().Print(net.Summary())
	}

	ckpt := checkpoints.New(cfg.OutputDir, ctx)

	if evalOnly {
		if _, err := ckpt.ResumeOrLoad(net.Root(), nil, cfg.Weights, cfg.Resume); err != nil {
			return err
		}
		results, err := runEvaluation(net, cfg, ctx)
		if err != nil {
			return err
		}
		reportResults(results, ctx)
		return nil
	}

	groups := solver.BuildGroups(net.Root(), solver.GroupOptions{
		BaseLR:             cfg.Solver.BaseLR,
		WeightDecay:        cfg.Solver.WeightDecay,
		WeightDecayNorm:    cfg.Solver.WeightDecayNorm,
		WeightDecayEmbed:   cfg.Solver.WeightDecayEmbed,
		BackboneMultiplier: cfg.Solver.BackboneMultiplier,
		BackboneName:       "encoder",
		BackboneExclude:    "adapter",
	})
	opt, err := solver.Build(solver.Options{
		Type:  cfg.Solver.Optimizer,
		SGD:   solver.SGDOptions{Momentum: cfg.Solver.Momentum},
		AdamW: solver.DefaultAdamWOptions(),
		Clip: solver.ClipOptions{
			Enabled: cfg.Solver.ClipGradients,
			Value:   cfg.Solver.ClipValue,
			Scope:   cfg.Solver.ClipScope,
		},
	}, groups)
	if err != nil {
		return err
	}

	sched, err := solver.BuildSchedule(solver.ScheduleOptions{
		Type:         cfg.Solver.Schedule,
		MaxIter:      cfg.Solver.MaxIter,
		WarmupIters:  cfg.Solver.WarmupIters,
		WarmupFactor: cfg.Solver.WarmupFactor,
		Power:        cfg.Solver.PolyPower,
		Milestones:   cfg.Solver.Milestones,
		Gamma:        cfg.Solver.Gamma,
	})
	if err != nil {
		return err
	}

	loader, err := buildTrainStream(net, cfg, ctx)
	if err != nil {
		return err
	}

	var stepper engine.Stepper
	if cfg.Solver.AMPEnabled {
		stepper = engine.NewAMPStepper(net, loader, opt, ctx)
	} else {
		stepper = engine.NewStepper(net, loader, opt, ctx)
	}

	trainer := engine.NewTrainer(stepper, net, opt, sched, ckpt, cfg.Solver.MaxIter, ctx)

	metricsPath := ""
	if ctx.IsMain() {
		metricsPath = filepath.Join(cfg.OutputDir, "metrics.db")
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return err
		}
	}
	store, err := metrics.Open(metricsPath, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	trainer.RegisterHooks(
		engine.NewScheduleHook(),
		engine.NewMetricsHook(store, cfg.LogPeriod),
		engine.NewCheckpointHook(cfg.CheckpointPeriod),
	)
	if cfg.EvalPeriod > 0 && len(cfg.Datasets.Test) > 0 {
		trainer.RegisterHooks(engine.NewPeriodicHook(cfg.EvalPeriod, func(t *engine.Trainer) error {
			_, err := runEvaluation(net, cfg, ctx)
			return err
		}))
	}

	if err := trainer.ResumeOrLoad(cfg.Weights, cfg.Resume); err != nil {
		return err
	}
	if err := trainer.Train(); err != nil {
		return err
	}

	if len(cfg.Datasets.Test) > 0 {
		results, err := runEvaluation(net, cfg, ctx)
		if err != nil {
			return err
		}
		reportResults(results, ctx)
	}
	return nil
}

// reportResults prints the final metrics. A single test dataset reports its
// metric dictionary directly; multiple datasets report the name-keyed mapping.
func reportResults(results evaluation.Results, ctx *dist.Context) {
	if !ctx.IsMain() {
		return
	}
	if res, ok := results.Only(); ok {
		ctx.Logger().Printf("final results:\n%s", evaluation.FormatResult(res))
		return
	}
	for name, res := range results {
		ctx.Logger().Printf("final results for %s:\n%s", name, evaluation.FormatResult(res))
	}
}

// buildTrainStream assembles the endless training stream: one shuffled loader
// per named dataset, interleaved by the configured ratios.
func buildTrainStream(net *model.Net, cfg config.Config, ctx *dist.Context) (data.Loader, error) {
	loaders := make([]data.Loader, len(cfg.Datasets.Train))
	for i, name := range cfg.Datasets.Train {
		ds := data.NewRandomDataset(name, syntheticDatasetSize, net.FeatureDim(), net.NumClasses(), cfg.Seed+int64(i))
		loaders[i] = data.NewSliceLoader(ds, cfg.BatchSize, true, cfg.Seed+int64(ctx.Rank))
	}
	combined, err := data.Combine(loaders, cfg.TrainRatios(), cfg.Seed)
	if err != nil {
		return nil, err
	}
	return data.Repeat(combined), nil
}

// runEvaluation runs the test driver over the configured test datasets.
func runEvaluation(net *model.Net, cfg config.Config, ctx *dist.Context) (evaluation.Results, error) {
	catalog := make(evaluation.Catalog, len(cfg.Datasets.Test))
	for _, name := range cfg.Datasets.Test {
		catalog[name] = evaluation.Metadata{
			Name:       name,
			Semantics:  datasetSemantics(name),
			NumClasses: net.NumClasses(),
		}
	}

	return evaluation.RunTests(net, evaluation.TestOptions{
		Datasets: cfg.Datasets.Test,
		Catalog:  catalog,
		Modes:    cfg.Eval.Modes(),
		BuildLoader: func(name string) (data.Loader, error) {
			ds := data.NewRandomDataset(name, syntheticDatasetSize, net.FeatureDim(), net.NumClasses(), cfg.Seed)
			return data.NewSliceLoader(ds, cfg.BatchSize, false, cfg.Seed), nil
		},
		Ctx: ctx,
	})
}

// datasetSemantics derives a dataset's evaluation semantics from its name,
// resolved once here rather than re-matched inside the driver.
func datasetSemantics(name string) evaluation.Semantics {
	switch {
	case strings.Contains(name, "panoptic") || strings.Contains(name, "seg"):
		return evaluation.SemanticsPanoptic
	case strings.Contains(name, "det"):
		return evaluation.SemanticsDetection
	case strings.Contains(name, "cls") || strings.Contains(name, "class"):
		return evaluation.SemanticsClassification
	default:
		// Unknown semantics degrade gracefully in the test driver.
		return evaluation.Semantics("")
	}
}
