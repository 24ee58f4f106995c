package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/seglab/segtrain/evaluation"
	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/solver"
)

// SolverConfig holds optimization hyperparameters.
type SolverConfig struct {
	Optimizer          string  `json:"optimizer"`
	BaseLR             float64 `json:"base_lr"`
	Momentum           float64 `json:"momentum"`
	WeightDecay        float64 `json:"weight_decay"`
	WeightDecayNorm    float64 `json:"weight_decay_norm"`
	WeightDecayEmbed   float64 `json:"weight_decay_embed"`
	BackboneMultiplier float64 `json:"backbone_multiplier"`
	ClipGradients      bool    `json:"clip_gradients"`
	ClipValue          float64 `json:"clip_value"`
	ClipScope          string  `json:"clip_scope"`
	AMPEnabled         bool    `json:"amp_enabled"`
	MaxIter            int     `json:"max_iter"`
	Schedule           string  `json:"schedule"`
	WarmupIters        int     `json:"warmup_iters"`
	WarmupFactor       float64 `json:"warmup_factor"`
	PolyPower          float64 `json:"poly_power"`
	Milestones         []int   `json:"milestones"`
	Gamma              float64 `json:"gamma"`
}

// DatasetsConfig names the training and test datasets and the training
// mixing ratios.
type DatasetsConfig struct {
	Train  []string  `json:"train"`
	Ratios []float64 `json:"ratios"`
	Test   []string  `json:"test"`
}

// EvalConfig holds the panoptic-family task-mode flags.
type EvalConfig struct {
	PanopticOn bool `json:"panoptic_on"`
	SemanticOn bool `json:"semantic_on"`
	InstanceOn bool `json:"instance_on"`
}

// Modes converts the flags to the dispatcher's form.
func (e EvalConfig) Modes() evaluation.TaskModes {
	return evaluation.TaskModes{Panoptic: e.PanopticOn, Semantic: e.SemanticOn, Instance: e.InstanceOn}
}

// Config is the full configuration surface of a run.
type Config struct {
	ModelName        string         `json:"model_name"`
	OutputDir        string         `json:"output_dir"`
	Weights          string         `json:"weights"`
	Resume           bool           `json:"resume"`
	WorldSize        int            `json:"world_size"`
	Seed             int64          `json:"seed"`
	BatchSize        int            `json:"batch_size"`
	CheckpointPeriod int            `json:"checkpoint_period"`
	EvalPeriod       int            `json:"eval_period"`
	LogPeriod        int            `json:"log_period"`
	FinetunePrefixes []string       `json:"finetune_prefixes"`
	Solver           SolverConfig   `json:"solver"`
	Datasets         DatasetsConfig `json:"datasets"`
	Eval             EvalConfig     `json:"eval"`
}

// Default returns the configuration defaults a file or flags override.
func Default() Config {
	return Config{
		ModelName:        "small",
		OutputDir:        "./output",
		WorldSize:        1,
		Seed:             42,
		BatchSize:        8,
		CheckpointPeriod: 500,
		EvalPeriod:       0,
		LogPeriod:        20,
		FinetunePrefixes: model.DefaultFinetunePrefixes,
		Solver: SolverConfig{
			Optimizer:          solver.TypeAdamW,
			BaseLR:             1e-4,
			Momentum:           0.9,
			WeightDecay:        0.05,
			WeightDecayNorm:    0.0,
			WeightDecayEmbed:   0.0,
			BackboneMultiplier: 0.1,
			ClipGradients:      true,
			ClipValue:          1.0,
			ClipScope:          solver.ClipScopeFullModel,
			AMPEnabled:         true,
			MaxIter:            1000,
			Schedule:           solver.ScheduleWarmupPoly,
			WarmupIters:        10,
			WarmupFactor:       1e-3,
			PolyPower:          0.9,
			Gamma:              0.1,
		},
		Datasets: DatasetsConfig{
			Train:  []string{"train_panoptic"},
			Ratios: nil,
			Test:   []string{"val_panoptic"},
		},
		Eval: EvalConfig{PanopticOn: true},
	}
}

// Load reads a JSON config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %v", path, err)
	}
	return cfg, nil
}

// Validate performs every fatal configuration check eagerly, before any
// expensive resource is allocated. Errors name the offending setting.
func (c *Config) Validate() error {
	found := false
	for _, n := range model.PresetNames() {
		if n == c.ModelName {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("model_name: invalid model name %q (have %v)", c.ModelName, model.PresetNames())
	}

	switch c.Solver.Optimizer {
	case solver.TypeSGD, solver.TypeAdamW:
	default:
		return fmt.Errorf("solver.optimizer: no optimizer type %q (have %s, %s)", c.Solver.Optimizer, solver.TypeSGD, solver.TypeAdamW)
	}

	if c.Solver.ClipGradients {
		switch c.Solver.ClipScope {
		case solver.ClipScopeFullModel, solver.ClipScopePerGroup:
		default:
			return fmt.Errorf("solver.clip_scope: unknown clip scope %q (have %s, %s)", c.Solver.ClipScope, solver.ClipScopeFullModel, solver.ClipScopePerGroup)
		}
		if c.Solver.ClipValue <= 0 {
			return fmt.Errorf("solver.clip_value: must be positive when clipping is enabled, got %v", c.Solver.ClipValue)
		}
	}

	if c.Solver.MaxIter <= 0 {
		return fmt.Errorf("solver.max_iter: must be positive, got %d", c.Solver.MaxIter)
	}

	if len(c.Datasets.Train) == 0 {
		return fmt.Errorf("datasets.train: no dataset is chosen")
	}
	if len(c.Datasets.Ratios) > 0 && len(c.Datasets.Ratios) != len(c.Datasets.Train) {
		return fmt.Errorf("datasets.ratios: %d ratios for %d training datasets", len(c.Datasets.Ratios), len(c.Datasets.Train))
	}
	for i, r := range c.Datasets.Ratios {
		if r < 0 {
			return fmt.Errorf("datasets.ratios: ratio for %s is negative: %v", c.Datasets.Train[i], r)
		}
	}

	if n := c.Eval.Modes(); n.Panoptic && n.Semantic || n.Panoptic && n.Instance || n.Semantic && n.Instance {
		return fmt.Errorf("eval: at most one of panoptic_on/semantic_on/instance_on may be enabled")
	}

	if c.WorldSize <= 0 {
		return fmt.Errorf("world_size: must be positive, got %d", c.WorldSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size: must be positive, got %d", c.BatchSize)
	}
	return nil
}

// TrainRatios returns the configured ratios, defaulting to uniform when none
// were given.
func (c *Config) TrainRatios() []float64 {
	if len(c.Datasets.Ratios) > 0 {
		return c.Datasets.Ratios
	}
	ratios := make([]float64, len(c.Datasets.Train))
	for i := range ratios {
		ratios[i] = 1
	}
	return ratios
}
