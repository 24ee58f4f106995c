package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/seglab/segtrain/dist"
	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/solver"
)

const lastCheckpointMarker = "last_checkpoint"

// WeightTensor is one persisted model parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// ScheduleState records which schedule was active and its multiplier at save
// time. The iteration counter is the real schedule state; the multiplier is
// stored for validation and logging.
type ScheduleState struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is a persisted snapshot of model weights, optimizer state,
// schedule state and the iteration counter. Iteration is the number of
// completed training steps at save time; a resumed run continues from it
// without repeating any step the snapshot covers.
type Checkpoint struct {
	Iteration int            `json:"iteration"`
	Weights   []WeightTensor `json:"weights"`
	Optimizer *solver.State  `json:"optimizer_state,omitempty"`
	Schedule  ScheduleState  `json:"schedule_state"`
	Metadata  Metadata       `json:"metadata"`
}

// Checkpointer persists and restores snapshots under an output directory.
// Only the main process writes; the others wait at a barrier so no rank races
// ahead with a half-written file on shared storage. The iteration source is a
// non-owning accessor into the trainer, not a trainer reference.
type Checkpointer struct {
	dir    string
	ctx    *dist.Context
	iterFn func() int
}

// New creates a Checkpointer rooted at dir.
func New(dir string, ctx *dist.Context) *Checkpointer {
	return &Checkpointer{dir: dir, ctx: ctx, iterFn: func() int { return 0 }}
}

// SetIterationSource installs the accessor used to name periodic snapshots.
func (c *Checkpointer) SetIterationSource(fn func() int) { c.iterFn = fn }

// Dir returns the output directory.
func (c *Checkpointer) Dir() string { return c.dir }

// Save persists a snapshot named after the current iteration and updates the
// last-checkpoint marker.
func (c *Checkpointer) Save(root model.Module, opt solver.Optimizer, sched solver.Schedule) error {
	iter := c.iterFn()
	name := fmt.Sprintf("model_%07d.json", iter)

	if c.ctx.IsMain() {
		ckpt := &Checkpoint{
			Iteration: iter,
			Weights:   extractWeights(root),
			Schedule:  ScheduleState{Name: sched.Name(), Multiplier: sched.Multiplier(iter)},
			Metadata:  Metadata{Framework: "segtrain", Version: "1.0.0", CreatedAt: time.Now()},
		}
		if opt != nil {
			ckpt.Optimizer = opt.State()
		}
		if err := c.write(ckpt, name); err != nil {
			return err
		}
	}
	return c.ctx.Barrier()
}

func (c *Checkpointer) write(ckpt *Checkpoint, name string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	path := filepath.Join(c.dir, name)
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(ckpt); err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint %s", name)
	}
	if err := os.WriteFile(filepath.Join(c.dir, lastCheckpointMarker), []byte(name), 0o644); err != nil {
		return errors.Wrap(err, "failed to update last-checkpoint marker")
	}
	return nil
}

// Load reads a checkpoint file.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(file).Decode(&ckpt); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &ckpt, nil
}

// HasCheckpoint reports whether a prior snapshot exists in the directory.
func (c *Checkpointer) HasCheckpoint() bool {
	_, err := os.Stat(filepath.Join(c.dir, lastCheckpointMarker))
	return err == nil
}

// LastPath returns the path of the newest snapshot recorded by the marker.
func (c *Checkpointer) LastPath() (string, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, lastCheckpointMarker))
	if err != nil {
		return "", errors.Wrap(err, "failed to read last-checkpoint marker")
	}
	return filepath.Join(c.dir, strings.TrimSpace(string(raw))), nil
}

// ResumeOrLoad implements the two startup modes. With resume enabled and a
// prior snapshot present, the full snapshot (weights, optimizer, schedule,
// iteration) is restored and returned. Otherwise, when weightsPath is
// non-empty only the model weights are loaded and training starts fresh at
// iteration 0.
func (c *Checkpointer) ResumeOrLoad(root model.Module, opt solver.Optimizer, weightsPath string, resume bool) (*Checkpoint, error) {
	if resume && c.HasCheckpoint() {
		path, err := c.LastPath()
		if err != nil {
			return nil, err
		}
		ckpt, err := Load(path)
		if err != nil {
			return nil, err
		}
		if err := ApplyWeights(root, ckpt.Weights); err != nil {
			return nil, err
		}
		if opt != nil && ckpt.Optimizer != nil {
			if err := opt.LoadState(ckpt.Optimizer); err != nil {
				return nil, errors.Wrap(err, "failed to restore optimizer state")
			}
		}
		return ckpt, nil
	}

	if weightsPath != "" {
		ckpt, err := Load(weightsPath)
		if err != nil {
			return nil, err
		}
		if err := ApplyWeights(root, ckpt.Weights); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// extractWeights snapshots every parameter in the tree by qualified name,
// deduplicated by identity.
func extractWeights(root model.Module) []WeightTensor {
	var weights []WeightTensor
	seen := make(map[string]bool)
	for _, np := range model.NamedParameters(root) {
		if seen[np.Name] {
			continue
		}
		seen[np.Name] = true
		weights = append(weights, WeightTensor{
			Name:  np.Name,
			Shape: np.Param.Shape(),
			Data:  append([]float64(nil), np.Param.Data()...),
		})
	}
	return weights
}

// ApplyWeights loads persisted weights back into the tree, matching by
// qualified name and validating shapes. Every persisted weight must find its
// parameter; extra parameters in the tree are left untouched.
func ApplyWeights(root model.Module, weights []WeightTensor) error {
	params := make(map[string]model.NamedParameter)
	for _, np := range model.NamedParameters(root) {
		params[np.Name] = np
	}

	for _, w := range weights {
		np, ok := params[w.Name]
		if !ok {
			return errors.Errorf("checkpoint weight %s has no matching parameter", w.Name)
		}
		if np.Param.NumElems() != len(w.Data) {
			return errors.Errorf("shape mismatch for %s: parameter %v vs checkpoint %v", w.Name, np.Param.Shape(), w.Shape)
		}
		if err := np.Param.SetData(w.Data); err != nil {
			return errors.Wrapf(err, "failed to load weight %s", w.Name)
		}
	}
	return nil
}
