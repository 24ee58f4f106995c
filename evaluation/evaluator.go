package evaluation

import (
	"github.com/pkg/errors"

	"github.com/seglab/segtrain/data"
)

// ErrNotImplemented marks evaluation semantics no evaluator supports. The
// test driver degrades gracefully on it; everything else is fatal.
var ErrNotImplemented = errors.New("no supported evaluator")

// Semantics is a dataset's declared evaluation protocol, resolved once from
// metadata at configuration time rather than re-matched from name strings.
type Semantics string

const (
	SemanticsClassification Semantics = "classification"
	SemanticsPanoptic       Semantics = "panoptic"
	SemanticsDetection      Semantics = "detection"
)

// Metadata describes one dataset for evaluator dispatch.
type Metadata struct {
	Name       string
	Semantics  Semantics
	NumClasses int
}

// Catalog maps dataset names to their declared metadata, standing in for the
// dataset metadata collaborator.
type Catalog map[string]Metadata

// Get looks a dataset up, failing when it was never declared.
func (c Catalog) Get(name string) (Metadata, error) {
	md, ok := c[name]
	if !ok {
		return Metadata{}, errors.Errorf("dataset %q is not declared in the metadata catalog", name)
	}
	return md, nil
}

// TaskModes selects which panoptic-family evaluator variant runs. Exactly one
// flag must be enabled when a panoptic dataset is evaluated.
type TaskModes struct {
	Panoptic bool
	Semantic bool
	Instance bool
}

func (m TaskModes) enabled() int {
	n := 0
	if m.Panoptic {
		n++
	}
	if m.Semantic {
		n++
	}
	if m.Instance {
		n++
	}
	return n
}

// Evaluator consumes model predictions for one dataset and produces a metric
// dictionary.
type Evaluator interface {
	Reset()
	Process(batch *data.Batch, classes []int, scores []float64) error
	Results() (map[string]float64, error)
}

// Dispatch selects exactly one evaluator for the dataset from its declared
// semantics. Rules are evaluated in order, first match wins:
//
//   - classification semantics: the classification evaluator.
//   - panoptic semantics: the variant selected by the single enabled task-mode
//     flag; zero or multiple enabled flags is a fatal configuration error.
//   - detection semantics: the detection evaluator.
//   - anything else: ErrNotImplemented.
func Dispatch(md Metadata, modes TaskModes) (Evaluator, error) {
	switch md.Semantics {
	case SemanticsClassification:
		return NewClassificationEvaluator(md.NumClasses), nil
	case SemanticsPanoptic:
		if n := modes.enabled(); n != 1 {
			return nil, errors.Errorf("dataset %q needs exactly one enabled task mode (panoptic/semantic/instance), got %d", md.Name, n)
		}
		switch {
		case modes.Panoptic:
			return NewPanopticEvaluator(md.NumClasses), nil
		case modes.Semantic:
			return NewSemSegEvaluator(md.NumClasses), nil
		default:
			return NewInstanceEvaluator(md.NumClasses), nil
		}
	case SemanticsDetection:
		return NewDetectionEvaluator(md.NumClasses), nil
	default:
		return nil, errors.Wrapf(ErrNotImplemented, "evaluation semantics %q for dataset %q", md.Semantics, md.Name)
	}
}
