package evaluation

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/seglab/segtrain/data"
	"github.com/seglab/segtrain/dist"
)

// InferenceModel is the model surface the test driver needs: an
// inference-only pass yielding per-sample class predictions and confidences.
type InferenceModel interface {
	Infer(batch *data.Batch) (classes []int, scores []float64, err error)
}

// Result is one dataset's metric dictionary.
type Result map[string]float64

// Results maps dataset name to its metrics.
type Results map[string]Result

// Only returns the single dataset's result directly when exactly one dataset
// was evaluated, mirroring the single-dataset unwrapping of the driver
// contract; ok is false otherwise.
func (r Results) Only() (Result, bool) {
	if len(r) != 1 {
		return nil, false
	}
	for _, res := range r {
		return res, true
	}
	return nil, false
}

// TestOptions configures a test-driver run.
type TestOptions struct {
	// Datasets to evaluate, in order.
	Datasets []string

	// Catalog supplies each dataset's declared evaluation semantics.
	Catalog Catalog

	// Modes selects the panoptic-family evaluator variant.
	Modes TaskModes

	// BuildLoader supplies the per-dataset test loader.
	BuildLoader func(name string) (data.Loader, error)

	// Evaluators, when non-nil, bypasses dispatch. Must match Datasets in
	// length exactly.
	Evaluators []Evaluator

	// Ctx is the distributed context; only the main process reports.
	Ctx *dist.Context
}

// RunTests runs an inference-only pass over each test dataset and collects
// per-dataset metrics. A dataset whose evaluator resolution fails with
// ErrNotImplemented degrades to an empty result with a warning; every other
// failure aborts the run. Inference runs under reduced precision, matching
// the evaluation path of training.
func RunTests(m InferenceModel, opts TestOptions) (Results, error) {
	if opts.Evaluators != nil && len(opts.Evaluators) != len(opts.Datasets) {
		return nil, errors.Errorf("%d evaluators supplied for %d datasets", len(opts.Evaluators), len(opts.Datasets))
	}
	ctx := opts.Ctx
	if ctx == nil {
		ctx = dist.Single()
	}

	results := make(Results, len(opts.Datasets))
	for i, name := range opts.Datasets {
		loader, err := opts.BuildLoader(name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build test loader for %s", name)
		}

		var evaluator Evaluator
		if opts.Evaluators != nil {
			evaluator = opts.Evaluators[i]
		} else {
			md, err := opts.Catalog.Get(name)
			if err != nil {
				return nil, err
			}
			evaluator, err = Dispatch(md, opts.Modes)
			if errors.Is(err, ErrNotImplemented) {
				ctx.Logger().Printf("warning: no evaluator for %s (%v); recording empty result", name, err)
				results[name] = Result{}
				continue
			}
			if err != nil {
				return nil, err
			}
		}

		res, err := inferenceOnDataset(m, loader, evaluator)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluation failed for %s", name)
		}
		results[name] = res

		if ctx.IsMain() {
			ctx.Logger().Printf("evaluation results for %s:\n%s", name, FormatResult(res))
		}
	}
	return results, nil
}

// inferenceOnDataset runs one full pass of the loader through the model and
// the evaluator.
func inferenceOnDataset(m InferenceModel, loader data.Loader, evaluator Evaluator) (Result, error) {
	evaluator.Reset()
	loader.Reset()
	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		classes, scores, err := m.Infer(batch)
		if err != nil {
			return nil, err
		}
		// Evaluation runs at reduced precision.
		for i, s := range scores {
			scores[i] = float64(float32(s))
		}
		if err := evaluator.Process(batch, classes, scores); err != nil {
			return nil, err
		}
	}
	return evaluator.Results()
}

// FormatResult renders a metric dictionary in a fixed column format.
func FormatResult(res Result) string {
	names := make([]string, 0, len(res))
	for name := range res {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for _, name := range names {
		out += fmt.Sprintf("  %-16s %.4f\n", name, res[name])
	}
	if out == "" {
		out = "  (empty)\n"
	}
	return out
}
