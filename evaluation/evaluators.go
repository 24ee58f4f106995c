package evaluation

import (
	"fmt"
	"sort"

	"github.com/seglab/segtrain/data"
)

// ClassificationEvaluator computes top-1 accuracy.
type ClassificationEvaluator struct {
	numClasses int
	correct    int
	total      int
}

// NewClassificationEvaluator creates a classification evaluator.
func NewClassificationEvaluator(numClasses int) *ClassificationEvaluator {
	return &ClassificationEvaluator{numClasses: numClasses}
}

func (e *ClassificationEvaluator) Reset() {
	e.correct, e.total = 0, 0
}

func (e *ClassificationEvaluator) Process(batch *data.Batch, classes []int, scores []float64) error {
	if len(classes) != batch.Size() {
		return fmt.Errorf("prediction count %d does not match batch size %d", len(classes), batch.Size())
	}
	for i, pred := range classes {
		if pred == batch.Labels[i] {
			e.correct++
		}
		e.total++
	}
	return nil
}

func (e *ClassificationEvaluator) Results() (map[string]float64, error) {
	if e.total == 0 {
		return nil, fmt.Errorf("no samples were processed")
	}
	return map[string]float64{
		"top1_accuracy": float64(e.correct) / float64(e.total) * 100.0,
	}, nil
}

// confusion accumulates a class confusion matrix shared by the segmentation
// evaluators.
type confusion struct {
	numClasses int
	counts     []int64 // [gt*numClasses + pred]
}

func newConfusion(numClasses int) confusion {
	return confusion{numClasses: numClasses, counts: make([]int64, numClasses*numClasses)}
}

func (c *confusion) add(batch *data.Batch, classes []int) error {
	if len(classes) != batch.Size() {
		return fmt.Errorf("prediction count %d does not match batch size %d", len(classes), batch.Size())
	}
	for i, pred := range classes {
		gt := batch.Labels[i]
		if gt < 0 || gt >= c.numClasses || pred < 0 || pred >= c.numClasses {
			return fmt.Errorf("class out of range: gt=%d pred=%d (num classes %d)", gt, pred, c.numClasses)
		}
		c.counts[gt*c.numClasses+pred]++
	}
	return nil
}

func (c *confusion) reset() {
	for i := range c.counts {
		c.counts[i] = 0
	}
}

// perClass returns (true positives, ground-truth count, predicted count) per class.
func (c *confusion) perClass() (tp, gtCount, predCount []int64) {
	tp = make([]int64, c.numClasses)
	gtCount = make([]int64, c.numClasses)
	predCount = make([]int64, c.numClasses)
	for gt := 0; gt < c.numClasses; gt++ {
		for pred := 0; pred < c.numClasses; pred++ {
			n := c.counts[gt*c.numClasses+pred]
			gtCount[gt] += n
			predCount[pred] += n
			if gt == pred {
				tp[gt] += n
			}
		}
	}
	return tp, gtCount, predCount
}

// SemSegEvaluator computes mean intersection-over-union across classes.
type SemSegEvaluator struct {
	conf confusion
}

// NewSemSegEvaluator creates a semantic segmentation evaluator.
func NewSemSegEvaluator(numClasses int) *SemSegEvaluator {
	return &SemSegEvaluator{conf: newConfusion(numClasses)}
}

func (e *SemSegEvaluator) Reset() { e.conf.reset() }

func (e *SemSegEvaluator) Process(batch *data.Batch, classes []int, scores []float64) error {
	return e.conf.add(batch, classes)
}

func (e *SemSegEvaluator) Results() (map[string]float64, error) {
	tp, gtCount, predCount := e.conf.perClass()
	var iouSum float64
	var present int
	for cl := 0; cl < e.conf.numClasses; cl++ {
		union := gtCount[cl] + predCount[cl] - tp[cl]
		if union == 0 {
			continue
		}
		iouSum += float64(tp[cl]) / float64(union)
		present++
	}
	if present == 0 {
		return nil, fmt.Errorf("no samples were processed")
	}
	return map[string]float64{
		"mIoU": iouSum / float64(present) * 100.0,
	}, nil
}

// PanopticEvaluator computes a panoptic-quality style score: per class,
// recognition quality TP/(TP + FP/2 + FN/2), averaged over classes present.
type PanopticEvaluator struct {
	conf confusion
}

// NewPanopticEvaluator creates a panoptic evaluator.
func NewPanopticEvaluator(numClasses int) *PanopticEvaluator {
	return &PanopticEvaluator{conf: newConfusion(numClasses)}
}

func (e *PanopticEvaluator) Reset() { e.conf.reset() }

func (e *PanopticEvaluator) Process(batch *data.Batch, classes []int, scores []float64) error {
	return e.conf.add(batch, classes)
}

func (e *PanopticEvaluator) Results() (map[string]float64, error) {
	tp, gtCount, predCount := e.conf.perClass()
	var pqSum float64
	var present int
	for cl := 0; cl < e.conf.numClasses; cl++ {
		fn := gtCount[cl] - tp[cl]
		fp := predCount[cl] - tp[cl]
		denom := float64(tp[cl]) + float64(fp)/2 + float64(fn)/2
		if gtCount[cl] == 0 && predCount[cl] == 0 {
			continue
		}
		if denom > 0 {
			pqSum += float64(tp[cl]) / denom
		}
		present++
	}
	if present == 0 {
		return nil, fmt.Errorf("no samples were processed")
	}
	return map[string]float64{
		"PQ": pqSum / float64(present) * 100.0,
	}, nil
}

// scoredPrediction is one (correctness, confidence) observation used for
// average-precision computation.
type scoredPrediction struct {
	score   float64
	correct bool
}

// apAccumulator turns score-ranked predictions into average precision.
type apAccumulator struct {
	preds   []scoredPrediction
	gtTotal int
}

func (a *apAccumulator) add(batch *data.Batch, classes []int, scores []float64) error {
	if len(classes) != batch.Size() || len(scores) != batch.Size() {
		return fmt.Errorf("prediction count does not match batch size %d", batch.Size())
	}
	for i := range classes {
		a.preds = append(a.preds, scoredPrediction{score: scores[i], correct: classes[i] == batch.Labels[i]})
		a.gtTotal++
	}
	return nil
}

func (a *apAccumulator) averagePrecision() (float64, error) {
	if a.gtTotal == 0 {
		return 0, fmt.Errorf("no samples were processed")
	}
	sort.Slice(a.preds, func(i, j int) bool { return a.preds[i].score > a.preds[j].score })

	var tp, fp int
	var apSum float64
	for _, p := range a.preds {
		if p.correct {
			tp++
			precision := float64(tp) / float64(tp+fp)
			apSum += precision
		} else {
			fp++
		}
	}
	if tp == 0 {
		return 0, nil
	}
	return apSum / float64(a.gtTotal), nil
}

func (a *apAccumulator) reset() {
	a.preds = nil
	a.gtTotal = 0
}

// DetectionEvaluator computes an average-precision score over confidence-
// ranked predictions, COCO-style.
type DetectionEvaluator struct {
	numClasses int
	acc        apAccumulator
}

// NewDetectionEvaluator creates a detection evaluator.
func NewDetectionEvaluator(numClasses int) *DetectionEvaluator {
	return &DetectionEvaluator{numClasses: numClasses}
}

func (e *DetectionEvaluator) Reset() { e.acc.reset() }

func (e *DetectionEvaluator) Process(batch *data.Batch, classes []int, scores []float64) error {
	return e.acc.add(batch, classes, scores)
}

func (e *DetectionEvaluator) Results() (map[string]float64, error) {
	ap, err := e.acc.averagePrecision()
	if err != nil {
		return nil, err
	}
	return map[string]float64{"AP": ap * 100.0}, nil
}

// InstanceEvaluator is the instance-mode variant of the panoptic family,
// sharing the detection evaluator's AP computation.
type InstanceEvaluator struct {
	numClasses int
	acc        apAccumulator
}

// NewInstanceEvaluator creates an instance segmentation evaluator.
func NewInstanceEvaluator(numClasses int) *InstanceEvaluator {
	return &InstanceEvaluator{numClasses: numClasses}
}

func (e *InstanceEvaluator) Reset() { e.acc.reset() }

func (e *InstanceEvaluator) Process(batch *data.Batch, classes []int, scores []float64) error {
	return e.acc.add(batch, classes, scores)
}

func (e *InstanceEvaluator) Results() (map[string]float64, error) {
	ap, err := e.acc.averagePrecision()
	if err != nil {
		return nil, err
	}
	return map[string]float64{"segm_AP": ap * 100.0}, nil
}
