package model

import (
	"fmt"
	"math"

	"github.com/seglab/segtrain/data"
)

// Net is a perception model preset: a frozen-by-default encoder backbone and
// a trainable decoder whose heads produce per-sample class and objectness
// predictions. The loss surface is deliberately small; the tree exists to give
// the optimization policy real parameters to govern.
type Net struct {
	name       string
	root       *Container
	clsHead    *Linear
	objHead    *Linear
	featureDim int
	numClasses int

	// forward state consumed by Backward
	lastFeatures [][]float64
	lastLabels   []int
	lastProbs    [][]float64
	lastScores   []float64
}

// Name returns the preset name the net was built from.
func (n *Net) Name() string { return n.name }

// Root exposes the module tree for traversal, masking, and grouping.
func (n *Net) Root() Module { return n.root }

// FeatureDim returns the expected per-sample feature vector length.
func (n *Net) FeatureDim() int { return n.featureDim }

// NumClasses returns the size of the classification head.
func (n *Net) NumClasses() int { return n.numClasses }

// Summary returns a human-readable structural listing for logging.
func (n *Net) Summary() string {
	return fmt.Sprintf("Net(%s)\n%s", n.name, Summary(n.root))
}

// Forward computes the loss breakdown for one batch and caches the
// intermediate values Backward needs.
func (n *Net) Forward(batch *data.Batch) (map[string]float64, error) {
	if batch.Size() == 0 {
		return nil, fmt.Errorf("empty batch from dataset %s", batch.Dataset)
	}

	w := n.clsHead.Weight().Data()
	b := n.clsHead.Bias().Data()
	v := n.objHead.Weight().Data()
	c := n.objHead.Bias().Data()

	var lossCls, lossObj float64
	probs := make([][]float64, batch.Size())
	scores := make([]float64, batch.Size())

	for i, x := range batch.Features {
		if len(x) != n.featureDim {
			return nil, fmt.Errorf("feature dim mismatch in %s: expected %d, got %d", batch.Dataset, n.featureDim, len(x))
		}
		label := batch.Labels[i]
		if label < 0 || label >= n.numClasses {
			return nil, fmt.Errorf("label %d out of range [0, %d) in %s", label, n.numClasses, batch.Dataset)
		}

		logits := make([]float64, n.numClasses)
		for cl := 0; cl < n.numClasses; cl++ {
			s := b[cl]
			row := w[cl*n.featureDim : (cl+1)*n.featureDim]
			for d, xv := range x {
				s += row[d] * xv
			}
			logits[cl] = s
		}
		p := softmax(logits)
		probs[i] = p
		lossCls += -math.Log(math.Max(p[label], 1e-12))

		s := c[0]
		for d, xv := range x {
			s += v[d] * xv
		}
		scores[i] = s
		target := float64(label) / float64(n.numClasses)
		lossObj += 0.5 * (s - target) * (s - target)
	}

	inv := 1.0 / float64(batch.Size())
	n.lastFeatures = batch.Features
	n.lastLabels = batch.Labels
	n.lastProbs = probs
	n.lastScores = scores

	return map[string]float64{
		"loss_cls": lossCls * inv,
		"loss_obj": lossObj * inv,
	}, nil
}

// Backward accumulates gradients for the trainable head parameters, scaled by
// the given loss-scale factor. Parameters outside the heads receive no
// gradient; the synchronized step must tolerate that.
func (n *Net) Backward(scale float64) error {
	if n.lastFeatures == nil {
		return fmt.Errorf("Backward called before Forward")
	}
	batchSize := len(n.lastFeatures)
	inv := scale / float64(batchSize)

	if n.clsHead.Weight().RequiresGrad() {
		gw := make([]float64, n.numClasses*n.featureDim)
		gb := make([]float64, n.numClasses)
		for i, x := range n.lastFeatures {
			p := n.lastProbs[i]
			for cl := 0; cl < n.numClasses; cl++ {
				delta := p[cl]
				if cl == n.lastLabels[i] {
					delta -= 1
				}
				gb[cl] += delta * inv
				row := gw[cl*n.featureDim : (cl+1)*n.featureDim]
				for d, xv := range x {
					row[d] += delta * xv * inv
				}
			}
		}
		if err := n.clsHead.Weight().AccumGrad(gw); err != nil {
			return fmt.Errorf("cls head weight grad: %v", err)
		}
		if err := n.clsHead.Bias().AccumGrad(gb); err != nil {
			return fmt.Errorf("cls head bias grad: %v", err)
		}
	}

	if n.objHead.Weight().RequiresGrad() {
		gv := make([]float64, n.featureDim)
		gc := make([]float64, 1)
		for i, x := range n.lastFeatures {
			target := float64(n.lastLabels[i]) / float64(n.numClasses)
			delta := (n.lastScores[i] - target) * inv
			gc[0] += delta
			for d, xv := range x {
				gv[d] += delta * xv
			}
		}
		if err := n.objHead.Weight().AccumGrad(gv); err != nil {
			return fmt.Errorf("obj head weight grad: %v", err)
		}
		if err := n.objHead.Bias().AccumGrad(gc); err != nil {
			return fmt.Errorf("obj head bias grad: %v", err)
		}
	}

	return nil
}

// Infer runs an inference-only pass, returning the predicted class and its
// confidence score for each sample.
func (n *Net) Infer(batch *data.Batch) ([]int, []float64, error) {
	if _, err := n.Forward(batch); err != nil {
		return nil, nil, err
	}
	classes := make([]int, batch.Size())
	scores := make([]float64, batch.Size())
	for i, p := range n.lastProbs {
		best := 0
		for cl := 1; cl < len(p); cl++ {
			if p[cl] > p[best] {
				best = cl
			}
		}
		classes[i] = best
		scores[i] = p[best]
	}
	return classes, scores, nil
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
