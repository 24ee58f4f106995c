package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Parameter is a named, flat tensor owned by a model module. Data and gradient
// are stored as contiguous float64 slices; shape is metadata only.
type Parameter struct {
	name         string
	shape        []int
	data         []float64
	grad         []float64
	requiresGrad bool
}

// NewParameter creates a parameter with the given local name, shape and data.
// The data length must match the product of the shape dimensions.
func NewParameter(name string, shape []int, data []float64) (*Parameter, error) {
	n := numElems(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Parameter{
		name:         name,
		shape:        append([]int(nil), shape...),
		data:         data,
		requiresGrad: true,
	}, nil
}

// Zeros creates a zero-initialized parameter.
func Zeros(name string, shape ...int) *Parameter {
	p, _ := NewParameter(name, shape, make([]float64, numElems(shape)))
	return p
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Name returns the parameter's local name within its owning module.
func (p *Parameter) Name() string { return p.name }

// Shape returns the parameter's shape.
func (p *Parameter) Shape() []int { return p.shape }

// NumElems returns the total number of elements.
func (p *Parameter) NumElems() int { return len(p.data) }

// Data returns the underlying value slice. Callers mutate it only through the
// optimizer's update step.
func (p *Parameter) Data() []float64 { return p.data }

// SetData replaces the parameter values in place.
func (p *Parameter) SetData(data []float64) error {
	if len(data) != len(p.data) {
		return fmt.Errorf("data length mismatch for %s: expected %d, got %d", p.name, len(p.data), len(data))
	}
	copy(p.data, data)
	return nil
}

// RequiresGrad reports whether the parameter participates in gradient
// computation and optimization.
func (p *Parameter) RequiresGrad() bool { return p.requiresGrad }

// SetRequiresGrad sets the trainability flag.
func (p *Parameter) SetRequiresGrad(v bool) { p.requiresGrad = v }

// Grad returns the accumulated gradient, or nil if none was produced since the
// last ZeroGrad.
func (p *Parameter) Grad() []float64 { return p.grad }

// AccumGrad adds g into the parameter's gradient, allocating it on first use.
// Frozen parameters reject gradient accumulation.
func (p *Parameter) AccumGrad(g []float64) error {
	if !p.requiresGrad {
		return fmt.Errorf("parameter %s is frozen", p.name)
	}
	if len(g) != len(p.data) {
		return fmt.Errorf("gradient length mismatch for %s: expected %d, got %d", p.name, len(p.data), len(g))
	}
	if p.grad == nil {
		p.grad = make([]float64, len(p.data))
	}
	floats.Add(p.grad, g)
	return nil
}

// SetGrad replaces the gradient wholesale. Used by the gradient synchronizer
// to install the cross-process average.
func (p *Parameter) SetGrad(g []float64) error {
	if len(g) != len(p.data) {
		return fmt.Errorf("gradient length mismatch for %s: expected %d, got %d", p.name, len(p.data), len(g))
	}
	if p.grad == nil {
		p.grad = make([]float64, len(p.data))
	}
	copy(p.grad, g)
	return nil
}

// ScaleGrad multiplies the gradient by f. No-op when no gradient is present.
func (p *Parameter) ScaleGrad(f float64) {
	if p.grad != nil {
		floats.Scale(f, p.grad)
	}
}

// ZeroGrad discards the gradient so the next step starts clean.
func (p *Parameter) ZeroGrad() { p.grad = nil }

// GradFinite reports whether every gradient element is finite. A parameter
// without a gradient is trivially finite.
func (p *Parameter) GradFinite() bool {
	for _, v := range p.grad {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// GradNorm computes the L2 norm over the union of the given parameters'
// gradients. Parameters without gradients contribute nothing.
func GradNorm(params []*Parameter) float64 {
	var sum float64
	for _, p := range params {
		if p.grad == nil {
			continue
		}
		n := floats.Norm(p.grad, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGrads scales every gradient by min(1, maxNorm/norm) where norm is the
// aggregate L2 norm across params. Returns the pre-clip norm.
func ClipGrads(params []*Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			p.ScaleGrad(scale)
		}
	}
	return norm
}
