package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/seglab/segtrain/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Kind identifies what a module is, so optimizer policy can key on it.
type Kind int

const (
	KindContainer Kind = iota
	KindLinear
	KindLayerNorm
	KindBatchNorm
	KindGroupNorm
	KindEmbedding
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "Container"
	case KindLinear:
		return "Linear"
	case KindLayerNorm:
		return "LayerNorm"
	case KindBatchNorm:
		return "BatchNorm"
	case KindGroupNorm:
		return "GroupNorm"
	case KindEmbedding:
		return "Embedding"
	default:
		return "Unknown"
	}
}

// IsNorm reports whether the module kind is a normalization layer.
func (k Kind) IsNorm() bool {
	return k == KindLayerNorm || k == KindBatchNorm || k == KindGroupNorm
}

// Module is a node in the model's parameter tree. Parameters returns only the
// locally-owned parameters (non-recursive), so tree walks visit each parameter
// exactly once through its owning module.
type Module interface {
	Kind() Kind
	Parameters() []*tensor.Parameter
	Children() []Child
}

// Child is a named sub-module.
type Child struct {
	Name   string
	Module Module
}

// NamedModule pairs a module with its qualified dot-path name.
type NamedModule struct {
	Name   string
	Module Module
}

// NamedParameter pairs a parameter with its qualified name and owning module.
type NamedParameter struct {
	Name   string // qualified dot-path, e.g. "decoder.cls_head.weight"
	Owner  NamedModule
	Param  *tensor.Parameter
}

// NamedModules walks the tree depth-first in child registration order,
// yielding every module with its qualified name. The root has the empty name.
func NamedModules(root Module) []NamedModule {
	var out []NamedModule
	var walk func(name string, m Module)
	walk = func(name string, m Module) {
		out = append(out, NamedModule{Name: name, Module: m})
		for _, c := range m.Children() {
			childName := c.Name
			if name != "" {
				childName = name + "." + c.Name
			}
			walk(childName, c.Module)
		}
	}
	walk("", root)
	return out
}

// NamedParameters returns every parameter in the tree with its qualified name,
// visited via its owning module. Shared parameters appear once per path;
// consumers deduplicate by identity.
func NamedParameters(root Module) []NamedParameter {
	var out []NamedParameter
	for _, nm := range NamedModules(root) {
		for _, p := range nm.Module.Parameters() {
			qual := p.Name()
			if nm.Name != "" {
				qual = nm.Name + "." + p.Name()
			}
			out = append(out, NamedParameter{Name: qual, Owner: nm, Param: p})
		}
	}
	return out
}

// Summary renders a human-readable structural listing of the tree for logging.
func Summary(root Module) string {
	var b strings.Builder
	var total, trainable int
	for _, np := range NamedParameters(root) {
		n := np.Param.NumElems()
		total += n
		state := "frozen"
		if np.Param.RequiresGrad() {
			trainable += n
			state = "trainable"
		}
		fmt.Fprintf(&b, "  %-48s %-10s %v (%s)\n", np.Name, np.Owner.Module.Kind(), np.Param.Shape(), state)
	}
	fmt.Fprintf(&b, "total parameters: %d (%d trainable)\n", total, trainable)
	return b.String()
}

// Container is a module that groups children and may own loose parameters
// (e.g. position embeddings attached directly to a block).
type Container struct {
	children []Child
	params   []*tensor.Parameter
}

// NewContainer creates an empty container module.
func NewContainer() *Container { return &Container{} }

// Add registers a named child module and returns the container for chaining.
func (c *Container) Add(name string, m Module) *Container {
	c.children = append(c.children, Child{Name: name, Module: m})
	return c
}

// AddParam attaches a locally-owned parameter to the container.
func (c *Container) AddParam(p *tensor.Parameter) *Container {
	c.params = append(c.params, p)
	return c
}

func (c *Container) Kind() Kind                      { return KindContainer }
func (c *Container) Parameters() []*tensor.Parameter { return c.params }
func (c *Container) Children() []Child               { return c.children }

// Linear implements a fully connected layer's parameter surface: a weight of
// shape [out, in] and an optional bias of shape [out].
type Linear struct {
	weight *tensor.Parameter
	bias   *tensor.Parameter
}

// NewLinear creates a Linear module with Xavier-uniform initialized weights.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{weight: xavier("weight", out, in)}
	if bias {
		l.bias = tensor.Zeros("bias", out)
	}
	return l
}

func (l *Linear) Kind() Kind { return KindLinear }

func (l *Linear) Parameters() []*tensor.Parameter {
	if l.bias == nil {
		return []*tensor.Parameter{l.weight}
	}
	return []*tensor.Parameter{l.weight, l.bias}
}

func (l *Linear) Children() []Child { return nil }

// Weight returns the weight parameter.
func (l *Linear) Weight() *tensor.Parameter { return l.weight }

// Bias returns the bias parameter, or nil.
func (l *Linear) Bias() *tensor.Parameter { return l.bias }

// LayerNorm owns the affine scale/shift parameters of a normalization layer.
type LayerNorm struct {
	weight *tensor.Parameter
	bias   *tensor.Parameter
}

// NewLayerNorm creates a LayerNorm with unit scale and zero shift.
func NewLayerNorm(dim int) *LayerNorm {
	w := tensor.Zeros("weight", dim)
	for i := range w.Data() {
		w.Data()[i] = 1
	}
	return &LayerNorm{weight: w, bias: tensor.Zeros("bias", dim)}
}

func (n *LayerNorm) Kind() Kind                      { return KindLayerNorm }
func (n *LayerNorm) Parameters() []*tensor.Parameter { return []*tensor.Parameter{n.weight, n.bias} }
func (n *LayerNorm) Children() []Child               { return nil }

// Embedding owns a lookup table of shape [rows, dim].
type Embedding struct {
	weight *tensor.Parameter
}

// NewEmbedding creates an Embedding with small random initialization.
func NewEmbedding(rows, dim int) *Embedding {
	return &Embedding{weight: xavier("weight", rows, dim)}
}

func (e *Embedding) Kind() Kind                      { return KindEmbedding }
func (e *Embedding) Parameters() []*tensor.Parameter { return []*tensor.Parameter{e.weight} }
func (e *Embedding) Children() []Child               { return nil }

// Weight returns the embedding table parameter.
func (e *Embedding) Weight() *tensor.Parameter { return e.weight }

func xavier(name string, out, in int) *tensor.Parameter {
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(in+out))
	data := make([]float64, out*in)
	for i := range data {
		data[i] = (globalRng.Float64()*2 - 1) * bound
	}
	p, _ := tensor.NewParameter(name, []int{out, in}, data)
	return p
}
