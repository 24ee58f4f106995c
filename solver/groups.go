package solver

import (
	"strings"

	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/tensor"
)

// GroupOptions controls how per-parameter optimization groups are derived.
type GroupOptions struct {
	BaseLR             float64
	WeightDecay        float64
	WeightDecayNorm    float64
	WeightDecayEmbed   float64
	BackboneMultiplier float64
	BackboneName       string // substring of the owning module's qualified name
	BackboneExclude    string // backbone submodule exempt from the multiplier
}

// DefaultGroupOptions returns the standard hyperparameter defaults.
func DefaultGroupOptions() GroupOptions {
	return GroupOptions{
		BaseLR:             1e-4,
		WeightDecay:        0.05,
		WeightDecayNorm:    0.0,
		WeightDecayEmbed:   0.0,
		BackboneMultiplier: 0.1,
		BackboneName:       "encoder",
		BackboneExclude:    "adapter",
	}
}

// Group is one optimization group: a single addressable parameter with its
// effective base learning rate and weight decay. Groups are not merged by
// value so each parameter keeps independent policy.
type Group struct {
	Name        string
	Param       *tensor.Parameter
	LR          float64
	WeightDecay float64
}

// Parameter local names matching these substrings carry no weight decay.
const (
	relPosPattern = "rel_pos_bias_table"
	absPosPattern = "abs_pos_embed"
)

// BuildGroups walks the module tree once and emits one group per trainable
// parameter. Each parameter is visited via its owning module; parameters
// reachable through multiple paths are deduplicated by identity. Override
// precedence: the backbone multiplier composes multiplicatively on the
// learning rate, while the weight-decay overrides (position embedding, then
// normalization, then embedding table) are applied in sequence so later rules
// win on conflict.
func BuildGroups(root model.Module, opts GroupOptions) []Group {
	var groups []Group
	memo := make(map[*tensor.Parameter]bool)

	for _, nm := range model.NamedModules(root) {
		for _, p := range nm.Module.Parameters() {
			if !p.RequiresGrad() {
				continue
			}
			if memo[p] {
				continue
			}
			memo[p] = true

			lr := opts.BaseLR
			wd := opts.WeightDecay

			if opts.BackboneName != "" &&
				strings.Contains(nm.Name, opts.BackboneName) &&
				(opts.BackboneExclude == "" || !strings.Contains(nm.Name, opts.BackboneExclude)) {
				lr *= opts.BackboneMultiplier
			}

			if strings.Contains(p.Name(), relPosPattern) || strings.Contains(p.Name(), absPosPattern) {
				wd = 0.0
			}
			if nm.Module.Kind().IsNorm() {
				wd = opts.WeightDecayNorm
			}
			if nm.Module.Kind() == model.KindEmbedding {
				wd = opts.WeightDecayEmbed
			}

			name := p.Name()
			if nm.Name != "" {
				name = nm.Name + "." + p.Name()
			}
			groups = append(groups, Group{Name: name, Param: p, LR: lr, WeightDecay: wd})
		}
	}
	return groups
}

// Parameters returns the parameters of all groups in group order.
func Parameters(groups []Group) []*tensor.Parameter {
	out := make([]*tensor.Parameter, len(groups))
	for i, g := range groups {
		out[i] = g.Param
	}
	return out
}
