package solver

import (
	"fmt"

	"github.com/seglab/segtrain/tensor"
)

// Clip scopes selectable in configuration. The two modes are mutually
// exclusive: full-model clipping computes one norm over the union of all
// groups' gradients, per-group clipping clips each group independently.
const (
	ClipScopeFullModel = "full_model"
	ClipScopePerGroup  = "per_group"
)

// ClipOptions configures gradient clipping for Build.
type ClipOptions struct {
	Enabled bool
	Value   float64
	Scope   string
}

// Options selects and configures the optimizer built by Build.
type Options struct {
	Type  string
	SGD   SGDOptions
	AdamW AdamWOptions
	Clip  ClipOptions
}

// Build constructs the configured optimizer over the groups, decorating it
// with exactly one clipping strategy when enabled. The full-model predicate
// is checked first; when it holds, the per-group wrapper is bypassed
// entirely so the two strategies can never stack.
func Build(opts Options, groups []Group) (Optimizer, error) {
	var base Optimizer
	switch opts.Type {
	case TypeSGD:
		base = NewSGD(groups, opts.SGD)
	case TypeAdamW:
		base = NewAdamW(groups, opts.AdamW)
	default:
		return nil, fmt.Errorf("no optimizer type %q", opts.Type)
	}

	if fullModelClipEnabled(opts.Clip) {
		return &fullModelClipped{Optimizer: base, maxNorm: opts.Clip.Value}, nil
	}
	if opts.Clip.Enabled && opts.Clip.Scope == ClipScopePerGroup && opts.Clip.Value > 0 {
		return &perGroupClipped{Optimizer: base, maxNorm: opts.Clip.Value}, nil
	}
	return base, nil
}

func fullModelClipEnabled(c ClipOptions) bool {
	return c.Enabled && c.Scope == ClipScopeFullModel && c.Value > 0
}

// fullModelClipped scales all gradients by a single factor derived from the
// aggregate norm before delegating the step (clip-then-delegate composition).
type fullModelClipped struct {
	Optimizer
	maxNorm float64
}

func (c *fullModelClipped) Step() error {
	tensor.ClipGrads(Parameters(c.Groups()), c.maxNorm)
	return c.Optimizer.Step()
}

// perGroupClipped clips each group's gradient norm independently before
// delegating the step.
type perGroupClipped struct {
	Optimizer
	maxNorm float64
}

func (c *perGroupClipped) Step() error {
	for _, g := range c.Groups() {
		tensor.ClipGrads([]*tensor.Parameter{g.Param}, c.maxNorm)
	}
	return c.Optimizer.Step()
}
