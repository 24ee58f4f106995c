package model

import (
	"fmt"
	"sort"
)

// presetSpec describes one architecture preset.
type presetSpec struct {
	featureDim    int
	numClasses    int
	encoderDepth  int
	decoderDepth  int
	numQueries    int
}

var presets = map[string]presetSpec{
	"small": {featureDim: 16, numClasses: 8, encoderDepth: 2, decoderDepth: 2, numQueries: 16},
	"large": {featureDim: 32, numClasses: 16, encoderDepth: 4, decoderDepth: 3, numQueries: 32},
}

// PresetNames lists the available architecture presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultFinetunePrefixes is the allow-list of parameter subtrees tuned by
// default: the decoder is trained, the encoder backbone stays frozen.
var DefaultFinetunePrefixes = []string{
	"decoder.transformer",
	"decoder.queries",
	"decoder.mask_embed",
	"decoder.norm",
	"decoder.cls_head",
	"decoder.obj_head",
}

// BuildPreset constructs the named architecture preset. An unknown name is a
// fatal configuration error.
func BuildPreset(name string) (*Net, error) {
	spec, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("invalid model name: %q (have %v)", name, PresetNames())
	}

	d := spec.featureDim

	encoder := NewContainer()
	encoder.AddParam(xavier("abs_pos_embed", 1, d))
	encoder.Add("patch_embed", NewLinear(d, d, true))
	blocks := NewContainer()
	for i := 0; i < spec.encoderDepth; i++ {
		block := NewContainer()
		block.AddParam(xavier("rel_pos_bias_table", 2*d-1, 1))
		block.Add("norm1", NewLayerNorm(d))
		block.Add("attn", NewLinear(d, d, true))
		block.Add("norm2", NewLayerNorm(d))
		block.Add("mlp", NewLinear(d, d, true))
		blocks.Add(fmt.Sprintf("%d", i), block)
	}
	encoder.Add("blocks", blocks)
	encoder.Add("neck", NewLayerNorm(d))
	// The adapter is grafted onto the encoder but trained at the full rate,
	// so the backbone multiplier must not reach it.
	encoder.Add("adapter", NewLinear(d, d, true))

	decoder := NewContainer()
	transformer := NewContainer()
	for i := 0; i < spec.decoderDepth; i++ {
		layer := NewContainer()
		layer.Add("norm", NewLayerNorm(d))
		layer.Add("cross_attn", NewLinear(d, d, true))
		layer.Add("mlp", NewLinear(d, d, true))
		transformer.Add(fmt.Sprintf("%d", i), layer)
	}
	decoder.Add("transformer", transformer)
	decoder.Add("queries", NewEmbedding(spec.numQueries, d))
	decoder.Add("mask_embed", NewEmbedding(spec.numQueries, d))
	decoder.Add("norm", NewLayerNorm(d))
	clsHead := NewLinear(d, spec.numClasses, true)
	decoder.Add("cls_head", clsHead)
	objHead := NewLinear(d, 1, true)
	decoder.Add("obj_head", objHead)

	root := NewContainer()
	root.Add("encoder", encoder)
	root.Add("decoder", decoder)

	return &Net{
		name:       name,
		root:       root,
		clsHead:    clsHead,
		objHead:    objHead,
		featureDim: d,
		numClasses: spec.numClasses,
	}, nil
}
