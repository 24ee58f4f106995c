package model

import (
	"strings"

	"github.com/seglab/segtrain/tensor"
)

// ApplyFinetunePolicy sets each parameter's trainability flag to true iff its
// qualified name starts with one of the listed prefixes, and freezes every
// other parameter. It must run before parameter groups are built, since frozen
// parameters are excluded from gradient computation entirely. Applying the
// same policy twice is a no-op.
//
// Returns the number of trainable parameters after application.
func ApplyFinetunePolicy(root Module, prefixes []string) int {
	trainable := 0
	for _, np := range NamedParameters(root) {
		tune := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(np.Name, prefix) {
				tune = true
				break
			}
		}
		np.Param.SetRequiresGrad(tune)
		if tune {
			trainable++
		}
	}
	return trainable
}

// TrainableParameters returns the deduplicated trainable parameters of the
// tree in traversal order.
func TrainableParameters(root Module) []NamedParameter {
	var out []NamedParameter
	visited := make(map[*tensor.Parameter]bool)
	for _, np := range NamedParameters(root) {
		if !np.Param.RequiresGrad() {
			continue
		}
		if visited[np.Param] {
			continue
		}
		visited[np.Param] = true
		out = append(out, np)
	}
	return out
}
