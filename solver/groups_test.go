package solver

import (
	"strings"
	"testing"

	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/tensor"
)

func testTree() model.Module {
	encoder := model.NewContainer()
	encoder.Add("attn", model.NewLinear(4, 4, true))
	encoder.Add("norm", model.NewLayerNorm(4))
	encoder.Add("adapter", model.NewLinear(4, 4, false))

	decoder := model.NewContainer()
	decoder.Add("queries", model.NewEmbedding(8, 4))
	decoder.Add("head", model.NewLinear(4, 2, true))

	root := model.NewContainer()
	root.AddParam(tensor.Zeros("abs_pos_embed", 1, 4))
	root.Add("encoder", encoder)
	root.Add("decoder", decoder)
	return root
}

func groupByName(t *testing.T, groups []Group, name string) Group {
	t.Helper()
	for _, g := range groups {
		if g.Name == name {
			return g
		}
	}
	t.Fatalf("no group named %q", name)
	return Group{}
}

func TestBuildGroupsOverrides(t *testing.T) {
	opts := GroupOptions{
		BaseLR:             1e-3,
		WeightDecay:        0.05,
		WeightDecayNorm:    0.01,
		WeightDecayEmbed:   0.02,
		BackboneMultiplier: 0.1,
		BackboneName:       "encoder",
		BackboneExclude:    "adapter",
	}
	groups := BuildGroups(testTree(), opts)

	cases := []struct {
		name string
		lr   float64
		wd   float64
	}{
		{"abs_pos_embed", 1e-3, 0.0},           // position embedding carries no decay
		{"encoder.attn.weight", 1e-4, 0.05},    // backbone multiplier applies
		{"encoder.norm.weight", 1e-4, 0.01},    // norm decay wins under the backbone
		{"encoder.adapter.weight", 1e-3, 0.05}, // adapter is exempt from the multiplier
		{"decoder.queries.weight", 1e-3, 0.02}, // embedding decay
		{"decoder.head.weight", 1e-3, 0.05},
		{"decoder.head.bias", 1e-3, 0.05},
	}
	for _, tc := range cases {
		g := groupByName(t, groups, tc.name)
		if !almostEqual(g.LR, tc.lr) {
			t.Errorf("%s: expected lr %v, got %v", tc.name, tc.lr, g.LR)
		}
		if !almostEqual(g.WeightDecay, tc.wd) {
			t.Errorf("%s: expected weight decay %v, got %v", tc.name, tc.wd, g.WeightDecay)
		}
	}
}

func TestBuildGroupsPosEmbedInsideBackbone(t *testing.T) {
	encoder := model.NewContainer()
	encoder.AddParam(tensor.Zeros("abs_pos_embed", 1, 4))
	root := model.NewContainer()
	root.Add("encoder", encoder)

	opts := DefaultGroupOptions()
	groups := BuildGroups(root, opts)
	g := groupByName(t, groups, "encoder.abs_pos_embed")
	if !almostEqual(g.LR, opts.BaseLR*opts.BackboneMultiplier) {
		t.Errorf("expected backbone lr %v, got %v", opts.BaseLR*opts.BackboneMultiplier, g.LR)
	}
	if g.WeightDecay != 0 {
		t.Errorf("expected zero weight decay for a position embedding, got %v", g.WeightDecay)
	}
}

func TestBuildGroupsSkipsFrozen(t *testing.T) {
	root := testTree()
	for _, np := range model.NamedParameters(root) {
		if strings.HasPrefix(np.Name, "encoder") {
			np.Param.SetRequiresGrad(false)
		}
	}
	groups := BuildGroups(root, DefaultGroupOptions())
	for _, g := range groups {
		if strings.HasPrefix(g.Name, "encoder") {
			t.Errorf("frozen parameter %s got a group", g.Name)
		}
	}
	if len(groups) == 0 {
		t.Fatal("expected groups for the trainable decoder parameters")
	}
}

func TestBuildGroupsDeduplicatesSharedParameters(t *testing.T) {
	shared := tensor.Zeros("weight", 4)
	a := model.NewContainer()
	a.AddParam(shared)
	b := model.NewContainer()
	b.AddParam(shared)
	root := model.NewContainer()
	root.Add("a", a)
	root.Add("b", b)

	groups := BuildGroups(root, DefaultGroupOptions())
	if len(groups) != 1 {
		t.Fatalf("expected 1 group for a shared parameter, got %d", len(groups))
	}
	if groups[0].Name != "a.weight" {
		t.Errorf("expected the first-path name a.weight, got %s", groups[0].Name)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-12 && d > -1e-12
}
