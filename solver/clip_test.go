package solver

import (
	"math"
	"testing"

	"github.com/seglab/segtrain/tensor"
)

func clipGroups(t *testing.T) []Group {
	t.Helper()
	a, _ := tensor.NewParameter("a", []int{2}, []float64{0, 0})
	b, _ := tensor.NewParameter("b", []int{1}, []float64{0})
	groups := []Group{
		{Name: "a", Param: a, LR: 0},
		{Name: "b", Param: b, LR: 0},
	}
	if err := a.SetGrad([]float64{3.0, 0.0}); err != nil {
		t.Fatalf("failed to set gradient: %v", err)
	}
	if err := b.SetGrad([]float64{4.0}); err != nil {
		t.Fatalf("failed to set gradient: %v", err)
	}
	return groups
}

func TestBuildRejectsUnknownOptimizerType(t *testing.T) {
	if _, err := Build(Options{Type: "LAMB"}, nil); err == nil {
		t.Fatal("expected an error for an unknown optimizer type")
	}
}

func TestFullModelClipBoundsAggregateNorm(t *testing.T) {
	groups := clipGroups(t)
	opt, err := Build(Options{
		Type: TypeSGD,
		Clip: ClipOptions{Enabled: true, Value: 1.0, Scope: ClipScopeFullModel},
	}, groups)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := opt.(*fullModelClipped); !ok {
		t.Fatalf("expected a full-model clipped optimizer, got %T", opt)
	}

	if err := opt.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	// Aggregate norm was 5; the clip must rescale to 1 while preserving direction.
	norm := tensor.GradNorm(Parameters(groups))
	if math.Abs(norm-1.0) > 1e-9 {
		t.Fatalf("expected aggregate norm 1.0 after clipping, got %v", norm)
	}
	g := groups[0].Param.Grad()
	if math.Abs(g[0]-3.0/5.0) > 1e-9 {
		t.Errorf("expected direction preserved, got %v", g[0])
	}
}

func TestPerGroupClipBoundsEachGroup(t *testing.T) {
	groups := clipGroups(t)
	opt, err := Build(Options{
		Type: TypeSGD,
		Clip: ClipOptions{Enabled: true, Value: 1.0, Scope: ClipScopePerGroup},
	}, groups)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := opt.(*perGroupClipped); !ok {
		t.Fatalf("expected a per-group clipped optimizer, got %T", opt)
	}

	if err := opt.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	for _, g := range groups {
		norm := tensor.GradNorm([]*tensor.Parameter{g.Param})
		if norm > 1.0+1e-9 {
			t.Errorf("group %s norm %v exceeds the clip value", g.Name, norm)
		}
	}
}

func TestFullModelScopeBypassesPerGroupWrapper(t *testing.T) {
	// With the full-model predicate satisfied, the per-group wrapper must never
	// be reached, so the two strategies cannot stack.
	opt, err := Build(Options{
		Type: TypeSGD,
		Clip: ClipOptions{Enabled: true, Value: 2.0, Scope: ClipScopeFullModel},
	}, clipGroups(t))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	fm, ok := opt.(*fullModelClipped)
	if !ok {
		t.Fatalf("expected a full-model clipped optimizer, got %T", opt)
	}
	if _, nested := fm.Optimizer.(*perGroupClipped); nested {
		t.Fatal("per-group wrapper stacked under the full-model wrapper")
	}
}

func TestClipDisabledReturnsBareOptimizer(t *testing.T) {
	for _, clip := range []ClipOptions{
		{Enabled: false, Value: 1.0, Scope: ClipScopeFullModel},
		{Enabled: true, Value: 0, Scope: ClipScopeFullModel},
		{Enabled: true, Value: 1.0, Scope: ""},
	} {
		opt, err := Build(Options{Type: TypeSGD, Clip: clip}, clipGroups(t))
		if err != nil {
			t.Fatalf("build failed: %v", err)
		}
		if _, ok := opt.(*SGD); !ok {
			t.Errorf("clip %+v: expected a bare optimizer, got %T", clip, opt)
		}
	}
}
