package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seglab/segtrain/dist"
	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/solver"
)

func buildTestNet(t *testing.T) *model.Net {
	t.Helper()
	model.SetRandomSeed(3)
	net, err := model.BuildPreset("small")
	if err != nil {
		t.Fatalf("failed to build preset: %v", err)
	}
	model.ApplyFinetunePolicy(net.Root(), model.DefaultFinetunePrefixes)
	return net
}

func buildTestOptimizer(t *testing.T, net *model.Net) solver.Optimizer {
	t.Helper()
	groups := solver.BuildGroups(net.Root(), solver.DefaultGroupOptions())
	opt, err := solver.Build(solver.Options{Type: solver.TypeAdamW, AdamW: solver.DefaultAdamWOptions()}, groups)
	if err != nil {
		t.Fatalf("failed to build optimizer: %v", err)
	}
	return opt
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := dist.Single()
	net := buildTestNet(t)
	opt := buildTestOptimizer(t, net)
	sched := solver.NewWarmupPolySchedule(100, 10, 1e-3, 0.9)

	ckpt := New(dir, ctx)
	ckpt.SetIterationSource(func() int { return 42 })

	if ckpt.HasCheckpoint() {
		t.Fatal("fresh directory reports a checkpoint")
	}
	if err := ckpt.Save(net.Root(), opt, sched); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !ckpt.HasCheckpoint() {
		t.Fatal("saved checkpoint not detected")
	}

	path, err := ckpt.LastPath()
	if err != nil {
		t.Fatalf("last path failed: %v", err)
	}
	if filepath.Base(path) != "model_0000042.json" {
		t.Fatalf("unexpected checkpoint name %s", filepath.Base(path))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Iteration != 42 {
		t.Errorf("expected iteration 42, got %d", loaded.Iteration)
	}
	if loaded.Schedule.Name != sched.Name() {
		t.Errorf("schedule name not persisted: %q", loaded.Schedule.Name)
	}
	if loaded.Metadata.Framework != "segtrain" {
		t.Errorf("unexpected framework %q", loaded.Metadata.Framework)
	}
	if len(loaded.Weights) == 0 {
		t.Fatal("no weights persisted")
	}
}

func TestResumeRestoresFullState(t *testing.T) {
	dir := t.TempDir()
	ctx := dist.Single()
	net := buildTestNet(t)
	opt := buildTestOptimizer(t, net)
	sched := solver.NewWarmupPolySchedule(100, 10, 1e-3, 0.9)

	// Perturb a weight and take an optimizer step so state buffers exist.
	first := model.NamedParameters(net.Root())[0]
	first.Param.Data()[0] = 123.456
	opt.SetLRMultiplier(0.25)

	ckpt := New(dir, ctx)
	ckpt.SetIterationSource(func() int { return 7 })
	if err := ckpt.Save(net.Root(), opt, sched); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A fresh replica resumes into the saved state.
	model.SetRandomSeed(99)
	fresh := buildTestNet(t)
	freshOpt := buildTestOptimizer(t, fresh)
	ckpt2 := New(dir, ctx)
	restored, err := ckpt2.ResumeOrLoad(fresh.Root(), freshOpt, "", true)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if restored == nil {
		t.Fatal("expected a checkpoint on resume")
	}
	if restored.Iteration != 7 {
		t.Errorf("expected iteration 7, got %d", restored.Iteration)
	}
	if got := model.NamedParameters(fresh.Root())[0].Param.Data()[0]; got != 123.456 {
		t.Errorf("weight not restored: %v", got)
	}
	if freshOpt.LRMultiplier() != 0.25 {
		t.Errorf("optimizer multiplier not restored: %v", freshOpt.LRMultiplier())
	}
}

func TestWeightsOnlyLoadStartsFresh(t *testing.T) {
	dir := t.TempDir()
	ctx := dist.Single()
	net := buildTestNet(t)
	opt := buildTestOptimizer(t, net)
	sched := solver.NewWarmupPolySchedule(100, 10, 1e-3, 0.9)

	marker := model.NamedParameters(net.Root())[0]
	marker.Param.Data()[0] = -55.5

	ckpt := New(dir, ctx)
	ckpt.SetIterationSource(func() int { return 300 })
	if err := ckpt.Save(net.Root(), opt, sched); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	weightsPath, err := ckpt.LastPath()
	if err != nil {
		t.Fatalf("last path failed: %v", err)
	}

	// resume=false with an explicit weights path seeds weights only: no
	// checkpoint is returned, so the run starts at iteration 0.
	model.SetRandomSeed(5)
	fresh := buildTestNet(t)
	freshOpt := buildTestOptimizer(t, fresh)
	other := New(t.TempDir(), ctx)
	restored, err := other.ResumeOrLoad(fresh.Root(), freshOpt, weightsPath, false)
	if err != nil {
		t.Fatalf("weights-only load failed: %v", err)
	}
	if restored != nil {
		t.Fatal("weights-only load must not return a checkpoint")
	}
	if got := model.NamedParameters(fresh.Root())[0].Param.Data()[0]; got != -55.5 {
		t.Errorf("weights not applied: %v", got)
	}
}

func TestResumeWithoutCheckpointFallsBack(t *testing.T) {
	ctx := dist.Single()
	net := buildTestNet(t)
	ckpt := New(t.TempDir(), ctx)
	restored, err := ckpt.ResumeOrLoad(net.Root(), nil, "", true)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if restored != nil {
		t.Fatal("expected no checkpoint in an empty directory")
	}
}

func TestApplyWeightsValidation(t *testing.T) {
	net := buildTestNet(t)

	if err := ApplyWeights(net.Root(), []WeightTensor{{Name: "no.such.param", Data: []float64{1}}}); err == nil {
		t.Error("expected an error for an unmatched weight")
	}
	if err := ApplyWeights(net.Root(), []WeightTensor{{Name: "decoder.cls_head.bias", Shape: []int{1}, Data: []float64{1}}}); err == nil {
		t.Error("expected an error for a shape mismatch")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a corrupt checkpoint")
	}
}
