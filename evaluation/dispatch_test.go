package evaluation

import (
	"testing"

	"github.com/pkg/errors"
)

func TestDispatchBySemantics(t *testing.T) {
	cases := []struct {
		name      string
		semantics Semantics
		modes     TaskModes
		wantType  string
	}{
		{"classification", SemanticsClassification, TaskModes{}, "*evaluation.ClassificationEvaluator"},
		{"panoptic mode", SemanticsPanoptic, TaskModes{Panoptic: true}, "*evaluation.PanopticEvaluator"},
		{"semantic mode", SemanticsPanoptic, TaskModes{Semantic: true}, "*evaluation.SemSegEvaluator"},
		{"instance mode", SemanticsPanoptic, TaskModes{Instance: true}, "*evaluation.InstanceEvaluator"},
		{"detection", SemanticsDetection, TaskModes{}, "*evaluation.DetectionEvaluator"},
	}
	for _, tc := range cases {
		ev, err := Dispatch(Metadata{Name: tc.name, Semantics: tc.semantics, NumClasses: 4}, tc.modes)
		if err != nil {
			t.Errorf("%s: dispatch failed: %v", tc.name, err)
			continue
		}
		if got := typeName(ev); got != tc.wantType {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.wantType, got)
		}
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *ClassificationEvaluator:
		return "*evaluation.ClassificationEvaluator"
	case *PanopticEvaluator:
		return "*evaluation.PanopticEvaluator"
	case *SemSegEvaluator:
		return "*evaluation.SemSegEvaluator"
	case *InstanceEvaluator:
		return "*evaluation.InstanceEvaluator"
	case *DetectionEvaluator:
		return "*evaluation.DetectionEvaluator"
	default:
		return "unknown"
	}
}

func TestDispatchPanopticModeCount(t *testing.T) {
	md := Metadata{Name: "val_panoptic", Semantics: SemanticsPanoptic, NumClasses: 4}

	if _, err := Dispatch(md, TaskModes{}); err == nil {
		t.Error("expected an error with zero task modes enabled")
	}
	if _, err := Dispatch(md, TaskModes{Panoptic: true, Semantic: true}); err == nil {
		t.Error("expected an error with two task modes enabled")
	}
	// The mode-count error is fatal, never a graceful degrade.
	_, err := Dispatch(md, TaskModes{Panoptic: true, Semantic: true, Instance: true})
	if err == nil || errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected a fatal configuration error, got %v", err)
	}
}

func TestDispatchUnknownSemantics(t *testing.T) {
	_, err := Dispatch(Metadata{Name: "exotic", Semantics: "pose"}, TaskModes{})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestCatalogGet(t *testing.T) {
	catalog := Catalog{"val": {Name: "val", Semantics: SemanticsClassification, NumClasses: 3}}
	if _, err := catalog.Get("val"); err != nil {
		t.Fatalf("declared dataset lookup failed: %v", err)
	}
	if _, err := catalog.Get("missing"); err == nil {
		t.Fatal("expected an error for an undeclared dataset")
	}
}
