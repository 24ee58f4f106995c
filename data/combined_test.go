package data

import (
	"math"
	"testing"
)

func newTestLoader(name string, size, batch int) *SliceLoader {
	return NewSliceLoader(NewRandomDataset(name, size, 2, 3, 1), batch, false, 1)
}

func TestCombineValidation(t *testing.T) {
	a := newTestLoader("a", 8, 2)
	b := newTestLoader("b", 8, 2)

	if _, err := Combine(nil, nil, 1); err == nil {
		t.Error("expected an error for zero loaders")
	}
	if _, err := Combine([]Loader{a, b}, []float64{1}, 1); err == nil {
		t.Error("expected an error for a ratio count mismatch")
	}
	if _, err := Combine([]Loader{a, b}, []float64{1, -1}, 1); err == nil {
		t.Error("expected an error for a negative ratio")
	}
	if _, err := Combine([]Loader{a, b}, []float64{0, 0}, 1); err == nil {
		t.Error("expected an error for all-zero ratios")
	}
}

func TestCombineSingleLoaderBypass(t *testing.T) {
	a := newTestLoader("a", 8, 2)
	combined, err := Combine([]Loader{a}, []float64{3}, 1)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if combined != Loader(a) {
		t.Fatal("expected the single loader to be returned unchanged")
	}
}

func TestCombinedStreamRatioConvergence(t *testing.T) {
	a := newTestLoader("a", 16, 4)
	b := newTestLoader("b", 16, 4)
	combined, err := Combine([]Loader{a, b}, []float64{2, 1}, 99)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	cl := combined.(*CombinedLoader)

	const draws = 3000
	for i := 0; i < draws; i++ {
		batch, err := combined.Next()
		if err != nil {
			t.Fatalf("draw %d failed: %v", i, err)
		}
		if batch == nil {
			t.Fatalf("combined stream ended at draw %d", i)
		}
		if batch.Dataset != "a" && batch.Dataset != "b" {
			t.Fatalf("batch from unknown source %q", batch.Dataset)
		}
	}

	counts := cl.Draws()
	frac := float64(counts[0]) / float64(draws)
	if math.Abs(frac-2.0/3.0) > 0.03 {
		t.Fatalf("expected ~2/3 of draws from the 2-weighted source, got %v", frac)
	}
}

func TestCombinedStreamNeverEnds(t *testing.T) {
	// Two tiny loaders: many more draws than either holds forces restarts.
	a := newTestLoader("a", 4, 2)
	b := newTestLoader("b", 4, 2)
	combined, err := Combine([]Loader{a, b}, []float64{1, 1}, 5)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if combined.Len() != 0 {
		t.Fatal("combined stream should report an unbounded length")
	}
	for i := 0; i < 100; i++ {
		batch, err := combined.Next()
		if err != nil {
			t.Fatalf("draw %d failed: %v", i, err)
		}
		if batch == nil {
			t.Fatalf("combined stream ended at draw %d", i)
		}
	}
}

func TestRepeatCyclesFiniteLoader(t *testing.T) {
	loader := Repeat(newTestLoader("a", 4, 2))
	if loader.Len() != 0 {
		t.Fatal("repeated loader should report an unbounded length")
	}
	for i := 0; i < 20; i++ {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("draw %d failed: %v", i, err)
		}
		if batch == nil {
			t.Fatalf("repeated stream ended at draw %d", i)
		}
	}
}

func TestRepeatPassesUnboundedLoadersThrough(t *testing.T) {
	a := newTestLoader("a", 4, 2)
	b := newTestLoader("b", 4, 2)
	combined, err := Combine([]Loader{a, b}, []float64{1, 1}, 5)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if Repeat(combined) != combined {
		t.Fatal("expected an unbounded loader to pass through Repeat unchanged")
	}
}
