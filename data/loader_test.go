package data

import (
	"testing"
)

func TestSliceLoaderBatching(t *testing.T) {
	ds := NewRandomDataset("train", 10, 4, 3, 1)
	loader := NewSliceLoader(ds, 4, false, 1)

	if loader.Len() != 3 {
		t.Fatalf("expected 3 batches per pass, got %d", loader.Len())
	}

	sizes := []int{}
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if batch == nil {
			break
		}
		if batch.Dataset != "train" {
			t.Errorf("batch attributed to %q", batch.Dataset)
		}
		sizes = append(sizes, batch.Size())
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("expected %d batches, got %d", len(want), len(sizes))
	}
	for i, n := range sizes {
		if n != want[i] {
			t.Errorf("batch %d: expected size %d, got %d", i, want[i], n)
		}
	}

	// Exhausted loaders keep returning (nil, nil).
	if batch, err := loader.Next(); batch != nil || err != nil {
		t.Fatal("expected (nil, nil) after exhaustion")
	}
}

func TestSliceLoaderResetReshuffles(t *testing.T) {
	ds := NewRandomDataset("train", 64, 2, 3, 1)
	loader := NewSliceLoader(ds, 64, true, 7)

	first, err := loader.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	loader.Reset()
	second, err := loader.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}

	same := true
	for i := range first.Features {
		if first.Features[i][0] != second.Features[i][0] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected a different sample order after Reset with shuffling enabled")
	}
}

func TestSliceLoaderUnshuffledResetRepeats(t *testing.T) {
	ds := NewRandomDataset("val", 8, 2, 3, 1)
	loader := NewSliceLoader(ds, 8, false, 0)

	first, _ := loader.Next()
	loader.Reset()
	second, _ := loader.Next()
	for i := range first.Features {
		if first.Features[i][0] != second.Features[i][0] {
			t.Fatal("expected an identical pass without shuffling")
		}
	}
}

func TestRandomDatasetDeterministicPerIndex(t *testing.T) {
	ds := NewRandomDataset("train", 4, 3, 5, 42)
	f1, l1, err := ds.Get(2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	f2, l2, err := ds.Get(2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if l1 != l2 {
		t.Fatal("labels differ across reads of the same index")
	}
	for i := range f1 {
		if f1[i] != f2[i] {
			t.Fatal("features differ across reads of the same index")
		}
	}

	if _, _, err := ds.Get(4); err == nil {
		t.Fatal("expected an error for an out-of-range index")
	}
}
