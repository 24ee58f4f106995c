package data

import (
	"fmt"
	"math/rand"
	"sync"
)

// Batch is one unit of training or test data, attributable to exactly one
// source dataset. Features hold one vector per sample; Labels hold the
// per-sample class index.
type Batch struct {
	Dataset  string
	Features [][]float64
	Labels   []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Features) }

// Loader is a restartable batch source keyed by dataset name. Next returns
// (nil, nil) when a finite loader is exhausted; Reset rewinds it, reshuffling
// if the loader was built with shuffling enabled.
type Loader interface {
	Name() string
	Next() (*Batch, error)
	Reset()
	Len() int // number of batches per pass; 0 if unbounded
}

// Dataset provides indexed sample access, mirroring the mapper collaborator:
// decoding and augmentation happen behind Get.
type Dataset interface {
	Name() string
	Len() int
	Get(idx int) (features []float64, label int, err error)
}

// SliceLoader batches an indexable dataset with optional shuffling.
type SliceLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mu        sync.Mutex
}

// NewSliceLoader creates a loader over the dataset. A non-positive batch size
// defaults to 1.
func NewSliceLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) *SliceLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	l := &SliceLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
	if shuffle {
		l.reshuffle()
	}
	return l
}

func (l *SliceLoader) Name() string { return l.dataset.Name() }

// Len returns the number of batches per pass over the dataset.
func (l *SliceLoader) Len() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Reset rewinds the loader for a new pass, reshuffling when enabled.
func (l *SliceLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = 0
	if l.shuffle {
		l.reshuffle()
	}
}

func (l *SliceLoader) reshuffle() {
	l.rng.Shuffle(len(l.indices), func(i, j int) {
		l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
	})
}

// Next returns the next batch, or (nil, nil) at end of pass.
func (l *SliceLoader) Next() (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position >= len(l.indices) {
		return nil, nil
	}
	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	batchIndices := l.indices[l.position:end]
	l.position = end

	batch := &Batch{
		Dataset:  l.dataset.Name(),
		Features: make([][]float64, 0, len(batchIndices)),
		Labels:   make([]int, 0, len(batchIndices)),
	}
	for _, idx := range batchIndices {
		features, label, err := l.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d from %s: %v", idx, l.dataset.Name(), err)
		}
		batch.Features = append(batch.Features, features)
		batch.Labels = append(batch.Labels, label)
	}
	return batch, nil
}

// RandomDataset generates deterministic pseudo-random samples for testing and
// synthetic runs.
type RandomDataset struct {
	name       string
	size       int
	featureDim int
	numClasses int
	seed       int64
}

// NewRandomDataset creates a RandomDataset.
func NewRandomDataset(name string, size, featureDim, numClasses int, seed int64) *RandomDataset {
	return &RandomDataset{name: name, size: size, featureDim: featureDim, numClasses: numClasses, seed: seed}
}

func (d *RandomDataset) Name() string { return d.name }
func (d *RandomDataset) Len() int     { return d.size }

// Get generates the sample at idx. The same index always yields the same
// sample, so passes are reproducible.
func (d *RandomDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= d.size {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, d.size)
	}
	rng := rand.New(rand.NewSource(d.seed + int64(idx)))
	features := make([]float64, d.featureDim)
	for i := range features {
		features[i] = rng.Float64()*2 - 1
	}
	return features, rng.Intn(d.numClasses), nil
}
