package data

import (
	"fmt"
	"math/rand"
)

// CombinedLoader interleaves several loaders into one infinite stream. Each
// draw picks a source loader with probability proportional to its ratio,
// renormalized over the active set; a finite loader is Reset when exhausted so
// the combined stream never ends.
type CombinedLoader struct {
	loaders []Loader
	weights []float64
	rng     *rand.Rand
	draws   []int64
}

// Combine builds the combined stream. Ratios must be non-negative with a
// positive sum and match the loader count. The degenerate single-loader case
// returns the loader unchanged.
func Combine(loaders []Loader, ratios []float64, seed int64) (Loader, error) {
	if len(loaders) == 0 {
		return nil, fmt.Errorf("no loaders to combine")
	}
	if len(ratios) != len(loaders) {
		return nil, fmt.Errorf("ratio count %d does not match loader count %d", len(ratios), len(loaders))
	}
	if len(loaders) == 1 {
		return loaders[0], nil
	}

	var sum float64
	for i, r := range ratios {
		if r < 0 {
			return nil, fmt.Errorf("dataset ratio for %s is negative: %v", loaders[i].Name(), r)
		}
		sum += r
	}
	if sum <= 0 {
		return nil, fmt.Errorf("dataset ratios sum to zero")
	}

	weights := make([]float64, len(ratios))
	for i, r := range ratios {
		weights[i] = r / sum
	}
	return &CombinedLoader{
		loaders: loaders,
		weights: weights,
		rng:     rand.New(rand.NewSource(seed)),
		draws:   make([]int64, len(loaders)),
	}, nil
}

func (c *CombinedLoader) Name() string { return "combined" }

// Len returns 0: the combined stream is unbounded.
func (c *CombinedLoader) Len() int { return 0 }

// Reset rewinds every underlying loader.
func (c *CombinedLoader) Reset() {
	for _, l := range c.loaders {
		l.Reset()
	}
}

// Next draws one batch from a ratio-weighted source.
func (c *CombinedLoader) Next() (*Batch, error) {
	i := c.pick()
	c.draws[i]++

	batch, err := c.loaders[i].Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		// Exhausted: restart the source and draw again.
		c.loaders[i].Reset()
		batch, err = c.loaders[i].Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, fmt.Errorf("loader %s yields no batches after reset", c.loaders[i].Name())
		}
	}
	return batch, nil
}

func (c *CombinedLoader) pick() int {
	r := c.rng.Float64()
	var acc float64
	for i, w := range c.weights {
		acc += w
		if r < acc {
			return i
		}
	}
	return len(c.weights) - 1
}

// Draws reports how many batches were taken from each source so far.
func (c *CombinedLoader) Draws() []int64 {
	out := make([]int64, len(c.draws))
	copy(out, c.draws)
	return out
}

// Repeat turns a finite loader into an endless training stream by resetting it
// on exhaustion. Already-unbounded loaders are returned unchanged.
func Repeat(l Loader) Loader {
	if l.Len() == 0 {
		return l
	}
	return &repeatLoader{inner: l}
}

type repeatLoader struct {
	inner Loader
}

func (r *repeatLoader) Name() string { return r.inner.Name() }
func (r *repeatLoader) Len() int     { return 0 }
func (r *repeatLoader) Reset()       { r.inner.Reset() }

func (r *repeatLoader) Next() (*Batch, error) {
	batch, err := r.inner.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		r.inner.Reset()
		batch, err = r.inner.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, fmt.Errorf("loader %s yields no batches after reset", r.inner.Name())
		}
	}
	return batch, nil
}
