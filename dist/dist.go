package dist

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/seglab/segtrain/tensor"
)

// Device identifies the accelerator slot a process is bound to.
type Device struct {
	Index int
	Name  string
}

func (d Device) String() string { return fmt.Sprintf("%s[%d]", d.Name, d.Index) }

// Group is the collective-communication contract the engine requires: a
// sum-allreduce over float64 buffers and a barrier. A failed peer surfaces as
// an error; collectives are never retried here.
type Group interface {
	AllReduceSum(buf []float64) error
	Barrier() error
}

// Context carries the distributed identity of one process. Components that
// need to know whether they are the coordinator receive a Context explicitly
// rather than reading ambient global state.
type Context struct {
	Rank      int
	WorldSize int
	Device    Device
	group     Group
	logger    *log.Logger
}

// IsMain reports whether this process is the elected coordinator that
// performs checkpoint writes and result reporting.
func (c *Context) IsMain() bool { return c.Rank == 0 }

// Group returns the process group.
func (c *Context) Group() Group { return c.group }

// Logger returns a rank-prefixed logger.
func (c *Context) Logger() *log.Logger { return c.logger }

// Barrier blocks until every process in the group has arrived.
func (c *Context) Barrier() error {
	if c.WorldSize == 1 {
		return nil
	}
	return c.group.Barrier()
}

func newContext(rank, worldSize int, group Group) *Context {
	return &Context{
		Rank:      rank,
		WorldSize: worldSize,
		Device:    Device{Index: rank, Name: deviceName()},
		group:     group,
		logger:    log.New(os.Stderr, fmt.Sprintf("[rank %d] ", rank), log.LstdFlags),
	}
}

// deviceName describes the local compute device from CPU feature detection.
func deviceName() string {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "cpu"
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return name + " (avx512)"
	case cpuid.CPU.Supports(cpuid.AVX2):
		return name + " (avx2)"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return name + " (neon)"
	default:
		return name
	}
}

// Single returns the context of a non-distributed run.
func Single() *Context {
	return newContext(0, 1, noopGroup{})
}

// Bootstrap creates one context per cooperating process in a local in-process
// group, assigning ranks and devices. The returned contexts share one
// collective group; each is intended for exactly one goroutine-process.
func Bootstrap(worldSize int) ([]*Context, error) {
	if worldSize <= 0 {
		return nil, fmt.Errorf("world size must be positive, got %d", worldSize)
	}
	if worldSize == 1 {
		return []*Context{Single()}, nil
	}
	g := newLocalGroup(worldSize)
	contexts := make([]*Context, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		contexts[rank] = newContext(rank, worldSize, g)
	}
	return contexts, nil
}

// noopGroup is the world-size-1 group.
type noopGroup struct{}

func (noopGroup) AllReduceSum([]float64) error { return nil }
func (noopGroup) Barrier() error               { return nil }

// localGroup implements the collective contract for processes that share an
// address space. Reductions are round-based: every member contributes once,
// the last contributor publishes the result.
type localGroup struct {
	n    int
	mu   sync.Mutex
	cond *sync.Cond

	// barrier state
	barrierGen     int
	barrierArrived int

	// allreduce state
	pending     []float64
	contributed int
	result      []float64
	resultGen   int
}

func newLocalGroup(n int) *localGroup {
	g := &localGroup{n: n}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *localGroup) Barrier() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.barrierGen
	g.barrierArrived++
	if g.barrierArrived == g.n {
		g.barrierArrived = 0
		g.barrierGen++
		g.cond.Broadcast()
		return nil
	}
	for gen == g.barrierGen {
		g.cond.Wait()
	}
	return nil
}

func (g *localGroup) AllReduceSum(buf []float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		g.pending = make([]float64, len(buf))
	}
	if len(g.pending) != len(buf) {
		return fmt.Errorf("allreduce buffer length mismatch: group has %d, rank sent %d", len(g.pending), len(buf))
	}
	floats.Add(g.pending, buf)
	g.contributed++

	if g.contributed == g.n {
		// Publish this round and open the next one.
		g.result = g.pending
		g.pending = nil
		g.contributed = 0
		g.resultGen++
		g.cond.Broadcast()
	} else {
		gen := g.resultGen
		for gen == g.resultGen {
			g.cond.Wait()
		}
	}
	copy(buf, g.result)
	return nil
}

// SyncGradients averages gradients across the process group for every
// trainable parameter, in a fixed order so all ranks issue identical
// collectives. A parameter without a local gradient contributes zeros instead
// of being skipped, which keeps ranks with unused or conditionally-inactive
// sub-paths from deadlocking the reduction; the averaged gradient is
// installed on every rank so replicas stay consistent.
func SyncGradients(ctx *Context, params []*tensor.Parameter) error {
	if ctx.WorldSize == 1 {
		return nil
	}
	inv := 1.0 / float64(ctx.WorldSize)
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		buf := make([]float64, p.NumElems())
		if g := p.Grad(); g != nil {
			copy(buf, g)
		}
		if err := ctx.group.AllReduceSum(buf); err != nil {
			return fmt.Errorf("gradient allreduce failed for %s: %v", p.Name(), err)
		}
		floats.Scale(inv, buf)
		if err := p.SetGrad(buf); err != nil {
			return err
		}
	}
	return nil
}
