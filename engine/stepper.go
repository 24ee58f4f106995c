package engine

import (
	"github.com/pkg/errors"

	"github.com/seglab/segtrain/data"
	"github.com/seglab/segtrain/dist"
	"github.com/seglab/segtrain/model"
	"github.com/seglab/segtrain/solver"
	"github.com/seglab/segtrain/tensor"
)

// Model is the training-model collaborator: an enumerable parameter tree, a
// forward pass returning a loss breakdown, a backward pass that accumulates
// gradients scaled by the given loss-scale factor, and a structural summary.
type Model interface {
	Root() model.Module
	Forward(batch *data.Batch) (map[string]float64, error)
	Backward(scale float64) error
	Summary() string
}

// LossDict is a scalar loss breakdown keyed by loss name.
type LossDict = map[string]float64

// Stepper performs one full forward+backward+update cycle. The precision
// strategy is a static construction choice, not a per-step one.
type Stepper interface {
	Step() (LossDict, error)
}

// syncParams walks the trainable parameters once at construction so every
// step issues collectives over the same fixed set, in the same order.
func syncParams(m Model) []*tensor.Parameter {
	nps := model.TrainableParameters(m.Root())
	params := make([]*tensor.Parameter, len(nps))
	for i, np := range nps {
		params[i] = np.Param
	}
	return params
}

// SimpleStepper is the plain-precision stepping strategy.
type SimpleStepper struct {
	model  Model
	loader data.Loader
	opt    solver.Optimizer
	ctx    *dist.Context
	params []*tensor.Parameter
}

// NewStepper wraps model, data stream, and optimizer into a plain-precision
// steppable unit with synchronized gradients.
func NewStepper(m Model, loader data.Loader, opt solver.Optimizer, ctx *dist.Context) *SimpleStepper {
	return &SimpleStepper{model: m, loader: loader, opt: opt, ctx: ctx, params: syncParams(m)}
}

// Step runs one synchronized training iteration.
func (s *SimpleStepper) Step() (LossDict, error) {
	batch, err := s.loader.Next()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	if batch == nil {
		return nil, errors.New("training stream ended unexpectedly")
	}

	s.opt.ZeroGrad()
	losses, err := s.model.Forward(batch)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}
	if err := s.model.Backward(1.0); err != nil {
		return nil, errors.Wrap(err, "backward pass failed")
	}
	if err := dist.SyncGradients(s.ctx, s.params); err != nil {
		return nil, errors.Wrap(err, "gradient synchronization failed")
	}
	if err := s.opt.Step(); err != nil {
		return nil, errors.Wrap(err, "optimizer step failed")
	}
	return losses, nil
}

// AMP stepping defaults.
const (
	defaultLossScale   = 65536.0
	minLossScale       = 1.0
	scaleGrowthWindow  = 2000
	scaleGrowthFactor  = 2.0
	scaleBackoffFactor = 0.5
)

// AMPStepper is the mixed-precision stepping strategy: backward runs against
// a scaled loss to keep small gradients representable at reduced precision,
// gradients are unscaled through a float32 round-trip before the update, and
// steps producing non-finite gradients are skipped while the scale backs off.
type AMPStepper struct {
	model  Model
	loader data.Loader
	opt    solver.Optimizer
	ctx    *dist.Context
	params []*tensor.Parameter

	lossScale  float64
	goodSteps  int
	skipped    int64
}

// NewAMPStepper wraps model, data stream, and optimizer into a mixed-precision
// steppable unit with dynamic loss scaling.
func NewAMPStepper(m Model, loader data.Loader, opt solver.Optimizer, ctx *dist.Context) *AMPStepper {
	return &AMPStepper{
		model:     m,
		loader:    loader,
		opt:       opt,
		ctx:       ctx,
		params:    syncParams(m),
		lossScale: defaultLossScale,
	}
}

// LossScale returns the current dynamic loss scale.
func (s *AMPStepper) LossScale() float64 { return s.lossScale }

// SkippedSteps returns how many steps were skipped for non-finite gradients.
func (s *AMPStepper) SkippedSteps() int64 { return s.skipped }

// Step runs one synchronized mixed-precision iteration.
func (s *AMPStepper) Step() (LossDict, error) {
	batch, err := s.loader.Next()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	if batch == nil {
		return nil, errors.New("training stream ended unexpectedly")
	}

	s.opt.ZeroGrad()
	losses, err := s.model.Forward(batch)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}
	if err := s.model.Backward(s.lossScale); err != nil {
		return nil, errors.Wrap(err, "backward pass failed")
	}

	// Unscale through float32 to mirror the reduced-precision backward.
	finite := true
	inv := 1.0 / s.lossScale
	for _, p := range s.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for i := range g {
			g[i] = float64(float32(g[i] * inv))
		}
		if !p.GradFinite() {
			finite = false
		}
	}

	if !finite {
		s.opt.ZeroGrad()
		s.lossScale *= scaleBackoffFactor
		if s.lossScale < minLossScale {
			s.lossScale = minLossScale
		}
		s.goodSteps = 0
		s.skipped++
		return losses, nil
	}

	if err := dist.SyncGradients(s.ctx, s.params); err != nil {
		return nil, errors.Wrap(err, "gradient synchronization failed")
	}
	if err := s.opt.Step(); err != nil {
		return nil, errors.Wrap(err, "optimizer step failed")
	}

	s.goodSteps++
	if s.goodSteps >= scaleGrowthWindow {
		s.lossScale *= scaleGrowthFactor
		s.goodSteps = 0
	}
	return losses, nil
}
