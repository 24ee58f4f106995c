package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer type tags recognized by Build.
const (
	TypeSGD   = "SGD"
	TypeAdamW = "ADAMW"
)

// Optimizer updates parameters from their accumulated gradients, one group at
// a time. The schedule applies a uniform multiplier on top of each group's
// base learning rate.
type Optimizer interface {
	Step() error
	ZeroGrad()
	SetLRMultiplier(m float64)
	LRMultiplier() float64
	Groups() []Group
	State() *State
	LoadState(state *State) error
}

// State captures optimizer state for checkpointing.
type State struct {
	Type       string        `json:"type"`
	StepCount  int64         `json:"step_count"`
	Multiplier float64       `json:"multiplier"`
	Buffers    []StateTensor `json:"buffers,omitempty"`
}

// StateTensor is one optimizer state buffer (momentum, first/second moment)
// belonging to a group.
type StateTensor struct {
	Group int       `json:"group"`
	Kind  string    `json:"kind"`
	Data  []float64 `json:"data"`
}

// SGDOptions holds momentum-SGD hyperparameters.
type SGDOptions struct {
	Momentum float64
}

// SGD implements momentum SGD over per-parameter groups, with classic L2
// weight decay folded into the gradient.
type SGD struct {
	groups     []Group
	momentum   float64
	multiplier float64
	stepCount  int64
	velocities [][]float64
}

// NewSGD creates an SGD optimizer over the groups.
func NewSGD(groups []Group, opts SGDOptions) *SGD {
	return &SGD{
		groups:     groups,
		momentum:   opts.Momentum,
		multiplier: 1.0,
		velocities: make([][]float64, len(groups)),
	}
}

// Step performs one update. Groups whose parameter received no gradient this
// iteration are skipped.
func (s *SGD) Step() error {
	s.stepCount++
	for i, g := range s.groups {
		grad := g.Param.Grad()
		if grad == nil {
			continue
		}

		step := make([]float64, len(grad))
		copy(step, grad)
		if g.WeightDecay > 0 {
			floats.AddScaled(step, g.WeightDecay, g.Param.Data())
		}

		if s.momentum > 0 {
			if s.velocities[i] == nil {
				s.velocities[i] = make([]float64, len(grad))
			}
			v := s.velocities[i]
			floats.Scale(s.momentum, v)
			floats.Add(v, step)
			copy(step, v)
		}

		floats.AddScaled(g.Param.Data(), -g.LR*s.multiplier, step)
	}
	return nil
}

// ZeroGrad discards all gradients.
func (s *SGD) ZeroGrad() {
	for _, g := range s.groups {
		g.Param.ZeroGrad()
	}
}

// SetLRMultiplier sets the uniform schedule multiplier.
func (s *SGD) SetLRMultiplier(m float64) { s.multiplier = m }

// LRMultiplier returns the current schedule multiplier.
func (s *SGD) LRMultiplier() float64 { return s.multiplier }

// Groups returns the optimization groups.
func (s *SGD) Groups() []Group { return s.groups }

// State extracts momentum buffers and counters for checkpointing.
func (s *SGD) State() *State {
	st := &State{Type: TypeSGD, StepCount: s.stepCount, Multiplier: s.multiplier}
	for i, v := range s.velocities {
		if v == nil {
			continue
		}
		st.Buffers = append(st.Buffers, StateTensor{Group: i, Kind: "momentum", Data: append([]float64(nil), v...)})
	}
	return st
}

// LoadState restores momentum buffers and counters.
func (s *SGD) LoadState(state *State) error {
	if err := validateStateType(TypeSGD, state); err != nil {
		return err
	}
	s.stepCount = state.StepCount
	s.multiplier = state.Multiplier
	s.velocities = make([][]float64, len(s.groups))
	for _, buf := range state.Buffers {
		if buf.Group < 0 || buf.Group >= len(s.groups) {
			return fmt.Errorf("momentum buffer references unknown group %d", buf.Group)
		}
		if buf.Kind != "momentum" {
			return fmt.Errorf("unexpected SGD state buffer kind %q", buf.Kind)
		}
		s.velocities[buf.Group] = append([]float64(nil), buf.Data...)
	}
	return nil
}

// AdamWOptions holds decoupled-weight-decay Adam hyperparameters.
type AdamWOptions struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
}

// DefaultAdamWOptions returns the standard Adam moment coefficients.
func DefaultAdamWOptions() AdamWOptions {
	return AdamWOptions{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// AdamW implements Adam with decoupled weight decay: the decay shrinks the
// parameter directly instead of being folded into the gradient.
type AdamW struct {
	groups     []Group
	opts       AdamWOptions
	multiplier float64
	stepCount  int64
	m          [][]float64
	v          [][]float64
}

// NewAdamW creates an AdamW optimizer over the groups.
func NewAdamW(groups []Group, opts AdamWOptions) *AdamW {
	return &AdamW{
		groups:     groups,
		opts:       opts,
		multiplier: 1.0,
		m:          make([][]float64, len(groups)),
		v:          make([][]float64, len(groups)),
	}
}

// Step performs one update. Groups without gradients are skipped entirely:
// neither their moments nor their decay advance.
func (a *AdamW) Step() error {
	a.stepCount++
	bias1 := 1.0 - math.Pow(a.opts.Beta1, float64(a.stepCount))
	bias2 := 1.0 - math.Pow(a.opts.Beta2, float64(a.stepCount))

	for i, g := range a.groups {
		grad := g.Param.Grad()
		if grad == nil {
			continue
		}

		lr := g.LR * a.multiplier

		if g.WeightDecay > 0 {
			floats.Scale(1.0-lr*g.WeightDecay, g.Param.Data())
		}

		if a.m[i] == nil {
			a.m[i] = make([]float64, len(grad))
			a.v[i] = make([]float64, len(grad))
		}
		m, v := a.m[i], a.v[i]
		for j, gj := range grad {
			m[j] = a.opts.Beta1*m[j] + (1.0-a.opts.Beta1)*gj
			v[j] = a.opts.Beta2*v[j] + (1.0-a.opts.Beta2)*gj*gj

			mHat := m[j] / bias1
			vHat := v[j] / bias2
			g.Param.Data()[j] -= lr * mHat / (math.Sqrt(vHat) + a.opts.Eps)
		}
	}
	return nil
}

// ZeroGrad discards all gradients.
func (a *AdamW) ZeroGrad() {
	for _, g := range a.groups {
		g.Param.ZeroGrad()
	}
}

// SetLRMultiplier sets the uniform schedule multiplier.
func (a *AdamW) SetLRMultiplier(m float64) { a.multiplier = m }

// LRMultiplier returns the current schedule multiplier.
func (a *AdamW) LRMultiplier() float64 { return a.multiplier }

// Groups returns the optimization groups.
func (a *AdamW) Groups() []Group { return a.groups }

// State extracts moment buffers and counters for checkpointing.
func (a *AdamW) State() *State {
	st := &State{Type: TypeAdamW, StepCount: a.stepCount, Multiplier: a.multiplier}
	for i := range a.groups {
		if a.m[i] == nil {
			continue
		}
		st.Buffers = append(st.Buffers,
			StateTensor{Group: i, Kind: "m", Data: append([]float64(nil), a.m[i]...)},
			StateTensor{Group: i, Kind: "v", Data: append([]float64(nil), a.v[i]...)})
	}
	return st
}

// LoadState restores moment buffers and counters.
func (a *AdamW) LoadState(state *State) error {
	if err := validateStateType(TypeAdamW, state); err != nil {
		return err
	}
	a.stepCount = state.StepCount
	a.multiplier = state.Multiplier
	a.m = make([][]float64, len(a.groups))
	a.v = make([][]float64, len(a.groups))
	for _, buf := range state.Buffers {
		if buf.Group < 0 || buf.Group >= len(a.groups) {
			return fmt.Errorf("moment buffer references unknown group %d", buf.Group)
		}
		switch buf.Kind {
		case "m":
			a.m[buf.Group] = append([]float64(nil), buf.Data...)
		case "v":
			a.v[buf.Group] = append([]float64(nil), buf.Data...)
		default:
			return fmt.Errorf("unexpected AdamW state buffer kind %q", buf.Kind)
		}
	}
	return nil
}

func validateStateType(optimizerType string, state *State) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
