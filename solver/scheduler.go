package solver

import (
	"fmt"
	"math"
)

// Schedule returns the learning-rate multiplier for an iteration. Schedules
// are stateless pure functions of the iteration counter, so resuming from a
// checkpoint needs nothing beyond the counter itself.
type Schedule interface {
	// Multiplier returns the LR multiplier active at the given iteration.
	Multiplier(iter int) float64

	// Name returns the schedule name for logging and checkpoints.
	Name() string
}

// WarmupPolySchedule implements polynomial decay with linear warmup: during
// warmup the multiplier ramps from WarmupFactor to 1, then decays as
// (1 - iter/maxIter)^Power.
type WarmupPolySchedule struct {
	MaxIter      int
	WarmupIters  int
	WarmupFactor float64
	Power        float64
}

// NewWarmupPolySchedule creates a warmup-poly schedule with sane defaults for
// out-of-range arguments.
func NewWarmupPolySchedule(maxIter, warmupIters int, warmupFactor, power float64) *WarmupPolySchedule {
	if maxIter <= 0 {
		maxIter = 1
	}
	if warmupIters < 0 {
		warmupIters = 0
	}
	if warmupFactor <= 0 || warmupFactor > 1 {
		warmupFactor = 1e-3
	}
	if power <= 0 {
		power = 0.9
	}
	return &WarmupPolySchedule{
		MaxIter:      maxIter,
		WarmupIters:  warmupIters,
		WarmupFactor: warmupFactor,
		Power:        power,
	}
}

func (s *WarmupPolySchedule) Multiplier(iter int) float64 {
	warmup := 1.0
	if s.WarmupIters > 0 && iter < s.WarmupIters {
		alpha := float64(iter) / float64(s.WarmupIters)
		warmup = s.WarmupFactor*(1-alpha) + alpha
	}
	frac := float64(iter) / float64(s.MaxIter)
	if frac > 1 {
		frac = 1
	}
	return warmup * math.Pow(1-frac, s.Power)
}

func (s *WarmupPolySchedule) Name() string { return "WarmupPolyLR" }

// StepSchedule multiplies the rate by Gamma at each milestone iteration.
type StepSchedule struct {
	Milestones []int
	Gamma      float64
}

// NewStepSchedule creates a milestone step schedule.
func NewStepSchedule(milestones []int, gamma float64) *StepSchedule {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepSchedule{Milestones: milestones, Gamma: gamma}
}

func (s *StepSchedule) Multiplier(iter int) float64 {
	m := 1.0
	for _, milestone := range s.Milestones {
		if iter >= milestone {
			m *= s.Gamma
		}
	}
	return m
}

func (s *StepSchedule) Name() string { return "StepLR" }

// ConstantSchedule keeps the base learning rate for the whole run.
type ConstantSchedule struct{}

func (ConstantSchedule) Multiplier(int) float64 { return 1.0 }
func (ConstantSchedule) Name() string           { return "ConstantLR" }

// Schedule name tags recognized by BuildSchedule.
const (
	ScheduleWarmupPoly = "poly"
	ScheduleStep       = "step"
	ScheduleConstant   = "constant"
)

// ScheduleOptions selects and configures the schedule built by BuildSchedule.
type ScheduleOptions struct {
	Type         string
	MaxIter      int
	WarmupIters  int
	WarmupFactor float64
	Power        float64
	Milestones   []int
	Gamma        float64
}

// BuildSchedule constructs the configured schedule. An unknown type tag is a
// fatal configuration error.
func BuildSchedule(opts ScheduleOptions) (Schedule, error) {
	switch opts.Type {
	case ScheduleWarmupPoly:
		return NewWarmupPolySchedule(opts.MaxIter, opts.WarmupIters, opts.WarmupFactor, opts.Power), nil
	case ScheduleStep:
		return NewStepSchedule(opts.Milestones, opts.Gamma), nil
	case ScheduleConstant, "":
		return ConstantSchedule{}, nil
	default:
		return nil, fmt.Errorf("no schedule type %q", opts.Type)
	}
}
