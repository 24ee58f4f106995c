package engine

import (
	"github.com/pkg/errors"

	"github.com/seglab/segtrain/checkpoints"
	"github.com/seglab/segtrain/dist"
	"github.com/seglab/segtrain/solver"
)

// State is the trainer lifecycle state.
type State int

const (
	StateConstructed State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "CONSTRUCTED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Hook observes the iteration loop. Hooks fire in registration order, before
// and after every step; a hook error fails the run. Hooks that also implement
// Flusher get a best-effort flush on failure and at run end.
type Hook interface {
	BeforeStep(t *Trainer) error
	AfterStep(t *Trainer) error
}

// Flusher is implemented by hooks holding buffered state worth persisting
// when the loop exits.
type Flusher interface {
	Flush() error
}

// Trainer owns the iteration loop, hook lifecycle, checkpoint restore, and
// start/stop bookkeeping. The iteration counter is the single source of truth
// for schedule state, checkpoint naming, and resume position; only the loop
// advances it. The counter holds the number of completed steps: before-step
// hooks see the index of the step about to run, after-step hooks see it
// already counted, so a checkpoint written after step k records k+1 completed
// steps and a resumed run continues with the first step the snapshot does not
// cover.
type Trainer struct {
	stepper Stepper
	opt     solver.Optimizer
	sched   solver.Schedule
	ckpt    *checkpoints.Checkpointer
	model   Model
	ctx     *dist.Context

	hooks      []Hook
	iter       int
	startIter  int
	maxIter    int
	state      State
	stopAsked  bool
	lastLosses LossDict
}

// NewTrainer assembles a trainer from its already-built collaborators. The
// caller constructs them in dependency order (model, then optimizer, then
// data stream, then the stepper over all three). The checkpointer's iteration
// source is bound to this trainer through a non-owning accessor.
func NewTrainer(stepper Stepper, m Model, opt solver.Optimizer, sched solver.Schedule, ckpt *checkpoints.Checkpointer, maxIter int, ctx *dist.Context) *Trainer {
	t := &Trainer{
		stepper: stepper,
		opt:     opt,
		sched:   sched,
		ckpt:    ckpt,
		model:   m,
		ctx:     ctx,
		maxIter: maxIter,
		state:   StateConstructed,
	}
	if ckpt != nil {
		ckpt.SetIterationSource(t.Iteration)
	}
	return t
}

// RegisterHooks appends hooks; execution follows registration order.
func (t *Trainer) RegisterHooks(hooks ...Hook) {
	t.hooks = append(t.hooks, hooks...)
}

// Iteration returns the number of completed iterations. Before a step runs it
// is also the index of that step.
func (t *Trainer) Iteration() int { return t.iter }

// MaxIteration returns the configured final iteration.
func (t *Trainer) MaxIteration() int { return t.maxIter }

// State returns the lifecycle state.
func (t *Trainer) State() State { return t.state }

// Context returns the distributed context.
func (t *Trainer) Context() *dist.Context { return t.ctx }

// Optimizer returns the optimizer, for hooks.
func (t *Trainer) Optimizer() solver.Optimizer { return t.opt }

// Schedule returns the learning-rate schedule, for hooks.
func (t *Trainer) Schedule() solver.Schedule { return t.sched }

// Checkpointer returns the checkpoint handle, for hooks.
func (t *Trainer) Checkpointer() *checkpoints.Checkpointer { return t.ckpt }

// LastLosses returns the loss breakdown of the most recent step.
func (t *Trainer) LastLosses() LossDict { return t.lastLosses }

// RequestStop asks the loop to terminate at the next iteration boundary.
// There is no mid-step cancellation.
func (t *Trainer) RequestStop() { t.stopAsked = true }

// ResumeOrLoad restores trainer state before the run. With resume enabled and
// a prior checkpoint present, weights, optimizer, schedule, and the iteration
// counter are restored, so the run continues with the first step the snapshot
// does not already count; otherwise weightsPath (when set) seeds model weights
// only and the run starts at iteration 0.
func (t *Trainer) ResumeOrLoad(weightsPath string, resume bool) error {
	if t.ckpt == nil {
		return nil
	}
	ckpt, err := t.ckpt.ResumeOrLoad(t.model.Root(), t.opt, weightsPath, resume)
	if err != nil {
		return err
	}
	if ckpt != nil {
		t.startIter = ckpt.Iteration
		t.iter = ckpt.Iteration
		t.ctx.Logger().Printf("resumed from checkpoint at iteration %d", ckpt.Iteration)
	}
	return nil
}

// Train drives iterations from the start iteration to max. It returns nil
// after completing (final checkpoint persisted), or the propagated error after
// a failed step or hook; buffered hook state is flushed best-effort either
// way.
func (t *Trainer) Train() error {
	if t.state != StateConstructed {
		return errors.Errorf("trainer cannot start from state %s", t.state)
	}
	t.state = StateRunning
	t.ctx.Logger().Printf("starting training from iteration %d to %d on %s", t.iter, t.maxIter, t.ctx.Device)

	for t.iter = t.startIter; t.iter < t.maxIter; {
		if t.stopAsked {
			t.ctx.Logger().Printf("early termination requested at iteration %d", t.iter)
			break
		}

		for _, h := range t.hooks {
			if err := h.BeforeStep(t); err != nil {
				return t.fail(errors.Wrapf(err, "before-step hook failed at iteration %d", t.iter))
			}
		}

		losses, err := t.stepper.Step()
		if err != nil {
			return t.fail(errors.Wrapf(err, "training step failed at iteration %d", t.iter))
		}
		t.lastLosses = losses
		t.iter++

		for _, h := range t.hooks {
			if err := h.AfterStep(t); err != nil {
				return t.fail(errors.Wrapf(err, "after-step hook failed at iteration %d", t.iter))
			}
		}
	}

	t.state = StateCompleted
	t.flushHooks()
	if t.ckpt != nil {
		if err := t.ckpt.Save(t.model.Root(), t.opt, t.sched); err != nil {
			return errors.Wrap(err, "failed to persist final checkpoint")
		}
	}
	t.ctx.Logger().Printf("training completed at iteration %d", t.iter)
	return nil
}

// fail transitions to FAILED, gives hooks a chance to flush, and returns the
// error for propagation. The loop never swallows step failures.
func (t *Trainer) fail(err error) error {
	t.state = StateFailed
	t.flushHooks()
	return err
}

func (t *Trainer) flushHooks() {
	for _, h := range t.hooks {
		if f, ok := h.(Flusher); ok {
			if ferr := f.Flush(); ferr != nil {
				t.ctx.Logger().Printf("warning: hook flush failed: %v", ferr)
			}
		}
	}
}
