package engine

import (
	"fmt"
	"sort"

	"github.com/seglab/segtrain/metrics"
)

// baseHook provides no-op defaults for hooks that only care about one side of
// the step.
type baseHook struct{}

func (baseHook) BeforeStep(*Trainer) error { return nil }
func (baseHook) AfterStep(*Trainer) error  { return nil }

// ScheduleHook advances the learning-rate schedule: before each step it
// applies the multiplier the schedule prescribes for the current iteration,
// so a resumed run picks up exactly where the counter says.
type ScheduleHook struct {
	baseHook
}

// NewScheduleHook creates the schedule-advancement hook.
func NewScheduleHook() *ScheduleHook { return &ScheduleHook{} }

func (h *ScheduleHook) BeforeStep(t *Trainer) error {
	t.Optimizer().SetLRMultiplier(t.Schedule().Multiplier(t.Iteration()))
	return nil
}

// CheckpointHook persists a snapshot every period iterations. Only the main
// process writes; the save itself barriers the group.
type CheckpointHook struct {
	baseHook
	period int
}

// NewCheckpointHook creates a periodic checkpoint hook.
func NewCheckpointHook(period int) *CheckpointHook {
	return &CheckpointHook{period: period}
}

func (h *CheckpointHook) AfterStep(t *Trainer) error {
	if h.period <= 0 || t.Checkpointer() == nil {
		return nil
	}
	if t.Iteration()%h.period != 0 {
		return nil
	}
	return t.Checkpointer().Save(t.model.Root(), t.Optimizer(), t.Schedule())
}

// PeriodicHook invokes a callback every period iterations, used for periodic
// evaluation.
type PeriodicHook struct {
	baseHook
	period int
	fn     func(t *Trainer) error
}

// NewPeriodicHook creates a hook firing fn after every period-th step.
func NewPeriodicHook(period int, fn func(t *Trainer) error) *PeriodicHook {
	return &PeriodicHook{period: period, fn: fn}
}

func (h *PeriodicHook) AfterStep(t *Trainer) error {
	if h.period <= 0 || t.Iteration()%h.period != 0 {
		return nil
	}
	return h.fn(t)
}

// MetricsHook records the step's loss breakdown and learning-rate multiplier
// into the metrics store and logs a progress line every logPeriod iterations.
// The store's buffered events are flushed when the loop exits.
type MetricsHook struct {
	baseHook
	store     *metrics.Store
	logPeriod int
}

// NewMetricsHook creates the periodic metric-logging hook.
func NewMetricsHook(store *metrics.Store, logPeriod int) *MetricsHook {
	return &MetricsHook{store: store, logPeriod: logPeriod}
}

func (h *MetricsHook) AfterStep(t *Trainer) error {
	iter := t.Iteration()
	var total float64
	for name, v := range t.LastLosses() {
		h.store.Record(iter, name, v)
		total += v
	}
	h.store.Record(iter, "loss_total", total)
	h.store.Record(iter, "lr_multiplier", t.Optimizer().LRMultiplier())

	if h.logPeriod > 0 && iter%h.logPeriod == 0 && t.Context().IsMain() {
		names := make([]string, 0, len(t.LastLosses()))
		for name := range t.LastLosses() {
			names = append(names, name)
		}
		sort.Strings(names)
		line := ""
		for _, name := range names {
			line += " " + name + "=" + formatScalar(t.LastLosses()[name])
		}
		t.Context().Logger().Printf("iter %d/%d:%s total=%s", iter, t.MaxIteration(), line, formatScalar(total))
	}
	return nil
}

// Flush persists buffered metric events.
func (h *MetricsHook) Flush() error { return h.store.Flush() }

func formatScalar(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
