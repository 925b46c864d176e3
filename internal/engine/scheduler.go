package engine

import (
	"log/slog"

	"github.com/tallyhq/tally/internal/model"
)

// Scheduler assigns analyses to idle engines. It reacts to two signals:
// analysis options changing and an engine slot becoming free. Slot 0 is
// kept for init dispatches so a long run never starves quick
// reconfiguration feedback; runs and operations go to slots 1 and up.
//
// All scheduling runs on the pool's run loop, via the listener callbacks.
type Scheduler struct {
	analyses *model.Analyses
	pool     *Pool
	logger   *slog.Logger
}

// NewScheduler wires a scheduler to the analyses collection and the pool.
func NewScheduler(analyses *model.Analyses, pool *Pool, logger *slog.Logger) *Scheduler {
	s := &Scheduler{analyses: analyses, pool: pool, logger: logger}
	analyses.AddOptionsChangedListener(func(a *model.Analysis) { s.sendNext(a) })
	pool.OnSlotAvailable(func() { s.sendNext(nil) })
	return s
}

// sendNext dispatches as much pending work as free engines allow. When an
// analysis was just reconfigured and is still held by an engine, its
// re-init goes back to that same engine so the stale in-flight response is
// superseded in place.
func (s *Scheduler) sendNext(changed *model.Analysis) {
	engines := s.pool.Engines()

	if changed != nil {
		for _, e := range engines {
			if e.Analysis() == changed {
				s.dispatch(e, changed, false)
				break
			}
		}
	}

	for _, a := range s.analyses.NeedsInit() {
		for _, e := range engines {
			if e.IsWaiting() {
				s.dispatch(e, a, false)
				break
			}
		}
	}

	for _, a := range s.analyses.NeedsOp() {
		for _, e := range engines[min(1, len(engines)-1):] {
			if e.IsWaiting() {
				s.dispatch(e, a, true)
				break
			}
		}
	}

	for _, a := range s.analyses.NeedsRun() {
		for _, e := range engines[min(1, len(engines)-1):] {
			if e.IsWaiting() {
				s.dispatch(e, a, true)
				break
			}
		}
	}
}

func (s *Scheduler) dispatch(e *Engine, a *model.Analysis, run bool) {
	if err := e.Send(a, run); err != nil {
		s.logger.Warn("dispatch failed",
			"slot", e.Slot(),
			"analysis_id", a.ID,
			"run", run,
			"error", err,
		)
	}
}
