// Package model holds the analysis domain model shared by the engine pool,
// the scheduler, and the HTTP API. All mutable analysis state is owned by
// the pool's run loop; nothing here is safe for unsynchronized concurrent
// use except Future.
package model

import "github.com/tallyhq/tally/internal/protocol"

// Analysis status constants.
const (
	StatusNotRun   = "not-run"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Operation is a pending non-computation request against a completed
// analysis, such as persisting results to a path. Waiting is true until the
// operation has been handed to an engine; the future resolves exactly once
// with the engine's reply.
type Operation struct {
	Path    string
	Part    string
	Waiting bool
	Future  *Future
}

// Analysis is one unit of dispatched work. Revision increases whenever the
// options change; an engine response applies only if it carries the current
// revision, which is how superseded in-flight work is discarded.
type Analysis struct {
	ID         uint64
	SessionID  string
	InstanceID string
	Name       string
	NS         string

	Options    map[string]any
	Changed    []string
	Revision   uint64
	ClearState bool

	Status       string
	Inited       bool
	RunRequested bool
	Results      []byte
	ErrorCause   string

	Op *Operation
}

// PendingOp returns the analysis's operation if one is waiting to be
// dispatched, else nil.
func (a *Analysis) PendingOp() *Operation {
	if a.Op != nil && a.Op.Waiting {
		return a.Op
	}
	return nil
}

// NeedsInit reports whether the analysis should be sent an init dispatch.
func (a *Analysis) NeedsInit() bool {
	return !a.Inited && a.Status == StatusNotRun && !a.RunRequested
}

// NeedsRun reports whether the analysis should be sent a run dispatch.
func (a *Analysis) NeedsRun() bool {
	return a.RunRequested && a.Status == StatusNotRun
}

// NeedsOp reports whether the analysis has a dispatchable pending operation.
// Operations only run against completed analyses.
func (a *Analysis) NeedsOp() bool {
	return a.Status == StatusComplete && a.PendingOp() != nil
}

// MarkRunning records that a run or init request for the analysis is in
// flight.
func (a *Analysis) MarkRunning() {
	a.Status = StatusRunning
}

// ApplyPartial stores an IN_PROGRESS response's results without changing
// the analysis status.
func (a *Analysis) ApplyPartial(resp *protocol.AnalysisResponse) {
	a.Results = resp.Results
}

// ApplyFinal stores a terminal response and settles the analysis status.
// The changed-field set is consumed by the dispatch it was attached to.
func (a *Analysis) ApplyFinal(resp *protocol.AnalysisResponse) {
	a.Results = resp.Results
	a.Changed = nil
	a.ClearState = false
	a.Inited = true
	a.RunRequested = false

	switch resp.Status {
	case protocol.StatusError:
		a.Status = StatusError
		if resp.Error != nil {
			a.ErrorCause = resp.Error.Cause
		}
	case protocol.StatusComplete:
		a.Status = StatusComplete
	default:
		a.Status = StatusNotRun
	}
}
