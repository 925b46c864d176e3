package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyhq/tally/internal/channel"
	"github.com/tallyhq/tally/internal/model"
	"github.com/tallyhq/tally/internal/protocol"
)

// State is an engine's dispatch state. A permanently stopped engine is
// represented by the stopped flag, not a state.
type State int

const (
	// StateWaiting means the engine is idle and its slot is free.
	StateWaiting State = iota
	// StateIniting means an init-only request is outstanding.
	StateIniting
	// StateRunning means a run request is outstanding, possibly streaming
	// partial results.
	StateRunning
	// StateOpping means a non-computation operation is outstanding.
	StateOpping
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateIniting:
		return "initing"
	case StateRunning:
		return "running"
	case StateOpping:
		return "opping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Errors returned by Send.
var (
	ErrBusy    = errors.New("engine: dispatch while busy")
	ErrStopped = errors.New("engine: not running")
)

// ErrEngineLost resolves a pending operation's future when the engine
// process dies before replying.
var ErrEngineLost = errors.New("engine: process lost before operation completed")

// exitPollInterval and exitPollWindow bound how long the receive loop waits
// for the process exit code to become observable after the channel fails.
const (
	exitPollInterval = 20 * time.Millisecond
	exitPollWindow   = 2 * time.Second
)

// Engine is one supervised worker: a child process, its channel, a
// background receive loop, and at most one in-flight analysis. The engine
// keeps its slot and channel address for its whole life; a restart replaces
// the process and channel but not the engine.
//
// All fields are confined to the pool's run loop except where noted.
type Engine struct {
	slot       int
	connAddr   string
	pool       *Pool
	logger     *slog.Logger
	newProcess ProcessFactory

	state      State
	analysis   *model.Analysis
	ch         *channel.Channel
	proc       Process
	messageID  uint64
	restarting bool
	stopping   bool
	stopped    bool
}

// Slot returns the engine's fixed position in the pool.
func (e *Engine) Slot() int { return e.slot }

// State returns the engine's dispatch state. Run-loop confined.
func (e *Engine) State() State { return e.state }

// IsWaiting reports whether the engine is idle and usable for dispatch.
// Run-loop confined.
func (e *Engine) IsWaiting() bool {
	return e.state == StateWaiting && !e.stopped && !e.stopping && e.proc != nil
}

// Stopped reports whether the engine is permanently stopped. Run-loop confined.
func (e *Engine) Stopped() bool { return e.stopped }

// Analysis returns the engine's current in-flight analysis, or nil.
// Run-loop confined.
func (e *Engine) Analysis() *model.Analysis { return e.analysis }

// Start binds the engine's channel and spawns its process. A spawn failure
// is reported as an engine fault rather than an error return; the engine is
// left non-functional.
func (e *Engine) Start() {
	e.ch = nil
	e.proc = nil

	ch := channel.New(e.connAddr)
	if err := ch.Bind(); err != nil {
		e.pool.engineFault(e, "engine channel could not be bound", err.Error())
		return
	}

	proc, err := e.newProcess(e.slot, e.connAddr)
	if err != nil {
		ch.Close()
		e.pool.engineFault(e, "engine process could not be started", err.Error())
		return
	}

	e.ch = ch
	e.proc = proc
	enginesActive.Inc()

	go e.run(proc, ch)
}

// Send dispatches an analysis to the engine. With run false an init-only
// request is sent; with run true a full run. A completed analysis with a
// pending operation is sent the operation instead.
//
// At most one analysis is ever in flight per engine: the engine must be
// waiting, except that its own current analysis may be re-dispatched after
// a reconfiguration. The bumped revision supersedes the in-flight request,
// whose responses are then dropped as stale.
func (e *Engine) Send(a *model.Analysis, run bool) error {
	if e.stopped || e.proc == nil || e.ch == nil {
		return ErrStopped
	}
	if e.state != StateWaiting && a != e.analysis {
		return ErrBusy
	}

	e.messageID++
	e.analysis = a

	req := &protocol.AnalysisRequest{
		SessionID:  a.SessionID,
		InstanceID: a.InstanceID,
		AnalysisID: a.ID,
		Name:       a.Name,
		NS:         a.NS,
	}

	var perform string
	if op := a.PendingOp(); a.Status == model.StatusComplete && op != nil {
		op.Waiting = false
		req.Options = a.Options
		req.Perform = protocol.PerformSave
		req.Path = op.Path
		req.Part = op.Part
		e.state = StateOpping
		perform = performSave
	} else {
		a.MarkRunning()
		req.Options = a.Options
		req.Changed = a.Changed
		req.Revision = a.Revision
		req.ClearState = a.ClearState
		if run {
			req.Perform = protocol.PerformRun
			e.state = StateRunning
			perform = performRun
		} else {
			req.Perform = protocol.PerformInit
			e.state = StateIniting
			perform = performInit
		}
	}

	env, err := protocol.EncodeRequest(e.messageID, req)
	if err != nil {
		return fmt.Errorf("dispatch analysis %d: %w", a.ID, err)
	}
	if err := e.ch.Send(env); err != nil {
		// The channel failing here means the process is going away; the
		// receive loop will run the closing path for this dispatch.
		return fmt.Errorf("dispatch analysis %d: %w", a.ID, err)
	}

	dispatchesTotal.WithLabelValues(perform).Inc()
	return nil
}

// Stop sends the engine the restart signal, a request whose only meaningful
// field tells the worker process to exit cleanly. Process exit is observed
// asynchronously by the receive loop. A no-op once the engine is stopped.
func (e *Engine) Stop() {
	if e.stopped || e.ch == nil {
		return
	}

	e.stopping = true
	e.messageID++

	env, err := protocol.EncodeRequest(e.messageID, &protocol.AnalysisRequest{RestartEngines: true})
	if err == nil {
		err = e.ch.Send(env)
	}
	if err != nil {
		e.logger.Warn("restart signal failed, killing engine process", "slot", e.slot, "error", err)
		if e.proc != nil {
			e.proc.Kill()
		}
	}
}

// Restart stops the engine and arranges for a fresh process to be started
// on the same address once the old one exits.
func (e *Engine) Restart() {
	e.restarting = true
	e.Stop()
}

// Destroy forcibly terminates the engine process, if any. Used at teardown.
func (e *Engine) Destroy() {
	if e.proc != nil {
		e.proc.Kill()
	}
}

// run is the engine's dedicated receive loop. It blocks on the channel with
// a heartbeat timeout, re-polls process liveness on every wakeup, and hands
// decoded envelopes to the pool's run loop in arrival order. It exits on
// process death, fatal transport error, or pool shutdown, then hands off
// the closing routine the same way.
func (e *Engine) run(proc Process, ch *channel.Channel) {
	e.pool.loop.Post(func() {
		if e.restarting {
			e.restarting = false
			e.pool.engineRestarted(e)
		}
	})

	for {
		env, err := ch.Receive(channel.DefaultReceiveTimeout)
		switch {
		case err == nil:
			e.pool.loop.Post(func() { e.receive(env) })
		case errors.Is(err, channel.ErrTimeout):
			// Heartbeat; fall through to the liveness poll.
		default:
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				e.logger.Warn("dropping undecodable message", "slot", e.slot, "error", derr)
				continue
			}
			e.logger.Debug("engine channel closed", "slot", e.slot, "error", err)
			e.awaitExit(proc)
			e.pool.loop.Post(e.onClosing)
			return
		}

		if exited, _ := proc.Exited(); exited {
			e.pool.loop.Post(e.onClosing)
			return
		}

		select {
		case <-e.pool.done:
			return
		default:
		}
	}
}

// awaitExit gives the process a bounded window to report its exit code so
// the closing routine can include it in the fault event.
func (e *Engine) awaitExit(proc Process) {
	deadline := time.Now().Add(exitPollWindow)
	for time.Now().Before(deadline) {
		if exited, _ := proc.Exited(); exited {
			return
		}
		time.Sleep(exitPollInterval)
	}
}

// receive applies one decoded envelope. Runs on the pool's run loop.
func (e *Engine) receive(env *protocol.Envelope) {
	switch e.state {
	case StateWaiting:
		// A response can arrive after the engine already believes itself
		// idle; log it rather than treating it as an error.
		e.logger.Info("response received while waiting", "slot", e.slot, "message_id", env.ID)
		responsesTotal.WithLabelValues(outcomeUnexpected).Inc()
	case StateOpping:
		e.receiveOp(env)
	default:
		e.receiveResults(env)
	}
}

// receiveOp settles the pending operation with the engine's reply and frees
// the slot. Any response, success or error, completes the operation.
func (e *Engine) receiveOp(env *protocol.Envelope) {
	resp := &protocol.AnalysisResponse{}
	if err := protocol.Unmarshal(env.Payload, resp); err != nil {
		e.logger.Warn("dropping undecodable operation response", "slot", e.slot, "error", err)
		return
	}

	a := e.analysis
	e.state = StateWaiting
	e.analysis = nil

	if op := a.Op; op != nil && op.Future != nil {
		if resp.Status == protocol.StatusError {
			cause := "operation failed"
			if resp.Error != nil && resp.Error.Cause != "" {
				cause = resp.Error.Cause
			}
			op.Future.SetError(errors.New(cause))
			responsesTotal.WithLabelValues(outcomeOpError).Inc()
		} else {
			op.Future.SetResult(resp.Results)
			responsesTotal.WithLabelValues(outcomeOpOK).Inc()
		}
	}
	a.Op = nil

	e.pool.slotAvailable()
}

// receiveResults applies a work response. Responses are matched against the
// analysis's live revision; a mismatch means the analysis was reconfigured
// after dispatch and the response is dropped. IN_PROGRESS responses apply
// partial results without freeing the slot.
func (e *Engine) receiveResults(env *protocol.Envelope) {
	resp := &protocol.AnalysisResponse{}
	if err := protocol.Unmarshal(env.Payload, resp); err != nil {
		e.logger.Warn("dropping undecodable response", "slot", e.slot, "error", err)
		return
	}

	a := e.analysis
	if resp.Revision != a.Revision {
		e.logger.Debug("dropping stale response",
			"slot", e.slot,
			"analysis_id", a.ID,
			"got_revision", resp.Revision,
			"want_revision", a.Revision,
		)
		responsesTotal.WithLabelValues(outcomeStale).Inc()
		return
	}

	if resp.Status == protocol.StatusInProgress {
		a.ApplyPartial(resp)
		responsesTotal.WithLabelValues(outcomePartial).Inc()
		return
	}

	a.ApplyFinal(resp)
	responsesTotal.WithLabelValues(outcomeApplied).Inc()

	e.state = StateWaiting
	e.analysis = nil
	e.pool.analysisDone(e.slot, a)
	e.pool.slotAvailable()
}

// onClosing runs on the pool's run loop after the receive loop exits. It
// closes the channel and either restarts the engine on the same address or
// marks it permanently stopped and reports the fault.
func (e *Engine) onClosing() {
	e.ch.Close()
	enginesActive.Dec()

	if a := e.analysis; a != nil {
		if e.state == StateOpping {
			// The worker died with an operation outstanding; fail the
			// future so callers waiting on it do not hang.
			if op := a.Op; op != nil && op.Future != nil {
				op.Future.SetError(ErrEngineLost)
			}
			a.Op = nil
		}
		e.analysis = nil
	}
	e.state = StateWaiting

	if e.restarting {
		e.stopping = false
		e.logger.Info("restarting engine", "slot", e.slot)
		e.Start()
		return
	}

	_, code := e.proc.Exited()
	e.stopped = true
	e.logger.Error("engine process terminated", "slot", e.slot, "exit_code", code)
	e.pool.engineFault(e, "engine process terminated", fmt.Sprintf("exit code: %d", code))
}
