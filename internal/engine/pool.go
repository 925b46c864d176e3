package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallyhq/tally/internal/channel"
	"github.com/tallyhq/tally/internal/model"
)

// DefaultSlots is the pool size when none is configured.
const DefaultSlots = 3

// EventError is the type carried by engine fault events.
const EventError = "error"

// Event describes an engine-level fault: a spawn failure or an unexpected
// process termination.
type Event struct {
	Type    string `json:"type"`
	Slot    int    `json:"slot"`
	Message string `json:"message"`
	Cause   string `json:"cause"`
}

// RunInfo summarizes a finalized analysis dispatch, for persistence and
// event listeners.
type RunInfo struct {
	Slot       int
	AnalysisID uint64
	Name       string
	NS         string
	Status     string
	ErrorCause string
	Revision   uint64
}

// Config configures a Pool.
type Config struct {
	// Slots is the fixed number of engines. Defaults to DefaultSlots.
	Slots int
	// Process describes how engine processes are spawned.
	Process ProcessConfig
	// NewProcess overrides the process factory; tests use this to supply
	// fakes. Defaults to ExecFactory(Process).
	NewProcess ProcessFactory
	// Logger receives pool and engine log output.
	Logger *slog.Logger
}

// Pool owns a fixed, ordered set of engines. The pool's run loop is the
// single execution context for all engine state; callers reach it through
// Do. Slot count never changes after construction; a permanently stopped
// engine leaves its slot dead rather than being replaced.
type Pool struct {
	logger  *slog.Logger
	loop    *Loop
	engines []*Engine
	done    chan struct{}

	mu             sync.Mutex
	slotListeners  []func()
	eventListeners []func(Event)
	doneListeners  []func(RunInfo)

	barrier *restartBarrier // run-loop confined
}

// NewPool constructs the pool and its engines. Processes are not spawned
// until Start.
func NewPool(cfg Config) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	newProcess := cfg.NewProcess
	if newProcess == nil {
		newProcess = ExecFactory(cfg.Process)
	}

	p := &Pool{
		logger: cfg.Logger,
		loop:   NewLoop(),
		done:   make(chan struct{}),
	}

	root := channel.Root()
	p.engines = make([]*Engine, cfg.Slots)
	for i := range p.engines {
		p.engines[i] = &Engine{
			slot:       i,
			connAddr:   channel.Addr(root, i),
			pool:       p,
			logger:     cfg.Logger,
			newProcess: newProcess,
		}
	}

	return p
}

// Size returns the fixed slot count.
func (p *Pool) Size() int { return len(p.engines) }

// Engine returns the engine occupying the given slot.
func (p *Pool) Engine(slot int) *Engine { return p.engines[slot] }

// Engines returns the engines in slot order. Engine state must only be read
// on the run loop.
func (p *Pool) Engines() []*Engine { return p.engines }

// Do runs fn on the pool's run loop and waits for it. All engine dispatch
// and model mutation goes through here.
func (p *Pool) Do(fn func()) { p.loop.Do(fn) }

// Start spawns every engine's process.
func (p *Pool) Start() {
	p.loop.Do(func() {
		for _, e := range p.engines {
			e.Start()
		}
	})
}

// Stop sends every engine the restart signal. It does not wait for the
// processes to exit.
func (p *Pool) Stop() {
	p.loop.Do(func() {
		for _, e := range p.engines {
			e.Stop()
		}
	})
}

// RestartAll restarts every live engine and blocks until each one has
// reported a completed restart, or until ctx expires. On timeout it returns
// an error naming the number of engines still pending rather than hanging.
func (p *Pool) RestartAll(ctx context.Context) error {
	bar := &restartBarrier{zero: make(chan struct{})}

	p.loop.Post(func() {
		p.barrier = bar
		for _, e := range p.engines {
			if e.stopped || e.proc == nil {
				continue
			}
			bar.pending.Add(1)
			e.Restart()
		}
		bar.arm()
	})

	select {
	case <-bar.zero:
		p.loop.Post(func() {
			if p.barrier == bar {
				p.barrier = nil
			}
		})
		return nil
	case <-ctx.Done():
		p.loop.Post(func() {
			if p.barrier == bar {
				p.barrier = nil
			}
		})
		return fmt.Errorf("engine restart incomplete, %d still pending: %w", bar.pending.Load(), ctx.Err())
	}
}

// Shutdown stops the pool for good: poison pills, a bounded wait for the
// processes to exit, force-kill for stragglers, then the run loop itself.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	for time.Now().Before(deadline) {
		if p.allExited() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.loop.Do(func() {
		for _, e := range p.engines {
			e.Destroy()
		}
	})

	close(p.done)
	p.loop.Stop()
}

func (p *Pool) allExited() bool {
	exited := true
	p.loop.Do(func() {
		for _, e := range p.engines {
			if e.proc == nil {
				continue
			}
			if done, _ := e.proc.Exited(); !done {
				exited = false
				return
			}
		}
	})
	return exited
}

// OnSlotAvailable registers a listener invoked on the run loop whenever an
// engine returns to waiting after being busy. Listeners run in registration
// order.
func (p *Pool) OnSlotAvailable(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slotListeners = append(p.slotListeners, fn)
}

// OnEngineEvent registers a listener for engine-level faults, invoked on
// the run loop in registration order.
func (p *Pool) OnEngineEvent(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventListeners = append(p.eventListeners, fn)
}

// OnAnalysisDone registers a listener invoked on the run loop whenever an
// analysis dispatch finalizes.
func (p *Pool) OnAnalysisDone(fn func(RunInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doneListeners = append(p.doneListeners, fn)
}

// Snapshot returns a consistent view of every slot's status.
func (p *Pool) Snapshot() []SlotStatus {
	out := make([]SlotStatus, len(p.engines))
	p.loop.Do(func() {
		for i, e := range p.engines {
			out[i] = SlotStatus{
				Slot:       e.slot,
				State:      e.state.String(),
				Stopped:    e.stopped,
				Restarting: e.restarting,
			}
			if e.analysis != nil {
				id := e.analysis.ID
				out[i].AnalysisID = &id
			}
		}
	})
	return out
}

// SlotStatus is a point-in-time view of one engine slot.
type SlotStatus struct {
	Slot       int     `json:"slot"`
	State      string  `json:"state"`
	Stopped    bool    `json:"stopped"`
	Restarting bool    `json:"restarting"`
	AnalysisID *uint64 `json:"analysis_id,omitempty"`
}

// slotAvailable fans out to slot listeners. Run-loop confined.
func (p *Pool) slotAvailable() {
	p.mu.Lock()
	listeners := append(([]func())(nil), p.slotListeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// engineFault records a fault and fans it out. Run-loop confined.
func (p *Pool) engineFault(e *Engine, message, cause string) {
	faultsTotal.Inc()
	ev := Event{Type: EventError, Slot: e.slot, Message: message, Cause: cause}

	p.mu.Lock()
	listeners := append(([]func(Event))(nil), p.eventListeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// analysisDone fans out a finalized dispatch. Run-loop confined.
func (p *Pool) analysisDone(slot int, a *model.Analysis) {
	info := RunInfo{
		Slot:       slot,
		AnalysisID: a.ID,
		Name:       a.Name,
		NS:         a.NS,
		Status:     a.Status,
		ErrorCause: a.ErrorCause,
		Revision:   a.Revision,
	}

	p.mu.Lock()
	listeners := append(([]func(RunInfo))(nil), p.doneListeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(info)
	}
}

// engineRestarted marks one engine's restart complete. Run-loop confined.
func (p *Pool) engineRestarted(e *Engine) {
	restartsTotal.Inc()
	p.logger.Info("engine restarted", "slot", e.slot)
	if p.barrier != nil {
		p.barrier.complete()
	}
}

// restartBarrier is the counting barrier behind RestartAll: one pending
// unit per restarting engine, released when the count reaches zero after
// arming.
type restartBarrier struct {
	pending atomic.Int32
	armed   bool
	zero    chan struct{}
}

func (b *restartBarrier) arm() {
	b.armed = true
	if b.pending.Load() == 0 {
		close(b.zero)
	}
}

func (b *restartBarrier) complete() {
	if b.pending.Add(-1) == 0 && b.armed {
		close(b.zero)
	}
}
