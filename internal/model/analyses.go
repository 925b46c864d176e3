package model

// Analyses is the ordered collection of analyses for one instance, plus
// options-changed listeners that drive scheduling. It is owned by the pool's
// run loop.
type Analyses struct {
	items     []*Analysis
	nextID    uint64
	listeners []func(*Analysis)
}

// NewAnalyses creates an empty collection.
func NewAnalyses() *Analyses {
	return &Analyses{nextID: 1}
}

// Create adds a new analysis with the given name, namespace, and initial
// options, and notifies options-changed listeners so it gets scheduled.
func (s *Analyses) Create(sessionID, instanceID, name, ns string, options map[string]any) *Analysis {
	a := &Analysis{
		ID:         s.nextID,
		SessionID:  sessionID,
		InstanceID: instanceID,
		Name:       name,
		NS:         ns,
		Options:    options,
		Revision:   1,
		ClearState: true,
		Status:     StatusNotRun,
	}
	s.nextID++
	s.items = append(s.items, a)
	s.notify(a)
	return a
}

// Get returns the analysis with the given id, or nil.
func (s *Analyses) Get(id uint64) *Analysis {
	for _, a := range s.items {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// All returns the analyses in creation order.
func (s *Analyses) All() []*Analysis {
	return s.items
}

// SetOptions replaces the analysis options, bumps the revision so in-flight
// responses for the old configuration are discarded, and notifies listeners.
func (s *Analyses) SetOptions(a *Analysis, options map[string]any, changed []string) {
	a.Options = options
	a.Changed = changed
	a.Revision++
	a.Status = StatusNotRun
	a.Inited = false
	s.notify(a)
}

// RequestRun asks for a full run of the analysis and notifies listeners.
func (s *Analyses) RequestRun(a *Analysis) {
	a.RunRequested = true
	a.Status = StatusNotRun
	s.notify(a)
}

// RequestSave attaches a pending save operation to a completed analysis and
// returns its future. Listeners are notified so the operation gets
// dispatched once a slot is free.
func (s *Analyses) RequestSave(a *Analysis, path, part string) *Future {
	f := NewFuture()
	a.Op = &Operation{Path: path, Part: part, Waiting: true, Future: f}
	s.notify(a)
	return f
}

// NeedsInit returns analyses waiting for an init dispatch.
func (s *Analyses) NeedsInit() []*Analysis {
	return s.filter((*Analysis).NeedsInit)
}

// NeedsRun returns analyses waiting for a run dispatch.
func (s *Analyses) NeedsRun() []*Analysis {
	return s.filter((*Analysis).NeedsRun)
}

// NeedsOp returns completed analyses with a dispatchable operation.
func (s *Analyses) NeedsOp() []*Analysis {
	return s.filter((*Analysis).NeedsOp)
}

// AddOptionsChangedListener registers a listener invoked whenever an
// analysis is created or reconfigured.
func (s *Analyses) AddOptionsChangedListener(fn func(*Analysis)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Analyses) filter(pred func(*Analysis) bool) []*Analysis {
	var out []*Analysis
	for _, a := range s.items {
		if pred(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Analyses) notify(a *Analysis) {
	for _, fn := range s.listeners {
		fn(a)
	}
}
