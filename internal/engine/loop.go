package engine

// loopBufferSize bounds the posted-call queue. Receiver goroutines block if
// the loop falls this far behind, which backpressures message application
// rather than growing without bound.
const loopBufferSize = 256

// Loop is a serialized executor: one goroutine draining an ordered queue of
// posted calls. All mutable engine and pool state is confined to it, so
// state transitions never need finer-grained locks. Post preserves
// submission order per caller, which gives each engine's responses their
// arrival order.
type Loop struct {
	calls chan func()
	done  chan struct{}
}

// NewLoop creates and starts a loop.
func NewLoop() *Loop {
	l := &Loop{
		calls: make(chan func(), loopBufferSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.calls:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post schedules fn to run on the loop. Fire-and-forget; calls posted after
// Stop are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.calls <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Do(fn func()) {
	ran := make(chan struct{})
	l.Post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-l.done:
	}
}

// Stop terminates the loop. Pending calls may be dropped.
func (l *Loop) Stop() {
	close(l.done)
}
