package model

import "sync"

// Future is a single-resolution completion handle for a pending operation.
// Exactly one of SetResult or SetError may be called, exactly once; a second
// resolution is a programming error and panics.
type Future struct {
	mu     sync.Mutex
	done   chan struct{}
	result []byte
	err    error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// SetResult resolves the future successfully.
func (f *Future) SetResult(result []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkUnresolved()
	f.result = result
	close(f.done)
}

// SetError resolves the future as failed.
func (f *Future) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkUnresolved()
	f.err = err
	close(f.done)
}

func (f *Future) checkUnresolved() {
	select {
	case <-f.done:
		panic("model: future resolved twice")
	default:
	}
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
