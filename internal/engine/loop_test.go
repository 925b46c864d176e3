package engine_test

import (
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/engine"
)

func TestLoopPreservesPostOrder(t *testing.T) {
	l := engine.NewLoop()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	l.Do(func() {})

	if len(got) != 100 {
		t.Fatalf("ran %d calls, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("call %d ran out of order (got %d)", i, v)
		}
	}
}

func TestLoopDoWaits(t *testing.T) {
	l := engine.NewLoop()
	defer l.Stop()

	ran := false
	l.Do(func() {
		time.Sleep(20 * time.Millisecond)
		ran = true
	})
	if !ran {
		t.Error("Do returned before the call finished")
	}
}

func TestLoopStopDropsCalls(t *testing.T) {
	l := engine.NewLoop()
	l.Stop()

	// Neither call may block or run.
	l.Post(func() { t.Error("posted call ran after Stop") })
	done := make(chan struct{})
	go func() {
		l.Do(func() { t.Error("Do call ran after Stop") })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Do blocked after Stop")
	}
}
