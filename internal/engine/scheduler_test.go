package engine_test

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/engine"
	"github.com/tallyhq/tally/internal/model"
	"github.com/tallyhq/tally/internal/protocol"
)

func newScheduledPool(t *testing.T, slots int) (*engine.Pool, *model.Analyses, *harness) {
	t.Helper()
	pool, h := newTestPool(t, slots)
	analyses := model.NewAnalyses()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	engine.NewScheduler(analyses, pool, logger)
	return pool, analyses, h
}

func TestSchedulerDispatchesInitOnCreate(t *testing.T) {
	pool, analyses, h := newScheduledPool(t, 2)
	pool.Start()
	proc0 := h.next(t)
	h.next(t)

	var a *model.Analysis
	pool.Do(func() {
		a = analyses.Create("sess", "inst", "descriptives", "stats", nil)
	})

	// Inits go to the first free engine, slot 0 included.
	req := readRequest(t, proc0)
	if req.Perform != protocol.PerformInit || req.AnalysisID != a.ID {
		t.Errorf("request = %+v, want init for analysis %d", req, a.ID)
	}

	respond(t, proc0, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})
	waitFor(t, pool, "init never applied", func() bool {
		return a.Inited && a.Status == model.StatusComplete
	})
}

func TestSchedulerKeepsSlotZeroForInits(t *testing.T) {
	pool, analyses, h := newScheduledPool(t, 2)
	pool.Start()
	proc0 := h.next(t)
	proc1 := h.next(t)

	var a *model.Analysis
	pool.Do(func() {
		a = analyses.Create("sess", "inst", "descriptives", "stats", nil)
	})
	readRequest(t, proc0)
	respond(t, proc0, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})
	waitFor(t, pool, "init never applied", func() bool { return a.Inited })

	pool.Do(func() { analyses.RequestRun(a) })

	// The run lands on slot 1, never slot 0.
	req := readRequest(t, proc1)
	if req.Perform != protocol.PerformRun || req.AnalysisID != a.ID {
		t.Errorf("request = %+v, want run for analysis %d", req, a.ID)
	}

	proc0.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := protocol.ReadEnvelope(proc0.conn); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("slot 0 read = %v, want deadline exceeded with no traffic", err)
	}

	respond(t, proc1, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete, Results: []byte("done")})
	waitFor(t, pool, "run never completed", func() bool {
		return a.Status == model.StatusComplete && string(a.Results) == "done"
	})
}

func TestSchedulerQueuesRunsUntilSlotFree(t *testing.T) {
	pool, analyses, h := newScheduledPool(t, 2)
	pool.Start()
	proc0 := h.next(t)
	proc1 := h.next(t)

	var a, b *model.Analysis
	pool.Do(func() {
		a = analyses.Create("sess", "inst", "one", "stats", nil)
	})
	readRequest(t, proc0)
	respond(t, proc0, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})
	waitFor(t, pool, "first init never applied", func() bool { return a.Inited })

	pool.Do(func() {
		b = analyses.Create("sess", "inst", "two", "stats", nil)
	})
	readRequest(t, proc0)
	respond(t, proc0, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})
	waitFor(t, pool, "second init never applied", func() bool { return b.Inited })

	// Two runs, one run slot: the second waits for the first to finish.
	pool.Do(func() {
		analyses.RequestRun(a)
		analyses.RequestRun(b)
	})

	first := readRequest(t, proc1)
	if first.AnalysisID != a.ID {
		t.Fatalf("first run = analysis %d, want %d", first.AnalysisID, a.ID)
	}
	respond(t, proc1, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})

	second := readRequest(t, proc1)
	if second.AnalysisID != b.ID {
		t.Fatalf("second run = analysis %d, want %d", second.AnalysisID, b.ID)
	}
	respond(t, proc1, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})

	waitFor(t, pool, "both runs never completed", func() bool {
		return a.Status == model.StatusComplete && b.Status == model.StatusComplete
	})
}

func TestSchedulerRedispatchesReconfiguredAnalysis(t *testing.T) {
	pool, analyses, h := newScheduledPool(t, 2)
	pool.Start()
	proc0 := h.next(t)
	h.next(t)

	var a *model.Analysis
	pool.Do(func() {
		a = analyses.Create("sess", "inst", "descriptives", "stats", nil)
	})
	first := readRequest(t, proc0)
	if first.Revision != 1 {
		t.Fatalf("first revision = %d, want 1", first.Revision)
	}

	// Reconfigure while the init is still in flight: the superseding
	// request goes back to the engine that holds the analysis.
	pool.Do(func() {
		analyses.SetOptions(a, map[string]any{"x": 1.0}, []string{"x"})
	})
	second := readRequest(t, proc0)
	if second.Revision != 2 || second.AnalysisID != a.ID {
		t.Fatalf("superseding request = %+v, want revision 2", second)
	}

	respond(t, proc0, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})
	respond(t, proc0, &protocol.AnalysisResponse{Revision: 2, Status: protocol.StatusComplete})

	waitFor(t, pool, "reconfigured analysis never completed", func() bool {
		return a.Status == model.StatusComplete && a.Revision == 2
	})
}

func TestSchedulerDispatchesOperations(t *testing.T) {
	pool, analyses, h := newScheduledPool(t, 2)
	pool.Start()
	proc0 := h.next(t)
	proc1 := h.next(t)

	var a *model.Analysis
	pool.Do(func() {
		a = analyses.Create("sess", "inst", "descriptives", "stats", nil)
	})
	readRequest(t, proc0)
	respond(t, proc0, &protocol.AnalysisResponse{Revision: 1, Status: protocol.StatusComplete})
	waitFor(t, pool, "init never applied", func() bool { return a.Inited })

	var fut *model.Future
	pool.Do(func() {
		fut = analyses.RequestSave(a, "out.bin", "")
	})

	// Operations use the run slots, not slot 0.
	req := readRequest(t, proc1)
	if req.Perform != protocol.PerformSave || req.Path != "out.bin" {
		t.Fatalf("request = %+v, want save to out.bin", req)
	}
	respond(t, proc1, &protocol.AnalysisResponse{Status: protocol.StatusComplete})

	select {
	case <-fut.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("save future never resolved")
	}
	if _, err := fut.Result(); err != nil {
		t.Errorf("save failed: %v", err)
	}
}
