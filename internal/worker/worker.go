// Package worker implements the engine-side runtime that runs inside each
// spawned tally-engine process. It dials the channel address it was given,
// decodes analysis requests, streams an in-progress response followed by a
// final result, and exits cleanly when told to restart.
package worker

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"path/filepath"

	"github.com/tallyhq/tally/internal/protocol"
)

// Worker serves one host connection until the host closes it or sends the
// restart signal.
type Worker struct {
	conn     net.Conn
	dataPath string

	messageID uint64
	results   map[uint64][]byte // analysis id → last computed results
}

// New creates a worker for an established host connection.
func New(conn net.Conn, dataPath string) *Worker {
	return &Worker{
		conn:     conn,
		dataPath: dataPath,
		results:  make(map[uint64][]byte),
	}
}

// Run processes requests until the restart signal arrives (clean exit) or
// the connection fails.
func (w *Worker) Run() error {
	for {
		env, err := protocol.ReadEnvelope(w.conn)
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				log.Printf("skipping undecodable frame: %v", derr)
				continue
			}
			return fmt.Errorf("read request: %w", err)
		}

		if env.PayloadKind != protocol.KindAnalysisRequest {
			log.Printf("skipping unexpected payload kind %q", env.PayloadKind)
			continue
		}

		req := &protocol.AnalysisRequest{}
		if err := protocol.Unmarshal(env.Payload, req); err != nil {
			log.Printf("skipping undecodable request: %v", err)
			continue
		}

		if req.RestartEngines {
			log.Printf("restart requested, exiting")
			return nil
		}

		switch req.Perform {
		case protocol.PerformInit:
			w.handleInit(req)
		case protocol.PerformRun:
			w.handleRun(req)
		case protocol.PerformSave:
			w.handleSave(req)
		default:
			log.Printf("skipping request with unknown perform %d", req.Perform)
		}
	}
}

// handleInit acknowledges the analysis configuration without computing.
func (w *Worker) handleInit(req *protocol.AnalysisRequest) {
	w.respond(&protocol.AnalysisResponse{
		Revision: req.Revision,
		Status:   protocol.StatusComplete,
	})
}

// handleRun computes summary statistics over the numeric option arrays,
// streaming an in-progress response before the final one.
func (w *Worker) handleRun(req *protocol.AnalysisRequest) {
	w.respond(&protocol.AnalysisResponse{
		Revision: req.Revision,
		Status:   protocol.StatusInProgress,
	})

	results, err := summarize(req.Options)
	if err != nil {
		w.respond(&protocol.AnalysisResponse{
			Revision: req.Revision,
			Status:   protocol.StatusError,
			Error:    &protocol.ErrorInfo{Cause: err.Error()},
		})
		return
	}

	if req.ClearState {
		delete(w.results, req.AnalysisID)
	}
	w.results[req.AnalysisID] = results

	w.respond(&protocol.AnalysisResponse{
		Revision: req.Revision,
		Status:   protocol.StatusComplete,
		Results:  results,
	})
}

// handleSave writes the analysis's last computed results to the requested
// path. Save requests carry no revision; the host correlates the reply by
// the engine's opping state alone.
func (w *Worker) handleSave(req *protocol.AnalysisRequest) {
	results, ok := w.results[req.AnalysisID]
	if !ok {
		w.respond(&protocol.AnalysisResponse{
			Status: protocol.StatusError,
			Error:  &protocol.ErrorInfo{Cause: fmt.Sprintf("analysis %d has no results to save", req.AnalysisID)},
		})
		return
	}

	target := req.Path
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.dataPath, target)
	}
	if err := os.WriteFile(target, results, 0o644); err != nil {
		w.respond(&protocol.AnalysisResponse{
			Status: protocol.StatusError,
			Error:  &protocol.ErrorInfo{Cause: err.Error()},
		})
		return
	}

	w.respond(&protocol.AnalysisResponse{
		Status:  protocol.StatusComplete,
		Results: results,
	})
}

func (w *Worker) respond(resp *protocol.AnalysisResponse) {
	w.messageID++
	env, err := protocol.EncodeResponse(w.messageID, resp)
	if err != nil {
		log.Printf("encode response: %v", err)
		return
	}
	if err := protocol.WriteEnvelope(w.conn, env); err != nil {
		log.Printf("write response: %v", err)
	}
}

// summarize computes n/mean/min/max/sd for every option whose value is an
// array of numbers, and returns the result set CBOR-encoded.
func summarize(options map[string]any) ([]byte, error) {
	out := make(map[string]map[string]float64)
	for name, value := range options {
		arr, ok := value.([]any)
		if !ok {
			continue
		}
		nums := make([]float64, 0, len(arr))
		for _, v := range arr {
			f, ok := toFloat(v)
			if !ok {
				nums = nil
				break
			}
			nums = append(nums, f)
		}
		if len(nums) == 0 {
			continue
		}
		out[name] = describe(nums)
	}

	data, err := protocol.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return data, nil
}

func describe(nums []float64) map[string]float64 {
	n := float64(len(nums))
	minV, maxV := nums[0], nums[0]
	var sum float64
	for _, v := range nums {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	mean := sum / n

	var sq float64
	for _, v := range nums {
		sq += (v - mean) * (v - mean)
	}
	sd := 0.0
	if len(nums) > 1 {
		sd = math.Sqrt(sq / (n - 1))
	}

	return map[string]float64{
		"n":    n,
		"mean": mean,
		"min":  minV,
		"max":  maxV,
		"sd":   sd,
	}
}

// toFloat widens the numeric types a CBOR decode can produce into float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
