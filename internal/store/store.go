// Package store persists the audit trail of the analysis service: finalized
// analysis runs and engine-level fault events. The live analysis state is
// owned by the pool's run loop; the store is write-behind history.
package store

import (
	"context"
	"time"
)

// Run is one finalized analysis dispatch.
type Run struct {
	ID         int64     `json:"id"`
	AnalysisID uint64    `json:"analysis_id"`
	Name       string    `json:"name"`
	NS         string    `json:"ns"`
	Slot       int       `json:"slot"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Revision   uint64    `json:"revision"`
	CreatedAt  time.Time `json:"created_at"`
}

// EngineEvent is one recorded engine fault.
type EngineEvent struct {
	ID        int64     `json:"id"`
	Slot      int       `json:"slot"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store defines the persistence operations for runs and engine events.
type Store interface {
	InsertRun(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error)
	InsertEngineEvent(ctx context.Context, ev *EngineEvent) error
	ListEngineEvents(ctx context.Context, limit int) ([]*EngineEvent, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
