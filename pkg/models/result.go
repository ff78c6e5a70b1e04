package models

import (
	"fmt"
	"time"
)

// UnitResult is the outcome of one entity type over one scope.
type UnitResult struct {
	RunID      string     `json:"run_id"`
	EntityType string     `json:"entity_type"`
	ScopeKey   string     `json:"scope_key,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty"`
	Status     RunStatus  `json:"status"`
	Stats      MergeStats `json:"stats"`
	Duplicate  bool       `json:"duplicate,omitempty"`
	Message    string     `json:"message"`
	ErrorType  string     `json:"error_type,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

type BatchStatus string

const (
	BatchStatusSuccess        BatchStatus = "success"
	BatchStatusPartialSuccess BatchStatus = "partial_success"
	BatchStatusFailed         BatchStatus = "failed"
	BatchStatusNoData         BatchStatus = "no_data"
)

// BatchResult aggregates the units of a multi-entity trigger.
type BatchResult struct {
	BatchID   string       `json:"batch_id"`
	Status    BatchStatus  `json:"status"`
	Units     []UnitResult `json:"units"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	NoData    int          `json:"no_data"`
	Stats     MergeStats   `json:"stats"`
	Message   string       `json:"message"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
}

// Add records a unit and refreshes the aggregate counters.
func (b *BatchResult) Add(u UnitResult) {
	b.Units = append(b.Units, u)
	switch u.Status {
	case RunStatusSuccess:
		b.Succeeded++
	case RunStatusFailed:
		b.Failed++
	case RunStatusNoData:
		b.NoData++
	}
	b.Stats = b.Stats.Add(u.Stats)
}

// Finalize derives the aggregate status: failed when nothing succeeded, partial when some units
// failed, no_data when nothing failed and nothing produced data.
func (b *BatchResult) Finalize(end time.Time) {
	b.EndedAt = end
	switch {
	case len(b.Units) == 0:
		b.Status = BatchStatusNoData
	case b.Failed == 0 && b.Succeeded == 0:
		b.Status = BatchStatusNoData
	case b.Failed == 0:
		b.Status = BatchStatusSuccess
	case b.Succeeded+b.NoData == 0:
		b.Status = BatchStatusFailed
	default:
		b.Status = BatchStatusPartialSuccess
	}
	b.Message = batchMessage(b)
}

func batchMessage(b *BatchResult) string {
	return fmt.Sprintf("%d units: %d succeeded, %d without data, %d failed (inserted %d, changed %d, unchanged %d, deleted %d, reactivated %d)",
		len(b.Units), b.Succeeded, b.NoData, b.Failed,
		b.Stats.Inserted, b.Stats.Changed, b.Stats.Unchanged, b.Stats.Deleted, b.Stats.Reactivated)
}

// ReconcileResult compares what a run staged against what is current in its scope afterwards.
type ReconcileResult struct {
	RunID      string `json:"run_id"`
	EntityType string `json:"entity_type"`
	ScopeKey   string `json:"scope_key"`
	Staged     int    `json:"staged"`
	Current    int    `json:"current"`
	Difference int    `json:"difference"`
	Matches    bool   `json:"matches"`
}

func NewReconcileResult(runID, entityType, scopeKey string, staged, current int) ReconcileResult {
	return ReconcileResult{
		RunID:      runID,
		EntityType: entityType,
		ScopeKey:   scopeKey,
		Staged:     staged,
		Current:    current,
		Difference: current - staged,
		Matches:    current == staged,
	}
}

func (r ReconcileResult) String() string {
	return fmt.Sprintf("reconciled: staged %d, current %d", r.Staged, r.Current)
}
