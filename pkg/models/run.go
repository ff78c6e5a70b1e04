package models

import (
	"time"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusNoData  RunStatus = "no_data"
)

// IsTerminal reports whether a run in this status may no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusNoData
}

type RunType string

const (
	RunTypeManual    RunType = "manual"
	RunTypeScheduled RunType = "scheduled"
	RunTypeEntity    RunType = "entity"
	RunTypeBackfill  RunType = "backfill"
	RunTypeRetire    RunType = "retire"
)

// RunRecord is the audit row of one unit of work: one entity type over one scope.
type RunRecord struct {
	ID                 string     `json:"id" db:"id"`
	BatchID            *string    `json:"batch_id,omitempty" db:"batch_id"`
	RunType            RunType    `json:"run_type" db:"run_type"`
	EntityType         string     `json:"entity_type" db:"entity_type"`
	ScopeKey           string     `json:"scope_key" db:"scope_key"`
	Endpoint           string     `json:"endpoint" db:"endpoint"`
	Status             RunStatus  `json:"status" db:"status"`
	StartedAt          time.Time  `json:"started_at" db:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	APICallCount       int        `json:"api_call_count" db:"api_call_count"`
	RecordsInserted    int        `json:"records_inserted" db:"records_inserted"`
	RecordsChanged     int        `json:"records_changed" db:"records_changed"`
	RecordsUnchanged   int        `json:"records_unchanged" db:"records_unchanged"`
	RecordsDeleted     int        `json:"records_deleted" db:"records_deleted"`
	RecordsReactivated int        `json:"records_reactivated" db:"records_reactivated"`
	ErrorCount         int        `json:"error_count" db:"error_count"`
	DurationMS         int64      `json:"duration_ms" db:"duration_ms"`
	InitiatedBy        string     `json:"initiated_by" db:"initiated_by"`
	Comments           *string    `json:"comments,omitempty" db:"comments"`
}

// RunFinish carries the terminal values written when a run is finalized.
type RunFinish struct {
	Status       RunStatus
	Stats        MergeStats
	APICallCount int
	ErrorCount   int
	Comments     string
	EndedAt      time.Time
}

// MergeStats counts the outcome of one merge.
type MergeStats struct {
	Inserted    int `json:"inserted"`
	Changed     int `json:"changed"`
	Unchanged   int `json:"unchanged"`
	Deleted     int `json:"deleted"`
	Reactivated int `json:"reactivated"`
}

func (s MergeStats) Add(o MergeStats) MergeStats {
	return MergeStats{
		Inserted:    s.Inserted + o.Inserted,
		Changed:     s.Changed + o.Changed,
		Unchanged:   s.Unchanged + o.Unchanged,
		Deleted:     s.Deleted + o.Deleted,
		Reactivated: s.Reactivated + o.Reactivated,
	}
}

// Writes is the number of versioned rows inserted or expired.
func (s MergeStats) Writes() int {
	return s.Inserted + s.Changed + s.Deleted + s.Reactivated
}

// Processed is the number of staged records the merge looked at.
func (s MergeStats) Processed() int {
	return s.Inserted + s.Changed + s.Unchanged + s.Reactivated
}

// RunFilter narrows run history queries. Zero values match everything.
type RunFilter struct {
	EntityType string `query:"entity_type"`
	Status     string `query:"status" validate:"omitempty,oneof=running success failed no_data"`
	BatchID    string `query:"batch_id"`
	Limit      int    `query:"limit" validate:"omitempty,min=1,max=1000"`
}
