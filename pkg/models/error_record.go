package models

import "time"

const (
	ResolutionOpen     = "open"
	ResolutionResolved = "resolved"
)

// ErrorRecord is an append-only failure entry, written outside the failed unit's transaction.
type ErrorRecord struct {
	ID               string    `json:"id" db:"id"`
	RunID            *string   `json:"run_id,omitempty" db:"run_id"`
	EntityType       string    `json:"entity_type" db:"entity_type"`
	Endpoint         string    `json:"endpoint" db:"endpoint"`
	ScopeKey         string    `json:"scope_key" db:"scope_key"`
	ErrorType        string    `json:"error_type" db:"error_type"`
	ErrorCode        string    `json:"error_code" db:"error_code"`
	Message          string    `json:"message" db:"message"`
	RawData          *string   `json:"raw_data,omitempty" db:"raw_data"`
	ResolutionStatus string    `json:"resolution_status" db:"resolution_status"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ErrorFilter narrows error log queries. Zero values match everything.
type ErrorFilter struct {
	RunID      string     `query:"run_id"`
	EntityType string     `query:"entity_type"`
	ErrorType  string     `query:"error_type"`
	Since      *time.Time `query:"-"`
	Limit      int        `query:"limit" validate:"omitempty,min=1,max=1000"`
}
