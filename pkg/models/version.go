package models

import "time"

type ChangeType string

const (
	ChangeInsert     ChangeType = "INSERT"
	ChangeUpdate     ChangeType = "UPDATE"
	ChangeReactivate ChangeType = "REACTIVATE"
)

// Version is one SCD2 row of a versioned entity table.
type Version struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Attributes  map[string]any `json:"attributes"`
	Fingerprint string         `json:"fingerprint"`
	ValidFrom   time.Time      `json:"valid_from"`
	ValidTo     *time.Time     `json:"valid_to,omitempty"`
	IsCurrent   bool           `json:"is_current"`
	RunID       string         `json:"run_id"`
	ChangeType  ChangeType     `json:"change_type"`
	DeleteDate  *time.Time     `json:"delete_date,omitempty"`
}

// TableStatus summarizes one versioned table.
type TableStatus struct {
	EntityType string `json:"entity_type"`
	Table      string `json:"table"`
	Records    int    `json:"records"`
	Current    int    `json:"current"`
	// Expired counts superseded and deleted versions alike.
	Expired    int        `json:"expired"`
	Deleted    int        `json:"deleted"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}
