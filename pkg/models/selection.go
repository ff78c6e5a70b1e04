package models

import "time"

// Selection marks a plant, or an issue revision of a plant, as in scope for scheduled loads.
// IssueRevision is empty for a plant-level selection.
type Selection struct {
	ID            string     `json:"id" db:"id"`
	PlantID       string     `json:"plant_id" db:"plant_id"`
	IssueRevision string     `json:"issue_revision,omitempty" db:"issue_revision"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	SelectedBy    string     `json:"selected_by" db:"selected_by"`
	SelectedAt    time.Time  `json:"selected_at" db:"selected_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus *string    `json:"last_run_status,omitempty" db:"last_run_status"`
}

func (s Selection) IsPlantLevel() bool {
	return s.IssueRevision == ""
}

type SelectionRequest struct {
	PlantID       string `json:"plant_id" validate:"required,max=50"`
	IssueRevision string `json:"issue_revision" validate:"omitempty,max=20"`
}
