package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// RawResponse is the exact upstream body behind a merged unit, kept for audit and duplicate detection.
type RawResponse struct {
	ID          string                            `json:"id" db:"id"`
	RunID       string                            `json:"run_id" db:"run_id"`
	EntityType  string                            `json:"entity_type" db:"entity_type"`
	Endpoint    string                            `json:"endpoint" db:"endpoint"`
	ScopeKey    string                            `json:"scope_key" db:"scope_key"`
	Payload     string                            `json:"payload" db:"payload"`
	PayloadHash string                            `json:"payload_hash" db:"payload_hash"`
	HTTPStatus  int                               `json:"http_status" db:"http_status"`
	DurationMS  int64                             `json:"duration_ms" db:"duration_ms"`
	Headers     database.JSONB[map[string]string] `json:"headers" db:"headers"`
	FetchedAt   time.Time                         `json:"fetched_at" db:"fetched_at"`
	// InvalidatedAt is set once the rows this response produced were changed by another writer.
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty" db:"invalidated_at"`
}

// Invalidation marks stored responses of an entity type as no longer describing its current rows.
type Invalidation struct {
	EntityType string
	// ScopeKey restricts the invalidation to one scope when set.
	ScopeKey *string
	// ExceptEndpoint keeps the responses of one endpoint valid.
	ExceptEndpoint string
	At             time.Time
}
