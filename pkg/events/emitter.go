// Package events publishes run lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const SchemaVersion = "1.0"

const (
	TypeRunStarted    = "run.started"
	TypeRunFinished   = "run.finished"
	TypeBatchFinished = "batch.finished"
)

type RunEvent struct {
	SchemaVersion string             `json:"schema_version"`
	Type          string             `json:"type"`
	RunID         string             `json:"run_id,omitempty"`
	BatchID       string             `json:"batch_id,omitempty"`
	EntityType    string             `json:"entity_type,omitempty"`
	Scope         string             `json:"scope,omitempty"`
	Status        string             `json:"status"`
	Stats         *models.MergeStats `json:"stats,omitempty"`
	ErrorType     string             `json:"error_type,omitempty"`
	Message       string             `json:"message,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Publisher is what the emitter needs from a transport.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, value any, headers map[string]string) error
}

// Emitter publishes run events. A nil publisher makes it a no-op. Publish failures are logged,
// never returned: an event can not fail a run.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

func (e *Emitter) RunStarted(ctx context.Context, run *models.RunRecord) {
	e.emit(ctx, RunEvent{
		Type:       TypeRunStarted,
		RunID:      run.ID,
		BatchID:    deref(run.BatchID),
		EntityType: run.EntityType,
		Scope:      run.ScopeKey,
		Status:     string(models.RunStatusRunning),
	})
}

func (e *Emitter) RunFinished(ctx context.Context, result models.UnitResult) {
	stats := result.Stats
	e.emit(ctx, RunEvent{
		Type:       TypeRunFinished,
		RunID:      result.RunID,
		EntityType: result.EntityType,
		Scope:      result.ScopeKey,
		Status:     string(result.Status),
		Stats:      &stats,
		ErrorType:  result.ErrorType,
		Message:    result.Message,
	})
}

func (e *Emitter) BatchFinished(ctx context.Context, batch *models.BatchResult) {
	stats := batch.Stats
	e.emit(ctx, RunEvent{
		Type:    TypeBatchFinished,
		BatchID: batch.BatchID,
		Status:  string(batch.Status),
		Stats:   &stats,
		Message: batch.Message,
	})
}

func (e *Emitter) emit(ctx context.Context, evt RunEvent) {
	if e == nil || e.publisher == nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.emit")
	defer span.End()

	evt.SchemaVersion = SchemaVersion
	evt.Timestamp = time.Now().UTC()

	key := evt.RunID
	if key == "" {
		key = evt.BatchID
	}
	headers := map[string]string{"type": evt.Type}
	if evt.EntityType != "" {
		headers["entity_type"] = evt.EntityType
	}

	if err := e.publisher.PublishJSON(ctx, key, evt, headers); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event_type", evt.Type).Warn("Failed to emit run event")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
